package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPollInterval  = 1 * time.Second
	DefaultRetryInterval = 5 * time.Second
)

// Engine owns one poller goroutine per active session. EnsurePolling is
// idempotent per user, mirroring the at-most-one-loop-per-session contract.
type Engine struct {
	source   EventSource
	sessions SessionSource
	sink     Sink

	pollInterval  time.Duration
	retryInterval time.Duration

	mu      sync.Mutex
	pollers map[string]*Poller

	numPollers prometheus.Gauge
}

func NewEngine(source EventSource, sessions SessionSource, sink Sink, enablePrometheus bool) *Engine {
	e := &Engine{
		source:        source,
		sessions:      sessions,
		sink:          sink,
		pollInterval:  DefaultPollInterval,
		retryInterval: DefaultRetryInterval,
		pollers:       make(map[string]*Poller),
	}
	if enablePrometheus {
		e.addPrometheusMetrics()
	}
	return e
}

func (e *Engine) addPrometheusMetrics() {
	e.numPollers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Subsystem: "syncer",
		Name:      "num_pollers",
		Help:      "Number of active sync pollers.",
	})
	prometheus.MustRegister(e.numPollers)
}

// SetIntervals overrides the poll and retry intervals. Call before any
// EnsurePolling; pollers started earlier keep the old values.
func (e *Engine) SetIntervals(poll, retry time.Duration) {
	e.pollInterval = poll
	e.retryInterval = retry
}

// EnsurePolling starts the sync loop for the session if one is not already
// running.
func (e *Engine) EnsurePolling(ctx context.Context, userID string) {
	e.mu.Lock()
	if _, exists := e.pollers[userID]; exists {
		e.mu.Unlock()
		return
	}
	p := NewPoller(userID, e.source, e.sessions, e.sink, e.pollInterval, e.retryInterval)
	e.pollers[userID] = p
	if e.numPollers != nil {
		e.numPollers.Inc()
	}
	e.mu.Unlock()

	go func() {
		p.Poll(ctx)
		e.mu.Lock()
		if e.pollers[userID] == p {
			delete(e.pollers, userID)
			if e.numPollers != nil {
				e.numPollers.Dec()
			}
		}
		e.mu.Unlock()
	}()
}

// IsPolling reports whether a loop is currently running for the session.
func (e *Engine) IsPolling(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists := e.pollers[userID]
	return exists
}

// StopSession stops the session's poller, if any. Takes effect by the next
// loop check; nothing is emitted afterwards.
func (e *Engine) StopSession(userID string) {
	e.mu.Lock()
	p := e.pollers[userID]
	e.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Teardown stops every poller and unregisters metrics.
func (e *Engine) Teardown() {
	e.mu.Lock()
	for _, p := range e.pollers {
		p.Stop()
	}
	e.mu.Unlock()
	if e.numPollers != nil {
		prometheus.Unregister(e.numPollers)
	}
}
