// Package syncer runs one polling loop per active session, computing deltas
// of new events since the session's cursor and handing them to a sink.
package syncer

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/jianluochat/chatd/internal"
	"github.com/jianluochat/chatd/state"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// EventSource is the read side of the event log the poller collects from.
// *state.Storage implements it.
type EventSource interface {
	LatestPosition() int64
	EventsBetween(roomID string, from, to int64, limit int, typeFilter string) ([]*state.Event, error)
}

// SessionSource is the session bookkeeping the poller consults each
// iteration. *state.Sessions implements it.
type SessionSource interface {
	IsActive(userID string) bool
	JoinedRooms(userID string) []string
	SyncPosition(userID string) int64
	UpdateSyncPosition(userID string, pos int64)
}

// Delta is one poll's worth of new events for a session, ordered by append
// position. Events from the same room preserve their append order; rooms are
// interleaved by position.
type Delta struct {
	UserID string
	Events []*state.Event
	// NextCursor is the cursor after this delta, already persisted to the
	// session before the sink sees the delta.
	NextCursor Token
}

// Sink consumes deltas. OnDelta is only called with a non-empty event list,
// from the session's single poller goroutine, so calls for one session never
// race each other.
type Sink interface {
	OnDelta(ctx context.Context, delta *Delta)
}

// Poller runs the sync loop for a single session. Create via the Engine.
type Poller struct {
	userID   string
	source   EventSource
	sessions SessionSource
	sink     Sink

	pollInterval  time.Duration
	retryInterval time.Duration

	stopCh chan struct{}
	logger zerolog.Logger
}

func NewPoller(userID string, source EventSource, sessions SessionSource, sink Sink, pollInterval, retryInterval time.Duration) *Poller {
	return &Poller{
		userID:        userID,
		source:        source,
		sessions:      sessions,
		sink:          sink,
		pollInterval:  pollInterval,
		retryInterval: retryInterval,
		stopCh:        make(chan struct{}),
		logger: zerolog.New(os.Stdout).With().Timestamp().Logger().With().Str("user", userID).Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
}

// Stop makes the loop exit by its next iteration. Nothing is emitted after
// the loop observes the stop.
func (p *Poller) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

// Poll blocks, repeatedly collecting deltas, until the session goes inactive
// or Stop is called. Do this in a goroutine.
//
// Each iteration snapshots the log's latest position first and collects
// events in (cursor, target]; an event appended mid-collection has a greater
// position and lands in the next delta, so nothing is skipped and nothing is
// replayed. The cursor advances to target only after a fully successful
// collection; a failed iteration retries with the same cursor after a fixed
// interval, so an error never drops events.
func (p *Poller) Poll(ctx context.Context) {
	p.logger.Info().Int64("cursor", p.sessions.SyncPosition(p.userID)).Msg("sync poll loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
		if !p.sessions.IsActive(p.userID) {
			p.logger.Info().Msg("session inactive, terminating sync loop")
			return
		}

		cursor := p.sessions.SyncPosition(p.userID)
		// target before room list: a membership event at position <= target
		// implies the session's joined set already contains its room
		target := p.source.LatestPosition()
		internal.Assert("sync target must not precede the cursor", target >= cursor)
		rooms := p.sessions.JoinedRooms(p.userID)

		events, err := p.collect(rooms, cursor, target)
		if err != nil {
			p.logger.Warn().Err(err).Int64("cursor", cursor).Msg("sync poll failed, retrying with same cursor")
			if !p.sleep(ctx, p.retryInterval) {
				return
			}
			continue
		}

		// advance unconditionally on success, even for an empty delta
		p.sessions.UpdateSyncPosition(p.userID, target)
		if len(events) > 0 {
			p.sink.OnDelta(ctx, &Delta{
				UserID:     p.userID,
				Events:     events,
				NextCursor: Token{Position: target, UserID: p.userID},
			})
		}

		if !p.sleep(ctx, p.pollInterval) {
			return
		}
	}
}

func (p *Poller) collect(rooms []string, from, to int64) ([]*state.Event, error) {
	var events []*state.Event
	for _, roomID := range rooms {
		evs, err := p.source.EventsBetween(roomID, from, to, 0, "")
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Position < events[j].Position
	})
	return events, nil
}

// sleep waits for d unless the poller is stopped or the context ends first.
// Returns false if the loop should exit.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
