package gateway

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

// sendBuffer is the per-channel FIFO depth. A client that cannot drain this
// many frames is dropped rather than allowed to block fan-out to others.
const sendBuffer = 64

// seenTTL bounds how long delivered event IDs are remembered per channel.
const seenTTL = 5 * time.Minute

// channel is one user's live connection as the gateway sees it. Tests swap in
// fakes; conn is the websocket implementation.
type channel interface {
	UserID() string
	// Enqueue appends the frame to the channel's FIFO. Returns false if the
	// channel is gone or was dropped as a slow consumer.
	Enqueue(env Envelope) bool
	// MarkSeen records the event ID and reports whether it was new. Fan-out
	// and sync deltas both gate on this, so a channel receives a given event
	// at most once no matter which path races ahead.
	MarkSeen(eventID string) bool
	Close()
}

type conn struct {
	userID string
	ws     *websocket.Conn
	sendCh chan []byte
	seen   *ttlcache.Cache[string, struct{}]

	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func newConn(userID string, ws *websocket.Conn) *conn {
	c := &conn{
		userID: userID,
		ws:     ws,
		sendCh: make(chan []byte, sendBuffer),
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](seenTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		done: make(chan struct{}),
		logger: zerolog.New(os.Stdout).With().Timestamp().Logger().With().Str("user", userID).Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
	go c.seen.Start()
	go c.writeLoop()
	return c
}

func (c *conn) UserID() string {
	return c.userID
}

func (c *conn) Enqueue(env Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		c.logger.Err(err).Str("type", env.Type).Msg("failed to marshal outbound frame")
		return false
	}
	select {
	case <-c.done:
		return false
	case c.sendCh <- b:
		return true
	default:
		c.logger.Warn().Str("type", env.Type).Msg("send buffer full, dropping slow consumer")
		c.Close()
		return false
	}
}

func (c *conn) MarkSeen(eventID string) bool {
	_, existed := c.seen.GetOrSet(eventID, struct{}{})
	return !existed
}

// writeLoop is the only goroutine that writes to the socket, preserving
// enqueue order per channel.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.sendCh:
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Warn().Err(err).Msg("write failed, closing channel")
				c.Close()
				return
			}
		}
	}
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.seen.Stop()
		_ = c.ws.Close()
	})
}
