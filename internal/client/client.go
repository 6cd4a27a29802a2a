// Package client is the player side of the websocket transport. It keeps a
// connection to the server alive and reports connection changes as
// envelopes with the reserved transport event names, interleaved with the
// server's own events.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/bug-match-backend/internal/types"
)

type Options struct {
	URL    string
	Logger *zap.Logger

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Attempts bounds consecutive failed reconnects; the wait before
	// attempt n is n*Backoff.
	Attempts int
	Backoff  time.Duration
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
}

type Conn struct {
	opts   Options
	log    *zap.Logger
	events chan types.Envelope

	mu sync.Mutex
	ws *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect starts connecting in the background. Progress arrives on Events.
func Connect(parent context.Context, opts Options) *Conn {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		opts:   opts,
		log:    opts.Logger.With(zap.String("url", opts.URL)),
		events: make(chan types.Envelope, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

// Events is closed once the connection gives up or is closed.
func (c *Conn) Events() <-chan types.Envelope { return c.events }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes env to the server. It fails with types.ErrConnectionLost
// while disconnected.
func (c *Conn) Send(ctx context.Context, env types.Envelope) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return types.ErrConnectionLost
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("%w: %v", types.ErrConnectionLost, err)
	}
	return nil
}

// Close disconnects and cancels any pending reconnect.
func (c *Conn) Close() {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}
	<-c.done
}

func (c *Conn) run() {
	defer close(c.done)
	defer close(c.events)

	attempt := 0
	connected := false
	for {
		if attempt > 0 {
			if attempt > c.opts.Attempts {
				c.log.Warn("giving up reconnecting", zap.Int("attempts", c.opts.Attempts))
				c.emit(types.Envelope{Event: types.EventReconnectFailed})
				return
			}
			c.emit(types.Must(types.EventReconnectAttempt, types.AttemptPayload{Attempt: attempt}))
			if !c.sleep(time.Duration(attempt) * c.opts.Backoff) {
				return
			}
		}

		ws, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			c.emit(types.Must(types.EventConnectError, types.ErrorPayload{
				Message: err.Error(),
				Code:    types.CodeConnectionLost,
			}))
			attempt++
			continue
		}

		c.setWS(ws)
		c.emit(types.Envelope{Event: types.EventConnect})
		if connected {
			c.emit(types.Must(types.EventReconnect, types.AttemptPayload{Attempt: attempt}))
		}
		connected = true
		attempt = 0

		serverClosed, reason := c.read(ws)
		c.setWS(nil)
		if c.ctx.Err() != nil {
			return
		}
		c.emit(types.Must(types.EventDisconnect, types.DisconnectPayload{Reason: reason}))

		// The server hung up on purpose: come straight back.
		if serverClosed {
			continue
		}
		attempt = 1
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	return ws, err
}

// read pumps server frames into events until the socket fails.
func (c *Conn) read(ws *websocket.Conn) (serverClosed bool, reason string) {
	defer ws.CloseNow()
	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, "io server disconnect"
			}
			return false, "transport close"
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.emit(env)
	}
}

func (c *Conn) emit(env types.Envelope) {
	select {
	case c.events <- env:
	case <-c.ctx.Done():
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) setWS(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}
