package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/bug-match-backend/internal/hub"
	"github.com/DoyleJ11/bug-match-backend/internal/lobby"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
	"github.com/DoyleJ11/bug-match-backend/internal/types"
)

var errNotInRoom = fmt.Errorf("%w: not in a room", types.ErrInvalidRequest)

type Options struct {
	Logger *zap.Logger
	// A peer that does not answer a ping within ReadTimeout is disconnected.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// In dev ONLY, loosen origin checks, e.g. "localhost:*".
	OriginPatterns []string
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
}

// conn is one websocket client. Its id is the player id for every room it
// joins over its lifetime.
type conn struct {
	id   string
	ws   *websocket.Conn
	hub  *hub.Hub
	log  *zap.Logger
	opts Options
	out  chan types.Envelope

	mu sync.Mutex
	lb *lobby.Lobby // current room, nil when idle

	ctx    context.Context
	cancel context.CancelFunc
}

func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts.withDefaults()

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			opts.Logger.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "bye")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := &conn{
			id:     randID(12),
			ws:     ws,
			hub:    h,
			opts:   opts,
			out:    make(chan types.Envelope, 32),
			ctx:    ctx,
			cancel: cancel,
		}
		c.log = opts.Logger.With(zap.String("player", c.id))
		c.log.Debug("client connected", zap.String("remote", r.RemoteAddr))
		defer c.log.Debug("client disconnected")

		defer c.leave()

		c.push(types.Must(types.EventSessionInit, types.SessionInitPayload{PlayerID: c.id}))

		go c.writeLoop()
		go c.pingLoop()
		c.readLoop()
	}
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Treat clean close/going-away as normal:
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			if c.ctx.Err() == nil {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.push(types.ErrorEnvelope(fmt.Errorf("%w: malformed frame", types.ErrInvalidRequest)))
			continue
		}

		if err := c.dispatch(env); err != nil {
			c.log.Debug("request rejected", zap.String("event", env.Event), zap.Error(err))
			c.push(types.ErrorEnvelope(err))
		}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return

		case env := <-c.out:
			if env.Event == types.EventRoomClosed {
				var p types.RoomClosedPayload
				if env.Decode(&p) == nil {
					c.detach(p.RoomCode)
				}
			}

			payload, err := json.Marshal(env)
			if err != nil {
				c.log.Error("encode frame", zap.String("event", env.Event), zap.Error(err))
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err = c.ws.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) pingLoop() {
	t := time.NewTicker(c.opts.ReadTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.ReadTimeout/2)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

// push queues env for this client only. A client that cannot keep up is
// disconnected.
func (c *conn) push(env types.Envelope) {
	select {
	case c.out <- env:
	default:
		c.log.Warn("outbox full, closing connection")
		c.cancel()
	}
}

func (c *conn) dispatch(env types.Envelope) error {
	switch env.Event {
	case types.EventRoomCreate:
		var p types.CreateRoomPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return c.createRoom(p.Nickname)

	case types.EventRoomJoin:
		var p types.JoinRoomPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return c.joinRoom(p.RoomCode, p.Nickname)

	case types.EventRoomLeave:
		if c.current() == nil {
			return errNotInRoom
		}
		c.leave()
		return nil

	case types.EventRoomStartGame, types.EventGameFlipCard, types.EventGameTurnTimeout:
		lb := c.current()
		if lb == nil {
			return errNotInRoom
		}
		if !lb.Send(lobby.FromClient{ClientID: c.id, Event: env}) {
			c.detach(lb.Code())
			return room.ErrRoomNotFound
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown event %q", types.ErrInvalidRequest, env.Event)
	}
}

func (c *conn) createRoom(nickname string) error {
	if c.current() != nil {
		return fmt.Errorf("%w: already in a room", types.ErrInvalidRequest)
	}
	if strings.TrimSpace(nickname) == "" {
		return room.ErrInvalidNickname
	}

	lb, err := c.hub.Create(c.ctx)
	if err != nil {
		return err
	}
	if err := c.enter(lb, nickname, true); err != nil {
		// Never leave a hostless room registered.
		lb.Send(lobby.Shutdown{})
		return err
	}
	c.log.Info("room created", zap.String("room", lb.Code()))
	return nil
}

func (c *conn) joinRoom(code, nickname string) error {
	if c.current() != nil {
		return fmt.Errorf("%w: already in a room", types.ErrInvalidRequest)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return fmt.Errorf("%w: missing room code", types.ErrInvalidRequest)
	}

	lb, err := c.hub.Get(c.ctx, code)
	if err != nil {
		return err
	}
	if lb == nil {
		return fmt.Errorf("%w: %s", room.ErrRoomNotFound, code)
	}
	return c.enter(lb, nickname, false)
}

// enter asks lb to admit this connection and waits for the verdict.
func (c *conn) enter(lb *lobby.Lobby, nickname string, host bool) error {
	reply := make(chan error, 1)
	msg := lobby.Join{
		ClientID: c.id,
		Nickname: nickname,
		Host:     host,
		Outbox:   c.out,
		Evict:    c.cancel,
		Reply:    reply,
	}
	if !lb.Send(msg) {
		return room.ErrRoomNotFound
	}

	select {
	case err := <-reply:
		if err != nil {
			return err
		}
	case <-lb.Done():
		select {
		case err := <-reply:
			if err != nil {
				return err
			}
		default:
		}
		return room.ErrRoomNotFound
	case <-c.ctx.Done():
		return types.ErrConnectionLost
	}

	c.mu.Lock()
	c.lb = lb
	c.mu.Unlock()
	return nil
}

func (c *conn) current() *lobby.Lobby {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lb != nil {
		select {
		case <-c.lb.Done():
			c.lb = nil
		default:
		}
	}
	return c.lb
}

// detach forgets the current room without telling it; used once the room
// itself has gone away.
func (c *conn) detach(code string) {
	c.mu.Lock()
	if c.lb != nil && c.lb.Code() == code {
		c.lb = nil
	}
	c.mu.Unlock()
}

func (c *conn) leave() {
	c.mu.Lock()
	lb := c.lb
	c.lb = nil
	c.mu.Unlock()

	if lb != nil {
		lb.Send(lobby.Leave{ClientID: c.id})
	}
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
