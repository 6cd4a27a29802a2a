package hub

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"go.uber.org/zap"

	"github.com/DoyleJ11/bug-match-backend/internal/lobby"
)

const (
	codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength  = 6
)

var ErrCodeSpace = errors.New("could not allocate a free room code")

type HubMsg interface{ isHubMsg() }

// CreateRoom allocates a fresh code and starts an empty lobby for it.
type CreateRoom struct {
	Reply chan *lobby.Lobby
}

type GetRoom struct {
	Code  string
	Reply chan *lobby.Lobby // nil if unknown
}

// RemoveRoom forgets a lobby; it is ignored if Code has since been reused
// by a different lobby.
type RemoveRoom struct {
	Code  string
	Lobby *lobby.Lobby
}

type CountRooms struct {
	Reply chan int
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (CountRooms) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	opts    lobby.Options
	log     *zap.Logger
	newCode func() (string, error)
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHub starts the registry. opts is the template every new lobby is
// started with.
func NewHub(parent context.Context, opts lobby.Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		opts:    opts,
		log:     opts.Logger,
		newCode: GenerateCode,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Create is a blocking convenience around CreateRoom.
func (h *Hub) Create(ctx context.Context) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, CreateRoom{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case lb := <-reply:
		if lb == nil {
			return nil, ErrCodeSpace
		}
		return lb, nil
	case <-h.ctx.Done():
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get is a blocking convenience around GetRoom; it returns nil for an
// unknown code.
func (h *Hub) Get(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, GetRoom{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case lb := <-reply:
		return lb, nil
	case <-h.ctx.Done():
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) Count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := h.send(ctx, CountRooms{Reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-h.ctx.Done():
		return 0, context.Canceled
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	if h.ctx.Err() != nil {
		return context.Canceled
	}
	select {
	case h.inbox <- m:
		return nil
	case <-h.ctx.Done():
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				msg.Reply <- h.create()

			case GetRoom:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case RemoveRoom:
				if lb := h.lobbies[msg.Code]; lb != nil && lb == msg.Lobby {
					delete(h.lobbies, msg.Code)
					h.log.Debug("room removed", zap.String("room", msg.Code), zap.Int("rooms", len(h.lobbies)))
				}

			case CountRooms:
				msg.Reply <- len(h.lobbies)

			case ShutdownHub:
				for _, lb := range h.lobbies {
					lb.Send(lobby.Shutdown{})
				}
				clear(h.lobbies)
				h.cancel()
			}
		}
	}
}

func (h *Hub) create() *lobby.Lobby {
	var code string
	for attempt := 0; attempt < 16; attempt++ {
		c, err := h.newCode()
		if err != nil {
			h.log.Error("generate room code", zap.Error(err))
			return nil
		}
		if h.lobbies[c] == nil {
			code = c
			break
		}
		h.log.Debug("collision on code, regenerating", zap.String("room", c))
	}
	if code == "" {
		return nil
	}

	opts := h.opts
	opts.OnClosed = func(lb *lobby.Lobby) {
		// The lobby goroutine must never block on the hub.
		go func() {
			select {
			case h.inbox <- RemoveRoom{Code: lb.Code(), Lobby: lb}:
			case <-h.ctx.Done():
			}
		}()
	}
	lb := lobby.NewLobby(h.ctx, code, opts)
	h.lobbies[code] = lb
	h.log.Debug("room allocated", zap.String("room", code), zap.Int("rooms", len(h.lobbies)))
	return lb
}

func GenerateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[num.Int64()]
	}
	return string(code), nil
}
