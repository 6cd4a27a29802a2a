package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/hub"
	"github.com/DoyleJ11/bug-match-backend/internal/lobby"
	"github.com/DoyleJ11/bug-match-backend/internal/store"
	"github.com/DoyleJ11/bug-match-backend/internal/types"
)

type memHistory struct {
	mu   sync.Mutex
	recs []store.MatchRecord
	err  error
}

func (m *memHistory) RecordMatch(_ context.Context, code string, g engine.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append([]store.MatchRecord{store.FromGame(code, g)}, m.recs...)
	return nil
}

func (m *memHistory) Recent(_ context.Context, limit int) ([]store.MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.recs[:min(limit, len(m.recs))], nil
}

func newTestServer(t *testing.T, hist *memHistory) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(ctx, lobby.Options{
		Rules: engine.Rules{
			Pairs:          2,
			Distribution:   engine.Distribution{Easy: 2},
			PointsPerMatch: 10,
			TurnTimeLimit:  30,
		},
		ResetDelay: 50 * time.Millisecond,
		Recorder:   hist,
	})
	srv := httptest.NewServer(SetupRoutes(Deps{
		Hub:       h,
		History:   hist,
		PublicURL: "https://bugmatch.example",
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func send(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(types.Must(event, data))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, raw))
}

// expect reads frames until one named event arrives, skipping the rest.
func expect(t *testing.T, c *websocket.Conn, event string) types.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err, "waiting for %s", event)
		var env types.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == event {
			return env
		}
	}
}

func decode[T any](t *testing.T, env types.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &memHistory{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetRoom_NotFound(t *testing.T) {
	srv := newTestServer(t, &memHistory{})
	resp, err := http.Get(srv.URL + "/rooms/NOPE00")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomQR(t *testing.T) {
	srv := newTestServer(t, &memHistory{})
	resp, err := http.Get(srv.URL + "/rooms/abc123/qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	magic := make([]byte, 4)
	_, err = io.ReadFull(resp.Body, magic)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), magic)
}

func TestRecentMatches(t *testing.T) {
	hist := &memHistory{recs: []store.MatchRecord{{GameID: "a"}, {GameID: "b"}, {GameID: "c"}}}
	srv := newTestServer(t, hist)

	resp, err := http.Get(srv.URL + "/matches?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []store.MatchRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].GameID)

	bad, err := http.Get(srv.URL + "/matches?limit=zero")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	hist.mu.Lock()
	hist.err = errors.New("db down")
	hist.mu.Unlock()
	failed, err := http.Get(srv.URL + "/matches")
	require.NoError(t, err)
	failed.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, failed.StatusCode)
}

func TestWebsocket_RejectsBeforeJoining(t *testing.T) {
	srv := newTestServer(t, &memHistory{})
	c := dial(t, srv)
	expect(t, c, types.EventSessionInit)

	send(t, c, types.EventGameFlipCard, types.FlipCardPayload{GameID: "x", CardID: "card-0"})
	e := decode[types.ErrorPayload](t, expect(t, c, types.EventGameError))
	assert.Equal(t, types.CodeInvalidRequest, e.Code)

	send(t, c, types.EventRoomJoin, types.JoinRoomPayload{RoomCode: "NOPE00", Nickname: "gus"})
	e = decode[types.ErrorPayload](t, expect(t, c, types.EventGameError))
	assert.Equal(t, types.CodeRoomNotFound, e.Code)

	send(t, c, types.EventRoomCreate, types.CreateRoomPayload{Nickname: "  "})
	e = decode[types.ErrorPayload](t, expect(t, c, types.EventGameError))
	assert.Equal(t, types.CodeInvalidRequest, e.Code)
}

func TestWebsocket_FullGame(t *testing.T) {
	hist := &memHistory{}
	srv := newTestServer(t, hist)

	host := dial(t, srv)
	hostID := decode[types.SessionInitPayload](t, expect(t, host, types.EventSessionInit)).PlayerID
	require.NotEmpty(t, hostID)

	send(t, host, types.EventRoomCreate, types.CreateRoomPayload{Nickname: "hana"})
	created := decode[types.RoomCreatedPayload](t, expect(t, host, types.EventRoomCreated))
	require.Len(t, created.RoomCode, 6)
	assert.Equal(t, hostID, created.Host.ID)

	resp, err := http.Get(srv.URL + "/rooms/" + strings.ToLower(created.RoomCode))
	require.NoError(t, err)
	var info roomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, 1, info.CurrentPlayers)
	assert.Equal(t, 2, info.MaxPlayers)

	guest := dial(t, srv)
	expect(t, guest, types.EventSessionInit)
	send(t, guest, types.EventRoomJoin, types.JoinRoomPayload{RoomCode: created.RoomCode, Nickname: "gus"})
	joined := decode[types.RoomJoinedPayload](t, expect(t, guest, types.EventRoomJoined))
	assert.Len(t, joined.Players, 2)
	assert.Equal(t, "gus", decode[types.PlayerRef](t, expect(t, host, types.EventPlayerJoined)).Nickname)

	third := dial(t, srv)
	expect(t, third, types.EventSessionInit)
	send(t, third, types.EventRoomJoin, types.JoinRoomPayload{RoomCode: created.RoomCode, Nickname: "zed"})
	e := decode[types.ErrorPayload](t, expect(t, third, types.EventGameError))
	assert.Equal(t, types.CodeRoomFull, e.Code)

	send(t, host, types.EventRoomStartGame, types.StartGamePayload{RoomCode: created.RoomCode})
	game := decode[engine.State](t, expect(t, host, types.EventGameStarted))
	expect(t, guest, types.EventGameStarted)
	require.Equal(t, hostID, game.CurrentTurn)
	require.Len(t, game.Cards, 4)

	// The host clears the board one pair at a time and keeps the turn.
	done := map[string]bool{}
	for _, card := range game.Cards {
		if done[card.ID] {
			continue
		}
		done[card.ID], done[card.MatchingCardID] = true, true
		send(t, host, types.EventGameFlipCard, types.FlipCardPayload{GameID: game.GameID, CardID: card.ID})
		send(t, host, types.EventGameFlipCard, types.FlipCardPayload{GameID: game.GameID, CardID: card.MatchingCardID})
		m := decode[types.MatchPayload](t, expect(t, host, types.EventGameMatch))
		assert.ElementsMatch(t, []string{card.ID, card.MatchingCardID}, m.MatchedCards)
	}

	over := decode[types.GameOverPayload](t, expect(t, guest, types.EventGameOver))
	assert.False(t, over.IsTie)
	require.Len(t, over.Winners, 1)
	assert.Equal(t, hostID, over.Winners[0].ID)
	assert.Equal(t, 20, over.Winners[0].Score)

	closed := decode[types.RoomClosedPayload](t, expect(t, host, types.EventRoomClosed))
	assert.Equal(t, created.RoomCode, closed.RoomCode)

	require.Eventually(t, func() bool {
		recs, _ := hist.Recent(context.Background(), 10)
		return len(recs) == 1
	}, time.Second, 10*time.Millisecond)

	// Detached by the reset, the host can open a new room on the same socket.
	send(t, host, types.EventRoomCreate, types.CreateRoomPayload{Nickname: "hana"})
	again := decode[types.RoomCreatedPayload](t, expect(t, host, types.EventRoomCreated))
	assert.NotEqual(t, created.RoomCode, again.RoomCode)
}
