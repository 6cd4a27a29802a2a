package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/bug-match-backend/internal/hub"
	"github.com/DoyleJ11/bug-match-backend/internal/store"
	"github.com/DoyleJ11/bug-match-backend/internal/ws"
)

type Deps struct {
	Hub       *hub.Hub
	History   History
	PublicURL string
	WS        ws.Options
	Logger    *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.History == nil {
		d.History = store.Nop{}
	}
	r := chi.NewRouter()

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(d.Hub, d.WS))
	r.Get("/rooms/{code}", GetRoom(d.Hub))
	r.Get("/rooms/{code}/qr", RoomQR(d.PublicURL))
	r.Get("/matches", RecentMatches(d.History, d.Logger))
	return r
}
