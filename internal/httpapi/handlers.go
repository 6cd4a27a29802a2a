package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/DoyleJ11/bug-match-backend/internal/hub"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
	"github.com/DoyleJ11/bug-match-backend/internal/store"
)

const (
	qrSize         = 256
	defaultMatches = 20
	maxMatches     = 100
	lookupTimeout  = 2 * time.Second
)

// History is the read side of the match store.
type History interface {
	Recent(ctx context.Context, limit int) ([]store.MatchRecord, error)
}

type roomInfo struct {
	RoomCode       string      `json:"roomCode"`
	Status         room.Status `json:"status"`
	CurrentPlayers int         `json:"currentPlayers"`
	MaxPlayers     int         `json:"maxPlayers"`
}

// GetRoom reports whether a room exists and has a free seat, so a join link
// can be checked before opening a websocket.
func GetRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := strings.ToUpper(chi.URLParam(r, "code"))

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		lb, err := h.Get(ctx, code)
		if err != nil {
			http.Error(w, "lookup failed", http.StatusServiceUnavailable)
			return
		}
		if lb == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		v, err := lb.Snapshot(ctx)
		if err != nil || v.Room.Empty() {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, roomInfo{
			RoomCode:       v.Room.Code,
			Status:         v.Room.Status,
			CurrentPlayers: len(v.Room.Players),
			MaxPlayers:     v.Room.MaxPlayers,
		})
	}
}

// RoomQR renders the join link of a room as a PNG QR code.
func RoomQR(publicURL string) http.HandlerFunc {
	base := strings.TrimRight(publicURL, "/")
	return func(w http.ResponseWriter, r *http.Request) {
		code := strings.ToUpper(chi.URLParam(r, "code"))
		if code == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		png, err := qrcode.Encode(base+"/join/"+code, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(png)
	}
}

func RecentMatches(hist History, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultMatches
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, maxMatches)
		}

		recs, err := hist.Recent(r.Context(), limit)
		if err != nil {
			log.Error("list matches", zap.Error(err))
			http.Error(w, "failed to load matches", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
