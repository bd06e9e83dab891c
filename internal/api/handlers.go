package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/codeshare/internal/persist"
	"github.com/manpreetbhatti/codeshare/internal/room"
	"github.com/manpreetbhatti/codeshare/internal/store"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

type API struct {
	hub      *ws.Hub
	registry *room.Registry
	store    store.SnapshotStore
	writer   *persist.Writer
	logger   *slog.Logger
}

// New wires the HTTP surface. writer may be nil.
func New(hub *ws.Hub, registry *room.Registry, st store.SnapshotStore, writer *persist.Writer, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		hub:      hub,
		registry: registry,
		store:    st,
		writer:   writer,
		logger:   logger,
	}
}

// Router returns every route including the websocket endpoint.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(a.accessLog, corsMiddleware)

	r.Handle("/ws", a.hub).Methods(http.MethodGet)
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.errorResponse(w, http.StatusNotFound, "Not found")
	})
	return r
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// Hijacked connections report their lifetime, not a request duration.
			next.ServeHTTP(w, r)
			return
		}
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.logger.Info("handled", "method", r.Method, "url", r.URL.String(), "status", m.Code, "duration", m.Duration)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("encoding JSON response", "err", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	rs := a.registry.Stats()
	stats := map[string]interface{}{
		"active_rooms":        rs.Rooms,
		"active_participants": rs.Participants,
		"active_clients":      a.hub.GetClientCount(),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}

	if a.writer != nil {
		ps := a.writer.Stats()
		stats["persisted_writes"] = ps.Written
		stats["persist_failures"] = ps.Failed
		stats["persist_pending"] = ps.Pending
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID               string    `json:"id"`
	Language         string    `json:"language"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
	ActiveUsers      int       `json:"active_users"`
	Size             int       `json:"size"`
	Text             string    `json:"text,omitempty"` // omitted in list view
	Revision         uint64    `json:"revision,omitempty"`
	TypingIntervalMs int       `json:"typing_interval_ms,omitempty"`
	Participants     []string  `json:"participants,omitempty"`
	Live             bool      `json:"live"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	recs, err := a.store.List(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error("list rooms", "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.registry.ActiveRooms()

	response := make([]RoomResponse, len(recs))
	for i, rec := range recs {
		users, live := activeRooms[rec.RoomID]
		response[i] = RoomResponse{
			ID:          rec.RoomID,
			Language:    rec.Language,
			UpdatedAt:   rec.UpdatedAt,
			ActiveUsers: users,
			Size:        len(rec.Text),
			Live:        live,
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// GetRoomHandler prefers the live state and falls back to the stored snapshot.
func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	state, err := a.registry.SnapshotState(roomID)
	if err == nil {
		names := make([]string, len(state.Participants))
		for i, p := range state.Participants {
			names[i] = p.DisplayName
		}
		a.jsonResponse(w, http.StatusOK, RoomResponse{
			ID:               state.RoomID,
			Language:         state.Language,
			ActiveUsers:      len(state.Participants),
			Size:             len(state.Text),
			Text:             state.Text,
			Revision:         state.Revision,
			TypingIntervalMs: state.TypingIntervalMs,
			Participants:     names,
			Live:             true,
		})
		return
	}

	rec, err := a.store.Load(r.Context(), roomID)
	if errors.Is(err, store.ErrNotFound) {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		a.logger.Error("load room", "room", roomID, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:        rec.RoomID,
		Language:  rec.Language,
		UpdatedAt: rec.UpdatedAt,
		Size:      len(rec.Text),
		Text:      rec.Text,
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	if _, live := a.registry.ActiveRooms()[roomID]; live {
		a.errorResponse(w, http.StatusConflict, "Room is active")
		return
	}

	if err := a.store.Delete(r.Context(), roomID); err != nil {
		a.logger.Error("delete room", "room", roomID, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}
