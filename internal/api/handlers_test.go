package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codeshare/internal/persist"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/room"
	"github.com/manpreetbhatti/codeshare/internal/store"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

type testAPI struct {
	api      *API
	handler  http.Handler
	registry *room.Registry
	store    store.SnapshotStore
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	writer := persist.New(st, persist.DefaultConfig(), nil)
	registry := room.NewRegistry(writer, writer, room.DefaultConfig(), nil)
	hub := ws.NewHub(registry, ws.DefaultConfig(), nil)
	a := New(hub, registry, st, writer, nil)

	t.Cleanup(func() {
		hub.Close()
		registry.Close()
		writer.Stop()
		st.Close()
	})

	return &testAPI{api: a, handler: a.Router(), registry: registry, store: st}
}

func (ta *testAPI) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	}
	return w, body
}

type nopSink struct{}

func (nopSink) Send(protocol.Envelope) error { return nil }

func TestHealthHandler(t *testing.T) {
	ta := setupTestAPI(t)

	w, body := ta.do(t, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatsHandler(t *testing.T) {
	ta := setupTestAPI(t)
	_, err := ta.registry.Join(context.Background(), "r1", room.JoinRequest{DisplayName: "Ada"}, nopSink{})
	require.NoError(t, err)

	w, body := ta.do(t, http.MethodGet, "/api/stats")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["active_rooms"])
	assert.EqualValues(t, 1, body["active_participants"])
	assert.EqualValues(t, 0, body["active_clients"])
	assert.Contains(t, body, "persisted_writes")
}

func TestListRoomsHandler(t *testing.T) {
	ta := setupTestAPI(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ta.store.Save(ctx, store.Record{RoomID: "old", Text: "1", Language: "go", UpdatedAt: base}))
	require.NoError(t, ta.store.Save(ctx, store.Record{RoomID: "new", Text: "22", Language: "rust", UpdatedAt: base.Add(time.Hour)}))
	_, err := ta.registry.Join(ctx, "new", room.JoinRequest{DisplayName: "Ada"}, nopSink{})
	require.NoError(t, err)

	w, body := ta.do(t, http.MethodGet, "/api/rooms?limit=10")

	assert.Equal(t, http.StatusOK, w.Code)
	rooms := body["rooms"].([]any)
	require.Len(t, rooms, 2)

	first := rooms[0].(map[string]any)
	assert.Equal(t, "new", first["id"])
	assert.Equal(t, true, first["live"])
	assert.EqualValues(t, 1, first["active_users"])
	assert.EqualValues(t, 2, first["size"])
	assert.NotContains(t, first, "text")

	second := rooms[1].(map[string]any)
	assert.Equal(t, "old", second["id"])
	assert.Equal(t, false, second["live"])

	_, body = ta.do(t, http.MethodGet, "/api/rooms?limit=1&offset=1")
	rooms = body["rooms"].([]any)
	require.Len(t, rooms, 1)
	assert.Equal(t, "old", rooms[0].(map[string]any)["id"])
}

func TestGetRoomHandler(t *testing.T) {
	ta := setupTestAPI(t)
	ctx := context.Background()
	require.NoError(t, ta.store.Save(ctx, store.Record{RoomID: "stored", Text: "print(1)", Language: "python"}))

	h, err := ta.registry.Join(ctx, "live", room.JoinRequest{DisplayName: "Ada"}, nopSink{})
	require.NoError(t, err)
	p := protocol.Insertion(protocol.Position{}, "let x")
	_, err = h.SubmitEditBatch(protocol.EditBatch{Patches: []protocol.Patch{p}, Snapshot: "let x", Cursor: p.Advance()})
	require.NoError(t, err)

	t.Run("live", func(t *testing.T) {
		w, body := ta.do(t, http.MethodGet, "/api/rooms/live")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "let x", body["text"])
		assert.EqualValues(t, 1, body["revision"])
		assert.Equal(t, true, body["live"])
		assert.Equal(t, []any{"Ada"}, body["participants"])
	})

	t.Run("stored", func(t *testing.T) {
		w, body := ta.do(t, http.MethodGet, "/api/rooms/stored")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "print(1)", body["text"])
		assert.Equal(t, "python", body["language"])
		assert.Equal(t, false, body["live"])
	})

	t.Run("missing", func(t *testing.T) {
		w, body := ta.do(t, http.MethodGet, "/api/rooms/nope")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Room not found", body["error"])
	})
}

func TestDeleteRoomHandler(t *testing.T) {
	ta := setupTestAPI(t)
	ctx := context.Background()
	require.NoError(t, ta.store.Save(ctx, store.Record{RoomID: "idle", Text: "x"}))
	_, err := ta.registry.Join(ctx, "busy", room.JoinRequest{DisplayName: "Ada"}, nopSink{})
	require.NoError(t, err)

	w, _ := ta.do(t, http.MethodDelete, "/api/rooms/busy")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = ta.do(t, http.MethodDelete, "/api/rooms/idle")
	assert.Equal(t, http.StatusOK, w.Code)
	_, err = ta.store.Load(ctx, "idle")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRouting(t *testing.T) {
	ta := setupTestAPI(t)

	w, body := ta.do(t, http.MethodGet, "/api/nothing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not found", body["error"])

	w, body = ta.do(t, http.MethodPost, "/api/rooms")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Method not allowed", body["error"])

	w, _ = ta.do(t, http.MethodOptions, "/api/rooms")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestEncodeFailureUsesAPILogger(t *testing.T) {
	var logs bytes.Buffer
	a := New(nil, nil, nil, nil, slog.New(slog.NewTextHandler(&logs, nil)))

	w := httptest.NewRecorder()
	a.jsonResponse(w, http.StatusOK, map[string]any{"bad": make(chan int)})

	assert.Contains(t, logs.String(), "encoding JSON response")
}
