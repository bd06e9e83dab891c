package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/room"
)

type testServer struct {
	url      string
	hub      *Hub
	registry *room.Registry
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := room.NewRegistry(nil, nil, room.DefaultConfig(), nil)
	hub := NewHub(registry, DefaultConfig(), nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testServer{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:      hub,
		registry: registry,
	}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, roomID string, payload any) {
	t.Helper()
	data, err := protocol.MustEncode(typ, roomID, payload).Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		env, err := protocol.ParseEnvelope(data)
		require.NoError(t, err)
		if env.Type == typ {
			return env
		}
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID, name string) protocol.Bootstrap {
	t.Helper()
	send(t, conn, protocol.TypeJoin, roomID, protocol.JoinPayload{DisplayName: name})
	var b protocol.Bootstrap
	require.NoError(t, readUntil(t, conn, protocol.TypeBootstrap).Decode(&b))
	return b
}

func TestJoinAndRelay(t *testing.T) {
	s := setupTestServer(t)
	a := s.dial(t)
	b := s.dial(t)

	bootA := joinRoom(t, a, "r1", "Ada")
	assert.Equal(t, "javascript", bootA.Language)
	joinRoom(t, b, "r1", "Bob")

	var joined protocol.PresencePayload
	require.NoError(t, readUntil(t, a, protocol.TypePresenceJoined).Decode(&joined))
	assert.Equal(t, "Bob", joined.DisplayName)

	patch := protocol.Insertion(protocol.Position{}, "hello")
	send(t, a, protocol.TypeEditBatch, "r1", protocol.EditBatch{
		Patches:  []protocol.Patch{patch},
		Snapshot: "hello",
		Cursor:   patch.Advance(),
	})

	var rel protocol.EditRelay
	require.NoError(t, readUntil(t, b, protocol.TypeEditRelay).Decode(&rel))
	assert.Equal(t, bootA.ParticipantID, rel.ParticipantID)
	assert.Equal(t, uint64(1), rel.Revision)
	assert.Equal(t, []protocol.Patch{patch}, rel.Patches)

	state, err := s.registry.SnapshotState("r1")
	require.NoError(t, err)
	assert.Equal(t, "hello", state.Text)
}

func TestRejectedBatchIsFollowedByResync(t *testing.T) {
	s := setupTestServer(t)
	a := s.dial(t)
	joinRoom(t, a, "r1", "Ada")

	send(t, a, protocol.TypeEditBatch, "r1", protocol.EditBatch{
		Patches:  []protocol.Patch{protocol.Insertion(protocol.Position{Line: 5}, "x")},
		Snapshot: "x",
	})

	var e protocol.ErrorPayload
	require.NoError(t, readUntil(t, a, protocol.TypeError).Decode(&e))
	assert.Equal(t, protocol.CodeMalformedPatch, e.Code)

	var b protocol.Bootstrap
	require.NoError(t, readUntil(t, a, protocol.TypeResync).Decode(&b))
	assert.Equal(t, "", b.Text)
	assert.Equal(t, uint64(0), b.Revision)
}

func TestProtocolErrors(t *testing.T) {
	s := setupTestServer(t)
	conn := s.dial(t)

	tests := []struct {
		name   string
		typ    protocol.MessageType
		roomID string
		code   string
	}{
		{"edit before join", protocol.TypeEditBatch, "r1", protocol.CodeNotParticipant},
		{"missing room id", protocol.TypeJoin, "", protocol.CodeBadRequest},
		{"unknown type", "dance", "r1", protocol.CodeNotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.typ, tt.roomID, protocol.EditBatch{})
			var e protocol.ErrorPayload
			require.NoError(t, readUntil(t, conn, protocol.TypeError).Decode(&e))
			assert.Equal(t, tt.code, e.Code)
		})
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var e protocol.ErrorPayload
	require.NoError(t, readUntil(t, conn, protocol.TypeError).Decode(&e))
	assert.Equal(t, protocol.CodeBadRequest, e.Code)
}

func TestInvalidSettingIsBadRequest(t *testing.T) {
	s := setupTestServer(t)
	conn := s.dial(t)
	joinRoom(t, conn, "r1", "Ada")

	send(t, conn, protocol.TypeSetTypingInterval, "r1", protocol.TypingIntervalPayload{Ms: -1})
	var e protocol.ErrorPayload
	require.NoError(t, readUntil(t, conn, protocol.TypeError).Decode(&e))
	assert.Equal(t, protocol.CodeBadRequest, e.Code)
}

func TestRejoinKeepsParticipantID(t *testing.T) {
	s := setupTestServer(t)
	conn := s.dial(t)
	first := joinRoom(t, conn, "r1", "Ada")
	second := joinRoom(t, conn, "r1", "Ada")

	assert.Equal(t, first.ParticipantID, second.ParticipantID)
	assert.Len(t, second.Participants, 1)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	s := setupTestServer(t)
	a := s.dial(t)
	b := s.dial(t)
	joinRoom(t, a, "r1", "Ada")
	joinRoom(t, b, "r1", "Bob")

	require.NoError(t, a.Close())

	var left protocol.PresencePayload
	require.NoError(t, readUntil(t, b, protocol.TypePresenceLeft).Decode(&left))
	assert.Equal(t, "Ada", left.DisplayName)

	require.Eventually(t, func() bool { return s.hub.GetClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestExplicitLeave(t *testing.T) {
	s := setupTestServer(t)
	a := s.dial(t)
	b := s.dial(t)
	joinRoom(t, a, "r1", "Ada")
	joinRoom(t, b, "r1", "Bob")

	send(t, a, protocol.TypeLeave, "r1", struct{}{})
	readUntil(t, b, protocol.TypePresenceLeft)

	send(t, a, protocol.TypeRequestResync, "r1", struct{}{})
	var e protocol.ErrorPayload
	require.NoError(t, readUntil(t, a, protocol.TypeError).Decode(&e))
	assert.Equal(t, protocol.CodeNotParticipant, e.Code)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	s := setupTestServer(t)
	conn := s.dial(t)
	joinRoom(t, conn, "r1", "Ada")

	s.hub.Close()

	assert.Zero(t, s.hub.GetClientCount())
	assert.Zero(t, s.registry.Stats().Participants)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	late, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	c := &Client{
		send:   make(chan []byte, 1),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	env := protocol.MustEncode(protocol.TypeParticipants, "r1", protocol.ParticipantsPayload{})

	require.NoError(t, c.Send(env))
	assert.ErrorIs(t, c.Send(env), ErrSlowConsumer)
	assert.ErrorIs(t, c.Send(env), ErrConnClosed)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: bad", room.ErrMalformedPatch), protocol.CodeMalformedPatch},
		{fmt.Errorf("%w: r9", room.ErrUnknownRoom), protocol.CodeUnknownRoom},
		{room.ErrNotParticipant, protocol.CodeNotParticipant},
		{room.ErrInvalidConfig, protocol.CodeBadRequest},
		{errors.New("boom"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, errorCode(tt.err), tt.err.Error())
	}
}
