package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/internal/room"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	joinTimeout = 10 * time.Second
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one socket. It is the room.Sink for every room it joins.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	id      string
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	closeOnce sync.Once
	leaveOnce sync.Once

	mu      sync.Mutex
	handles map[string]*room.Handle // by room id
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if !hub.admit(r) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.config.SendBuffer),
		done:    make(chan struct{}),
		id:      id,
		limiter: ratelimit.NewLimiter(hub.config.MessagesPerSecond, hub.config.MessageBurst),
		logger:  hub.logger.With("client", id),
		handles: make(map[string]*room.Handle),
	}

	if !hub.register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Send queues a frame without blocking. A full buffer means the peer cannot
// keep up; the connection is closed and the error reported to the room.
func (c *Client) Send(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("dropping slow client", "buffered", len(c.send))
		c.shutdown()
		return ErrSlowConsumer
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// leaveAll runs once per connection however the connection ended.
func (c *Client) leaveAll() {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		handles := c.handles
		c.handles = make(map[string]*room.Handle)
		c.mu.Unlock()

		for _, h := range handles {
			if err := h.Leave(); err != nil && !errors.Is(err, room.ErrUnknownRoom) {
				c.logger.Error("leave failed", "room", h.RoomID(), "err", err)
			}
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.leaveAll()
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket error", "err", err)
			}
			return
		}

		if !c.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.logger.Warn("rate limit exceeded", "warnings", rateLimitWarnings)
				c.sendError("", protocol.CodeRateLimited, "too many messages")
			}
			if rateLimitWarnings > 1000 {
				c.logger.Warn("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		env, err := protocol.ParseEnvelope(message)
		if err != nil {
			c.logger.Warn("invalid message", "err", err)
			c.sendError("", protocol.CodeBadRequest, err.Error())
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames that were queued before the connection was closed.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) handle(roomID string) *room.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[roomID]
}

func (c *Client) sendError(roomID, code, message string) {
	c.Send(protocol.MustEncode(protocol.TypeError, roomID, protocol.ErrorPayload{Code: code, Message: message}))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrMalformedPatch):
		return protocol.CodeMalformedPatch
	case errors.Is(err, room.ErrUnknownRoom):
		return protocol.CodeUnknownRoom
	case errors.Is(err, room.ErrNotParticipant):
		return protocol.CodeNotParticipant
	case errors.Is(err, room.ErrInvalidConfig):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeInternal
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	if env.RoomID == "" {
		c.sendError("", protocol.CodeBadRequest, "roomId is required")
		return
	}

	if env.Type == protocol.TypeJoin {
		c.join(env)
		return
	}

	h := c.handle(env.RoomID)
	if h == nil {
		c.sendError(env.RoomID, protocol.CodeNotParticipant, "join the room first")
		return
	}

	var err error
	switch env.Type {
	case protocol.TypeLeave:
		c.mu.Lock()
		delete(c.handles, env.RoomID)
		c.mu.Unlock()
		err = h.Leave()

	case protocol.TypeEditBatch:
		var batch protocol.EditBatch
		if err = env.Decode(&batch); err != nil {
			err = errors.Join(room.ErrMalformedPatch, err)
			break
		}
		_, err = h.SubmitEditBatch(batch)

	case protocol.TypeSetLanguage:
		var p protocol.LanguagePayload
		if err = env.Decode(&p); err == nil {
			err = h.SetLanguage(p.Language)
		}

	case protocol.TypeSetTypingInterval:
		var p protocol.TypingIntervalPayload
		if err = env.Decode(&p); err == nil {
			err = h.SetTypingInterval(p.Ms)
		}

	case protocol.TypeRequestResync:
		err = h.Resync()

	default:
		c.sendError(env.RoomID, protocol.CodeBadRequest, "unknown message type "+string(env.Type))
		return
	}

	if err == nil {
		return
	}
	c.sendError(env.RoomID, errorCode(err), err.Error())
	if errors.Is(err, room.ErrMalformedPatch) {
		// The originator's view has drifted from canonical; give it the current state.
		if rerr := h.Resync(); rerr != nil {
			c.logger.Warn("resync after rejected batch failed", "room", env.RoomID, "err", rerr)
		}
	}
}

func (c *Client) join(env protocol.Envelope) {
	var req protocol.JoinPayload
	if err := env.Decode(&req); err != nil {
		c.sendError(env.RoomID, protocol.CodeBadRequest, err.Error())
		return
	}
	if prev := c.handle(env.RoomID); prev != nil && req.ParticipantID == "" {
		req.ParticipantID = prev.ParticipantID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	h, err := c.hub.registry.Join(ctx, env.RoomID, room.JoinRequest{
		ParticipantID: req.ParticipantID,
		DisplayName:   req.DisplayName,
	}, c)
	if err != nil {
		c.sendError(env.RoomID, errorCode(err), err.Error())
		return
	}

	c.mu.Lock()
	prev := c.handles[env.RoomID]
	c.handles[env.RoomID] = h
	c.mu.Unlock()

	// Joining the same room under a different id retires the old identity.
	if prev != nil && prev.ParticipantID() != h.ParticipantID() {
		prev.Leave()
	}
}
