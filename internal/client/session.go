package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotConnected  = errors.New("not connected")
)

const (
	writeWait    = 10 * time.Second
	outboxSize   = 256
	loopCapacity = 64
)

type Options struct {
	URL         string // e.g. ws://localhost:8080/ws
	RoomID      string
	DisplayName string
	Editor      Editor

	// TypingInterval is used until the room bootstrap arrives.
	TypingInterval time.Duration

	// MaxReconnectElapsed bounds how long a lost connection is retried. Zero retries forever.
	MaxReconnectElapsed time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger

	// OnEvent sees every frame from the server after it has been applied.
	// It runs on the session loop.
	OnEvent func(protocol.Envelope)
}

// Session owns one connection to a room and the event loop that serializes
// local edits, server frames and batching timers. The connection is
// replaced on reconnect; nothing outside the session touches it.
type Session struct {
	opts   Options
	logger *slog.Logger
	rec    *Reconciler

	loop   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex // protects the fields below
	conn          *websocket.Conn
	outbox        chan []byte
	closing       chan struct{} // tells the current writer to drain and say goodbye
	writerDone    chan struct{}
	participantID string

	// loop-owned
	language     string
	participants []protocol.ParticipantInfo
	revision     uint64
	joined       chan struct{}
	joinedOnce   sync.Once
}

// Dial connects, joins opts.RoomID and returns once the connection is up.
// Use WaitJoined to block until the first bootstrap has been applied.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.Editor == nil {
		return nil, errors.New("client: Editor is required")
	}
	if opts.RoomID == "" {
		return nil, errors.New("client: RoomID is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:   opts,
		logger: opts.Logger.With("room", opts.RoomID),
		loop:   make(chan func(), loopCapacity),
		ctx:    sctx,
		cancel: cancel,
		joined: make(chan struct{}),
	}
	s.rec = NewReconciler(opts.Editor, s.sendBatch, loopScheduler{s}, opts.TypingInterval, s.logger)

	conn, _, err := opts.Dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	s.wg.Add(2)
	go s.runLoop()
	go s.supervise(conn)
	return s, nil
}

// loopScheduler fires timers on the session loop.
type loopScheduler struct{ s *Session }

func (l loopScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() { l.s.post(f) })
}

func (s *Session) post(fn func()) bool {
	select {
	case s.loop <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) runLoop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.loop:
			fn()
		case <-s.ctx.Done():
			s.rec.Close()
			return
		}
	}
}

// supervise serves a connection until it drops, then reconnects with backoff.
func (s *Session) supervise(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		err := s.serve(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("connection lost", "err", err)
		// Whatever was still batching is lost; the rejoin bootstrap resyncs us.
		s.post(s.rec.Discard)

		conn, err = s.redial()
		if err != nil {
			s.logger.Error("giving up reconnecting", "err", err)
			s.cancel()
			return
		}
		s.logger.Info("reconnected")
	}
}

func (s *Session) redial() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = s.opts.MaxReconnectElapsed

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c, _, err := s.opts.Dialer.DialContext(s.ctx, s.opts.URL, nil)
		if err != nil {
			s.logger.Debug("reconnect attempt failed", "err", err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, s.ctx))
	return conn, err
}

// serve runs one connection: a writer goroutine drains the outbox while this
// goroutine reads frames and posts them to the loop.
func (s *Session) serve(conn *websocket.Conn) error {
	outbox := make(chan []byte, outboxSize)
	stop := make(chan struct{})
	closing := make(chan struct{})
	writerDone := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.outbox = outbox
	s.closing = closing
	s.writerDone = writerDone
	pid := s.participantID
	s.mu.Unlock()

	go func() {
		defer close(writerDone)
		for {
			select {
			case data := <-outbox:
				if err := writeFrame(conn, data); err != nil {
					conn.Close()
					return
				}
			case <-closing:
				// Frames already queued were reported as sent; deliver them first.
			drain:
				for {
					select {
					case data := <-outbox:
						if err := writeFrame(conn, data); err != nil {
							return
						}
					default:
						break drain
					}
				}
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			case <-stop:
				return
			}
		}
	}()

	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.outbox = nil
			s.closing = nil
			s.writerDone = nil
			s.conn = nil
		}
		s.mu.Unlock()
		close(stop)
		conn.Close()
		<-writerDone
	}()

	if err := s.send(protocol.TypeJoin, protocol.JoinPayload{DisplayName: s.opts.DisplayName, ParticipantID: pid}); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			s.logger.Warn("ignoring bad frame", "err", err)
			continue
		}
		if !s.post(func() { s.handle(env) }) {
			return ErrSessionClosed
		}
	}
}

func writeFrame(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// send queues a frame for the current connection without blocking.
func (s *Session) send(t protocol.MessageType, payload any) error {
	env, err := protocol.Encode(t, s.opts.RoomID, payload)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	outbox := s.outbox
	s.mu.Unlock()
	if outbox == nil {
		return ErrNotConnected
	}
	select {
	case outbox <- data:
		return nil
	default:
		return fmt.Errorf("outbox full")
	}
}

func (s *Session) sendBatch(batch protocol.EditBatch) error {
	return s.send(protocol.TypeEditBatch, batch)
}

// handle applies a server frame. Runs on the loop.
func (s *Session) handle(env protocol.Envelope) {
	if env.RoomID != s.opts.RoomID {
		return
	}
	switch env.Type {
	case protocol.TypeBootstrap, protocol.TypeResync:
		var b protocol.Bootstrap
		if err := env.Decode(&b); err != nil {
			s.logger.Warn("bad bootstrap", "err", err)
			return
		}
		s.mu.Lock()
		s.participantID = b.ParticipantID
		s.mu.Unlock()
		s.language = b.Language
		s.participants = b.Participants
		s.revision = b.Revision
		s.rec.ApplyBootstrap(b)
		s.joinedOnce.Do(func() { close(s.joined) })

	case protocol.TypeEditRelay:
		var rel protocol.EditRelay
		if err := env.Decode(&rel); err != nil {
			s.logger.Warn("bad relay", "err", err)
			return
		}
		s.revision = rel.Revision
		if err := s.rec.ApplyRelay(rel); err != nil {
			s.logger.Warn("requesting resync", "err", err)
			s.send(protocol.TypeRequestResync, struct{}{})
		}

	case protocol.TypeParticipants:
		var p protocol.ParticipantsPayload
		if err := env.Decode(&p); err == nil {
			s.participants = p.Participants
		}

	case protocol.TypeLanguageChanged:
		var p protocol.LanguagePayload
		if err := env.Decode(&p); err == nil {
			s.language = p.Language
		}

	case protocol.TypeTypingIntervalChanged:
		var p protocol.TypingIntervalPayload
		if err := env.Decode(&p); err == nil {
			s.rec.SetTypingInterval(p.Ms)
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err == nil {
			s.logger.Warn("server error", "code", p.Code, "message", p.Message)
		}
	}

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(env)
	}
}

// WaitJoined blocks until the first bootstrap has been applied.
func (s *Session) WaitJoined(ctx context.Context) error {
	select {
	case <-s.joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// Edit runs fn against the editor on the session loop. Changes fn makes are
// local edits and get batched.
func (s *Session) Edit(fn func(Editor) error) error {
	var err error
	if cerr := s.call(func() { err = fn(s.opts.Editor) }); cerr != nil {
		return cerr
	}
	return err
}

// Flush sends pending local edits now instead of waiting for the timer.
func (s *Session) Flush() error {
	return s.call(s.rec.Flush)
}

func (s *Session) SetLanguage(language string) error {
	var err error
	if cerr := s.call(func() {
		if err = s.send(protocol.TypeSetLanguage, protocol.LanguagePayload{Language: language}); err == nil {
			s.language = language
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

func (s *Session) SetTypingInterval(ms int) error {
	var err error
	if cerr := s.call(func() {
		if err = s.send(protocol.TypeSetTypingInterval, protocol.TypingIntervalPayload{Ms: ms}); err == nil {
			s.rec.SetTypingInterval(ms)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// Snapshot is what the session currently believes about its room.
type Snapshot struct {
	ParticipantID  string
	Text           string
	Language       string
	Revision       uint64
	TypingInterval time.Duration
	Participants   []protocol.ParticipantInfo
}

func (s *Session) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() {
		s.mu.Lock()
		snap.ParticipantID = s.participantID
		s.mu.Unlock()
		snap.Text = s.opts.Editor.Value()
		snap.Language = s.language
		snap.Revision = s.revision
		snap.TypingInterval = s.rec.Interval()
		snap.Participants = append([]protocol.ParticipantInfo(nil), s.participants...)
	})
	return snap, err
}

// Done is closed when the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close tears the connection down; the server treats that as leaving the
// room. Unflushed edits are discarded, but batches already handed to the
// connection by Flush are written before the close frame.
func (s *Session) Close() error {
	if s.ctx.Err() == nil {
		s.call(s.rec.Discard)
	}

	s.mu.Lock()
	conn, closing, writerDone := s.conn, s.closing, s.writerDone
	s.outbox = nil
	s.closing = nil
	s.mu.Unlock()

	if closing != nil {
		close(closing)
		select {
		case <-writerDone:
		case <-time.After(writeWait):
		}
	}

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	return nil
}
