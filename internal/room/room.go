// Package room holds the server side of the synchronization protocol.
//
// A Registry maps room ids to Rooms. Every operation that touches a room's
// participants, document or settings runs under that room's mutex, so
// traffic within a room is totally ordered while different rooms proceed in
// parallel. Messages are handed to participant Sinks while the lock is held,
// which is what makes relay order equal acceptance order.
//
// Conflict policy is last full snapshot wins: an accepted batch replaces the
// canonical text with the batch snapshot. Concurrent writers are not merged.
package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

var (
	ErrUnknownRoom    = errors.New("unknown room")
	ErrMalformedPatch = errors.New("malformed patch")
	ErrNotParticipant = errors.New("not a participant of this room")
	ErrInvalidConfig  = errors.New("invalid room setting")
	ErrClosed         = errors.New("registry closed")
)

// Sink receives frames for one participant connection. Send must not block;
// an error means the connection is gone.
type Sink interface {
	Send(env protocol.Envelope) error
}

type Participant struct {
	ID          string
	DisplayName string
	Cursor      protocol.Position
	sink        Sink
}

func (p *Participant) info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{ID: p.ID, DisplayName: p.DisplayName, Cursor: p.Cursor}
}

// DocumentState is owned by its Room and only changed by accepted batches.
type DocumentState struct {
	Text     string
	Revision uint64
}

// State is a read-only view of a room.
type State struct {
	RoomID           string                     `json:"room_id"`
	Text             string                     `json:"text"`
	Revision         uint64                     `json:"revision"`
	Language         string                     `json:"language"`
	TypingIntervalMs int                        `json:"typing_interval_ms"`
	Participants     []protocol.ParticipantInfo `json:"participants"`
}

// A collaborative editing session
type Room struct {
	ID string

	mu               sync.Mutex // protects the fields below
	participants     map[string]*Participant
	order            []string // participant ids in join order
	dead             []string // participants whose sink failed during this operation
	doc              DocumentState
	language         string
	typingIntervalMs int
	loaded           bool
	released         bool
	evictTimer       *time.Timer
	evictGen         uint64
}

func newRoom(id string, cfg Config) *Room {
	return &Room{
		ID:               id,
		participants:     make(map[string]*Participant),
		language:         cfg.DefaultLanguage,
		typingIntervalMs: cfg.DefaultTypingIntervalMs,
	}
}

func (r *Room) participantListLocked() []protocol.ParticipantInfo {
	list := make([]protocol.ParticipantInfo, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.participants[id].info())
	}
	return list
}

func (r *Room) stateLocked() State {
	return State{
		RoomID:           r.ID,
		Text:             r.doc.Text,
		Revision:         r.doc.Revision,
		Language:         r.language,
		TypingIntervalMs: r.typingIntervalMs,
		Participants:     r.participantListLocked(),
	}
}

func (r *Room) bootstrapLocked(participantID string) protocol.Bootstrap {
	return protocol.Bootstrap{
		ParticipantID:    participantID,
		Participants:     r.participantListLocked(),
		Text:             r.doc.Text,
		Revision:         r.doc.Revision,
		Language:         r.language,
		TypingIntervalMs: r.typingIntervalMs,
	}
}

// sendLocked hands env to p. A failing sink marks p for removal at the end
// of the current operation.
func (r *Room) sendLocked(p *Participant, env protocol.Envelope) {
	if err := p.sink.Send(env); err != nil {
		r.dead = append(r.dead, p.ID)
	}
}

// broadcastLocked sends env to everyone except the participant named by skip.
func (r *Room) broadcastLocked(env protocol.Envelope, skip string) {
	for _, id := range r.order {
		if id == skip {
			continue
		}
		r.sendLocked(r.participants[id], env)
	}
}

// memberLocked finds a participant. A non-nil sink must still own the
// entry, so a connection that was replaced by a reconnect cannot act.
func (r *Room) memberLocked(id string, sink Sink) (*Participant, error) {
	p, ok := r.participants[id]
	if !ok {
		return nil, ErrNotParticipant
	}
	if sink != nil && p.sink != sink {
		return nil, fmt.Errorf("%w: connection replaced", ErrNotParticipant)
	}
	return p, nil
}

func (r *Room) removeLocked(id string) (*Participant, bool) {
	p, ok := r.participants[id]
	if !ok {
		return nil, false
	}
	delete(r.participants, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (r *Room) cancelEvictionLocked() {
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
	r.evictGen++
}
