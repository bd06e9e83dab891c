package room

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

// JoinRequest identifies who is joining. An empty ParticipantID gets a fresh
// id; reusing an id that is already present replaces that entry.
type JoinRequest struct {
	ParticipantID string
	DisplayName   string
}

// Join adds a participant to the room, creating the room if needed.
//
// The joiner receives one bootstrap built while the room is locked, so it
// reflects exactly the state at the join instant; every relay the joiner
// receives afterwards was accepted after that state. Then the participant
// list goes to everyone and the others are told who joined.
func (g *Registry) Join(ctx context.Context, roomID string, req JoinRequest, sink Sink) (*Handle, error) {
	if roomID == "" {
		return nil, ErrUnknownRoom
	}
	if req.ParticipantID == "" {
		req.ParticipantID = uuid.NewString()
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		req.DisplayName = "anonymous"
	}

	for {
		r, err := g.getOrCreate(roomID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.released {
			// Evicted between lookup and lock; the next getOrCreate makes a new room.
			r.mu.Unlock()
			continue
		}
		if !r.loaded {
			g.loadLocked(ctx, r)
		}
		r.cancelEvictionLocked()

		g.joinLocked(r, req, sink)
		g.unlock(r)
		return &Handle{registry: g, roomID: roomID, participantID: req.ParticipantID, sink: sink}, nil
	}
}

func (g *Registry) joinLocked(r *Room, req JoinRequest, sink Sink) {
	p, reconnect := r.participants[req.ParticipantID]
	if reconnect {
		// Same id from a new connection: swap in place, keep join order.
		p.sink = sink
		p.DisplayName = req.DisplayName
	} else {
		p = &Participant{ID: req.ParticipantID, DisplayName: req.DisplayName, sink: sink}
		r.participants[p.ID] = p
		r.order = append(r.order, p.ID)
	}

	r.sendLocked(p, protocol.MustEncode(protocol.TypeBootstrap, r.ID, r.bootstrapLocked(p.ID)))
	r.broadcastLocked(protocol.MustEncode(protocol.TypeParticipants, r.ID,
		protocol.ParticipantsPayload{Participants: r.participantListLocked()}), "")
	if !reconnect {
		r.broadcastLocked(protocol.MustEncode(protocol.TypePresenceJoined, r.ID,
			protocol.PresencePayload{ParticipantID: p.ID, DisplayName: p.DisplayName}), p.ID)
	}

	g.logger.Info("participant joined",
		"room", r.ID, "participant", p.ID, "name", p.DisplayName,
		"reconnect", reconnect, "total", len(r.participants))
}

// Leave removes a participant. When sink is non-nil the entry is only
// removed if it still belongs to that sink, so a late disconnect from a
// replaced connection is a no-op. Leaving twice is a no-op.
func (g *Registry) Leave(roomID, participantID string, sink Sink) error {
	r, err := g.acquire(roomID)
	if err != nil {
		return err
	}
	defer g.unlock(r)

	p, ok := r.participants[participantID]
	if !ok || (sink != nil && p.sink != sink) {
		return nil
	}
	r.removeLocked(participantID)
	g.announceLeaveLocked(r, p)
	g.logger.Info("participant left", "room", r.ID, "participant", p.ID, "remaining", len(r.participants))
	return nil
}

func (g *Registry) announceLeaveLocked(r *Room, p *Participant) {
	if len(r.participants) == 0 {
		return
	}
	r.broadcastLocked(protocol.MustEncode(protocol.TypeParticipants, r.ID,
		protocol.ParticipantsPayload{Participants: r.participantListLocked()}), "")
	r.broadcastLocked(protocol.MustEncode(protocol.TypePresenceLeft, r.ID,
		protocol.PresencePayload{ParticipantID: p.ID, DisplayName: p.DisplayName}), "")
}
