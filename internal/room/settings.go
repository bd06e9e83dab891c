package room

import (
	"fmt"
	"strings"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

const (
	maxLanguageLen      = 64
	maxTypingIntervalMs = 10000
)

// SetLanguage changes the room language for everyone. Last setter wins.
func (g *Registry) SetLanguage(roomID, participantID, language string) error {
	return g.setLanguage(roomID, participantID, nil, language)
}

func (g *Registry) setLanguage(roomID, participantID string, sink Sink, language string) error {
	language = strings.TrimSpace(language)
	if language == "" || len(language) > maxLanguageLen {
		return fmt.Errorf("%w: language %q", ErrInvalidConfig, language)
	}

	r, err := g.acquire(roomID)
	if err != nil {
		return err
	}
	defer g.unlock(r)

	if _, err := r.memberLocked(participantID, sink); err != nil {
		return err
	}
	r.language = language
	r.broadcastLocked(protocol.MustEncode(protocol.TypeLanguageChanged, r.ID,
		protocol.LanguagePayload{Language: language}), participantID)
	g.persistLocked(r)

	g.logger.Info("room language changed", "room", r.ID, "participant", participantID, "language", language)
	return nil
}

// SetTypingInterval changes the batching interval clients use in this room.
func (g *Registry) SetTypingInterval(roomID, participantID string, ms int) error {
	return g.setTypingInterval(roomID, participantID, nil, ms)
}

func (g *Registry) setTypingInterval(roomID, participantID string, sink Sink, ms int) error {
	if ms <= 0 || ms > maxTypingIntervalMs {
		return fmt.Errorf("%w: typing interval %dms", ErrInvalidConfig, ms)
	}

	r, err := g.acquire(roomID)
	if err != nil {
		return err
	}
	defer g.unlock(r)

	if _, err := r.memberLocked(participantID, sink); err != nil {
		return err
	}
	r.typingIntervalMs = ms
	r.broadcastLocked(protocol.MustEncode(protocol.TypeTypingIntervalChanged, r.ID,
		protocol.TypingIntervalPayload{Ms: ms}), participantID)

	g.logger.Info("room typing interval changed", "room", r.ID, "participant", participantID, "ms", ms)
	return nil
}

// Resync sends the participant the full current state, in the same shape
// as the join bootstrap.
func (g *Registry) Resync(roomID, participantID string) error {
	return g.resync(roomID, participantID, nil)
}

func (g *Registry) resync(roomID, participantID string, sink Sink) error {
	r, err := g.acquire(roomID)
	if err != nil {
		return err
	}
	defer g.unlock(r)

	p, err := r.memberLocked(participantID, sink)
	if err != nil {
		return err
	}
	r.sendLocked(p, protocol.MustEncode(protocol.TypeResync, r.ID, r.bootstrapLocked(p.ID)))
	return nil
}
