package room

import "github.com/manpreetbhatti/codeshare/internal/protocol"

// Handle scopes registry operations to the room and participant that joined.
// Once a reconnect hands the participant id to another sink, every
// operation through the old handle fails with ErrNotParticipant.
type Handle struct {
	registry      *Registry
	roomID        string
	participantID string
	sink          Sink
}

func (h *Handle) RoomID() string        { return h.roomID }
func (h *Handle) ParticipantID() string { return h.participantID }

func (h *Handle) SubmitEditBatch(batch protocol.EditBatch) (uint64, error) {
	return h.registry.submitEditBatch(h.roomID, h.participantID, h.sink, batch)
}

func (h *Handle) SetLanguage(language string) error {
	return h.registry.setLanguage(h.roomID, h.participantID, h.sink, language)
}

func (h *Handle) SetTypingInterval(ms int) error {
	return h.registry.setTypingInterval(h.roomID, h.participantID, h.sink, ms)
}

func (h *Handle) Resync() error {
	return h.registry.resync(h.roomID, h.participantID, h.sink)
}

// Leave removes this participant unless a newer connection took over its id.
func (h *Handle) Leave() error {
	return h.registry.Leave(h.roomID, h.participantID, h.sink)
}
