package room

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

// SubmitEditBatch accepts a batch from a participant, makes its snapshot the
// canonical text and relays the patches to everyone else in the room.
//
// A batch whose patches do not apply to the current canonical text is
// rejected with ErrMalformedPatch; nothing is changed or relayed and the
// caller should resync the originator.
func (g *Registry) SubmitEditBatch(roomID, participantID string, batch protocol.EditBatch) (uint64, error) {
	return g.submitEditBatch(roomID, participantID, nil, batch)
}

func (g *Registry) submitEditBatch(roomID, participantID string, sink Sink, batch protocol.EditBatch) (uint64, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return 0, err
	}
	defer g.unlock(r)

	p, err := r.memberLocked(participantID, sink)
	if err != nil {
		return 0, err
	}
	if err := validateBatch(r.doc.Text, batch, g.config); err != nil {
		g.logger.Warn("batch rejected", "room", r.ID, "participant", participantID,
			"revision", r.doc.Revision, "err", err)
		return r.doc.Revision, fmt.Errorf("%w: %v", ErrMalformedPatch, err)
	}

	r.doc.Text = batch.Snapshot
	r.doc.Revision++
	p.Cursor = batch.Cursor

	r.broadcastLocked(protocol.MustEncode(protocol.TypeEditRelay, r.ID, protocol.EditRelay{
		ParticipantID: participantID,
		Revision:      r.doc.Revision,
		Patches:       batch.Patches,
		Cursor:        batch.Cursor,
	}), participantID)
	g.persistLocked(r)

	g.logger.Debug("batch accepted", "room", r.ID, "participant", participantID,
		"revision", r.doc.Revision, "patches", len(batch.Patches))
	return r.doc.Revision, nil
}

func validateBatch(canonical string, batch protocol.EditBatch, cfg Config) error {
	if len(batch.Patches) == 0 {
		return errors.New("batch has no patches")
	}
	if cfg.MaxPatches > 0 && len(batch.Patches) > cfg.MaxPatches {
		return fmt.Errorf("batch has %d patches, limit %d", len(batch.Patches), cfg.MaxPatches)
	}
	if cfg.MaxSnapshotBytes > 0 && len(batch.Snapshot) > cfg.MaxSnapshotBytes {
		return fmt.Errorf("snapshot is %d bytes, limit %d", len(batch.Snapshot), cfg.MaxSnapshotBytes)
	}
	if !utf8.ValidString(batch.Snapshot) {
		return errors.New("snapshot is not valid UTF-8")
	}
	if _, err := protocol.ApplyAll(canonical, batch.Patches); err != nil {
		return err
	}
	if _, err := protocol.Offset(batch.Snapshot, batch.Cursor); err != nil {
		return fmt.Errorf("cursor: %w", err)
	}
	return nil
}
