// Package client is the participant side of the protocol.
//
// An Editor is whatever text surface the user types into. The Reconciler
// turns its local changes into edit batches and applies what the server
// relays. Every change carries an Origin, and only OriginLocal changes are
// ever queued for the network, so applying remote state can never echo back.
package client

import "github.com/manpreetbhatti/codeshare/internal/protocol"

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Change is emitted by an Editor after each range replacement.
type Change struct {
	Patch  protocol.Patch
	Origin Origin
}

// Editor is the capability the reconciler needs from a text surface.
type Editor interface {
	// OnEdit registers fn to be called after every change
	OnEdit(fn func(Change))
	ApplyPatch(p protocol.Patch, origin Origin) error
	SetValue(text string, origin Origin)
	Value() string
	Cursor() protocol.Position
	SetCursor(pos protocol.Position)
}
