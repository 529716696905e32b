// Package rules implements the permission pipeline that gates every
// externally-observable effect of the sync engine: canReveal, canAccept,
// canCreate and canDelete (spec §4 "Rules Engine"). Rules are pure
// predicates over a Context; side effects are forbidden, and a denial is
// always silent at the call site — the caller decides whether silence
// means "drop the message" or "treat doc as absent".
package rules

import (
	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// Operation names the gate being evaluated.
type Operation string

const (
	OpReveal Operation = "reveal"
	OpAccept Operation = "accept"
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
)

// Context is passed to every predicate. ChannelID and RemoteIdentity are
// the zero value when the decision is not channel-scoped (e.g. a local
// repo.Delete call with no particular peer in mind).
type Context struct {
	DocID          ids.DocId
	ChannelID      ids.ChannelId
	HasChannel     bool
	RemoteIdentity identity.Identity
	HasRemote      bool
	LocalIdentity  identity.Identity
	Operation      Operation
}

// Predicate is a pure decision hook. It must not mutate ctx or perform I/O.
type Predicate func(ctx Context) bool

// Engine composes predicate hooks into one decision function per
// operation. An operation with no registered predicates defaults to
// allow, matching the common case of an open, single-tenant repo.
type Engine struct {
	hooks map[Operation][]Predicate
}

// New returns an Engine that allows everything until rules are registered.
func New() *Engine {
	return &Engine{hooks: make(map[Operation][]Predicate)}
}

// Use registers a predicate for the given operation. All predicates
// registered for an operation must hold for the operation to be allowed
// (logical AND); register a single catch-all predicate for more complex
// boolean logic.
func (e *Engine) Use(op Operation, p Predicate) {
	e.hooks[op] = append(e.hooks[op], p)
}

// decide runs every predicate registered for op and reports whether all of
// them allowed ctx. No predicates registered means allow.
func (e *Engine) decide(op Operation, ctx Context) bool {
	ctx.Operation = op
	for _, p := range e.hooks[op] {
		if !p(ctx) {
			return false
		}
	}
	return true
}

// CanReveal gates whether a document's existence may be disclosed to a
// remote peer (directory responses, sync-response for unknown docs).
func (e *Engine) CanReveal(ctx Context) bool { return e.decide(OpReveal, ctx) }

// CanAccept gates whether an inbound update may be applied locally; deletes
// are gated by CanDelete.
func (e *Engine) CanAccept(ctx Context) bool { return e.decide(OpAccept, ctx) }

// CanCreate gates whether an unknown document may be created locally in
// response to a sync-request from a peer.
func (e *Engine) CanCreate(ctx Context) bool { return e.decide(OpCreate, ctx) }

// CanDelete gates whether a delete envelope (local or remote) may be
// applied.
func (e *Engine) CanDelete(ctx Context) bool { return e.decide(OpDelete, ctx) }
