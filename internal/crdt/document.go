// Package crdt provides a small reference implementation of the CRDT
// backend contract the sync engine consumes (spec §6.2): a document with a
// version vector, delta export/import, and a local-update subscription.
//
// Real deployments are expected to swap this for a production CRDT library;
// nothing outside this package depends on its internals, only on the
// version()/export()/import()/isEmpty()/subscribeLocalUpdates() contract
// (see Document's method set). Two field kinds are supported: LWW
// registers (Set), resolved deterministically on conflict by timestamp
// then peer id; and counters (Increment), which converge by summing every
// increment
// exactly once, so concurrent increments from different peers add rather
// than clobber each other.
package crdt

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/knirvcorp/relaymesh/go/internal/clock"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// OpType enumerates the kinds of change an operation carries.
type OpType int

const (
	OpSet OpType = iota
	OpIncrement
	OpDelete
)

// Op is one committed change to a document, tagged with the version vector
// in effect immediately after it was applied.
type Op struct {
	Key       string            `json:"key,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Delta     float64           `json:"delta,omitempty"`
	Type      OpType            `json:"type"`
	PeerID    ids.PeerId        `json:"peerId"`
	Vector    clock.VectorClock `json:"vector"`
	Counter   int64             `json:"counter"`
	Timestamp int64             `json:"timestamp"`
}

// UpdateHandler is invoked after a local commit. Unsubscribe stops delivery.
type UpdateHandler func()
type Unsubscribe func()

type register struct {
	raw       json.RawMessage
	timestamp int64
	peerID    ids.PeerId
}

// Document is a field-level CRDT map, the reference backend for one
// DocumentState.
type Document struct {
	mu sync.Mutex

	peerID  ids.PeerId
	regs    map[string]register
	counts  map[string]float64
	deleted bool
	version clock.VectorClock
	ops     []Op

	subs map[int]UpdateHandler
	next int
}

// New creates an empty document scoped to the local peer. A freshly created
// document has a zero version vector and no ops, matching the registry's
// isNew invariant (isNew ⇒ doc has zero ops).
func New(peerID ids.PeerId) *Document {
	return &Document{
		peerID:  peerID,
		regs:    make(map[string]register),
		counts:  make(map[string]float64),
		version: clock.NewVectorClock(),
		subs:    make(map[int]UpdateHandler),
	}
}

// Set performs a local LWW-register write and fires local-update
// subscribers synchronously, matching the "fires after local commit"
// requirement of the backend contract.
func (d *Document) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	d.mu.Lock()
	op := d.commitLocked(Op{Key: key, Value: raw, Type: OpSet})
	d.applyLocked(op)
	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	for _, h := range handlers {
		h()
	}
	return nil
}

// Increment performs a local counter write. Concurrent increments from
// different peers accumulate; each op is applied at most once (guarded by
// the per-peer counter), so replay and reordering cannot double-count.
func (d *Document) Increment(key string, delta float64) error {
	d.mu.Lock()
	op := d.commitLocked(Op{Key: key, Delta: delta, Type: OpIncrement})
	d.applyLocked(op)
	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	for _, h := range handlers {
		h()
	}
	return nil
}

// Delete tombstones the whole document locally.
func (d *Document) Delete() {
	d.mu.Lock()
	op := d.commitLocked(Op{Type: OpDelete})
	d.applyLocked(op)
	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// commitLocked bumps the version vector, stamps and appends the op. Caller
// holds mu.
func (d *Document) commitLocked(op Op) Op {
	d.version = clock.Increment(d.version, string(d.peerID))
	op.PeerID = d.peerID
	op.Vector = clock.Clone(d.version)
	op.Counter = d.version[string(d.peerID)]
	op.Timestamp = time.Now().UnixMilli()
	d.ops = append(d.ops, op)
	return op
}

// applyLocked materializes one op's effect on regs/counts/deleted. Caller
// holds mu. Safe to call twice on the same Set op (idempotent for
// registers because it recomputes the same deterministic winner); counters
// are summed once per op, so each op reaches here exactly once: local
// writes at commit time, remote ops via Import, which de-dupes by counter
// before calling.
func (d *Document) applyLocked(op Op) {
	switch op.Type {
	case OpSet:
		existing, ok := d.regs[op.Key]
		if !ok || wins(op, existing) {
			d.regs[op.Key] = register{raw: op.Value, timestamp: op.Timestamp, peerID: op.PeerID}
		}
	case OpIncrement:
		d.counts[op.Key] += op.Delta
	case OpDelete:
		d.deleted = true
	}
}

// wins reports whether a candidate op should replace the current register
// winner: higher timestamp wins; ties break toward the lexicographically
// greater peer id.
func wins(candidate Op, current register) bool {
	if candidate.Timestamp != current.timestamp {
		return candidate.Timestamp > current.timestamp
	}
	return candidate.PeerID >= current.peerID
}

func (d *Document) snapshotHandlers() []UpdateHandler {
	out := make([]UpdateHandler, 0, len(d.subs))
	for _, h := range d.subs {
		out = append(out, h)
	}
	return out
}

// SubscribeLocalUpdates registers cb to fire after every local commit
// (Set, Increment, Delete). Import does not fire it: remote-applied
// updates are fanned out by the caller that drove the Import, not by the
// document itself. Returns an Unsubscribe to stop delivery.
func (d *Document) SubscribeLocalUpdates(cb UpdateHandler) Unsubscribe {
	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = cb
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Version returns a copy of the current version vector.
func (d *Document) Version() clock.VectorClock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return clock.Clone(d.version)
}

// IsEmpty reports whether the document has committed zero ops, either
// locally or via import.
func (d *Document) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops) == 0
}

// IsDeleted reports the local tombstone flag.
func (d *Document) IsDeleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

// Export returns the delta of ops not yet known to a peer whose last
// advertised version vector was `since`. Ops are returned oldest-first so
// replay order is deterministic.
func (d *Document) Export(since clock.VectorClock) ([]byte, error) {
	d.mu.Lock()
	missing := make([]Op, 0, len(d.ops))
	for _, op := range d.ops {
		remote := since[string(op.PeerID)]
		if op.Counter > remote {
			missing = append(missing, op)
		}
	}
	d.mu.Unlock()

	sort.SliceStable(missing, func(i, j int) bool { return missing[i].Timestamp < missing[j].Timestamp })
	return json.Marshal(missing)
}

// Import applies a delta produced by Export on a remote peer. Ops already
// reflected in the local version vector are skipped (idempotent replay);
// this is what lets update fan-out tolerate at-least-once delivery and
// what keeps counters from double-counting.
func (d *Document) Import(data []byte) error {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return err
	}

	d.mu.Lock()
	for _, op := range ops {
		if op.Counter <= d.version[string(op.PeerID)] {
			continue // already applied
		}
		d.applyLocked(op)
		d.ops = append(d.ops, op)
		d.version = clock.Merge(d.version, clock.VectorClock{string(op.PeerID): op.Counter})
	}
	d.mu.Unlock()
	return nil
}

// ToMap returns a plain JSON-decoded snapshot of the document's fields
// (registers and counters together), for tests and callers that want a
// `doc.toJSON()`-style view.
func (d *Document) ToMap() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]any, len(d.regs)+len(d.counts))
	for k, r := range d.regs {
		var v any
		if err := json.Unmarshal(r.raw, &v); err == nil {
			out[k] = v
		}
	}
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}
