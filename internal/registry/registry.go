// Package registry implements the document registry (spec §4.3): the
// process-wide map from DocId to DocumentState, deletion tombstones, and
// the per-channel version-vector cache used to compute incremental sync
// deltas. The Synchronizer exclusively owns one Registry; callers reach
// documents only through pkg/repo.
package registry

import (
	"sync"

	"github.com/knirvcorp/relaymesh/go/internal/clock"
	"github.com/knirvcorp/relaymesh/go/internal/crdt"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// DocumentState is the Synchronizer-owned record wrapping one CRDT document
// plus its sync bookkeeping (spec §3).
//
// Invariants upheld by this package: IsNew flips to false on first local op
// or first applied remote update and never flips back; IsDeleted, once
// set, is never cleared.
type DocumentState struct {
	mu sync.Mutex

	ID      ids.DocId
	Doc     *crdt.Document
	IsNew   bool
	deleted bool

	ephemeralStores   map[string]*crdt.EphemeralStore
	lastKnownVersions map[ids.ChannelId]clock.VectorClock
}

func newDocumentState(id ids.DocId, doc *crdt.Document) *DocumentState {
	return &DocumentState{
		ID:                id,
		Doc:               doc,
		IsNew:             true,
		ephemeralStores:   make(map[string]*crdt.EphemeralStore),
		lastKnownVersions: make(map[ids.ChannelId]clock.VectorClock),
	}
}

// MarkNotNew clears IsNew on first local op or first applied remote update.
// A no-op once already cleared (IsNew never flips back).
func (ds *DocumentState) MarkNotNew() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.IsNew = false
}

// IsDeleted reports the tombstone flag.
func (ds *DocumentState) IsDeleted() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.deleted
}

func (ds *DocumentState) markDeleted() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.deleted = true
	ds.ephemeralStores = make(map[string]*crdt.EphemeralStore)
}

// EphemeralStore returns the named presence store, creating it on first
// use. Documents may host several independently-named stores (spec §4.5).
func (ds *DocumentState) EphemeralStore(name string) *crdt.EphemeralStore {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	store, ok := ds.ephemeralStores[name]
	if !ok {
		store = crdt.NewEphemeralStore()
		ds.ephemeralStores[name] = store
	}
	return store
}

// LastKnownVersion returns the cached remote version vector for a channel,
// or nil (treated as the zero vector) if none has been recorded yet.
func (ds *DocumentState) LastKnownVersion(ch ids.ChannelId) clock.VectorClock {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return clock.Clone(ds.lastKnownVersions[ch])
}

// SetLastKnownVersion records the remote's last advertised version vector
// for ch, taking the max with whatever was cached before so concurrent or
// out-of-order updates never regress the cache.
func (ds *DocumentState) SetLastKnownVersion(ch ids.ChannelId, v clock.VectorClock) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if existing, ok := ds.lastKnownVersions[ch]; ok {
		ds.lastKnownVersions[ch] = clock.Merge(existing, v)
	} else {
		ds.lastKnownVersions[ch] = clock.Clone(v)
	}
}

// DropChannel forgets a channel's cached version, called on channel
// removal so a reconnect starts the delta computation from scratch.
func (ds *DocumentState) DropChannel(ch ids.ChannelId) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.lastKnownVersions, ch)
}

// Registry is the document registry: one map from DocId to DocumentState,
// owned exclusively by the Synchronizer.
type Registry struct {
	mu         sync.Mutex
	localPeer  ids.PeerId
	docs       map[ids.DocId]*DocumentState
}

// New returns an empty registry scoped to the local peer id (used to seed
// freshly created CRDT documents).
func New(localPeer ids.PeerId) *Registry {
	return &Registry{
		localPeer: localPeer,
		docs:      make(map[ids.DocId]*DocumentState),
	}
}

// GetOrCreate returns the DocumentState for id, creating an empty, IsNew
// one if absent. The second return value reports whether it was created.
func (r *Registry) GetOrCreate(id ids.DocId) (*DocumentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ds, ok := r.docs[id]; ok {
		return ds, false
	}
	ds := newDocumentState(id, crdt.New(r.localPeer))
	r.docs[id] = ds
	return ds, true
}

// Get returns the DocumentState for id without creating it.
func (r *Registry) Get(id ids.DocId) (*DocumentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.docs[id]
	return ds, ok
}

// Has reports whether id is known and not deleted.
func (r *Registry) Has(id ids.DocId) bool {
	r.mu.Lock()
	ds, ok := r.docs[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return !ds.IsDeleted()
}

// MarkDeleted tombstones id if present. Idempotent: deleting an
// already-deleted or never-seen document is a no-op (spec §8).
func (r *Registry) MarkDeleted(id ids.DocId) bool {
	r.mu.Lock()
	ds, ok := r.docs[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if ds.IsDeleted() {
		return false
	}
	ds.markDeleted()
	return true
}

// ForEach visits every known document. visit returning false stops
// iteration early.
func (r *Registry) ForEach(visit func(ids.DocId, *DocumentState) bool) {
	r.mu.Lock()
	snapshot := make([]*DocumentState, 0, len(r.docs))
	for _, ds := range r.docs {
		snapshot = append(snapshot, ds)
	}
	r.mu.Unlock()

	for _, ds := range snapshot {
		if !visit(ds.ID, ds) {
			return
		}
	}
}

// Visible returns the ids of every known, non-deleted document for which
// reveal(id) holds. Used to build directory responses under a supplied
// canReveal predicate (spec §4.3).
func (r *Registry) Visible(reveal func(ids.DocId) bool) []ids.DocId {
	var out []ids.DocId
	r.ForEach(func(id ids.DocId, ds *DocumentState) bool {
		if !ds.IsDeleted() && !ds.IsNew && reveal(id) {
			out = append(out, id)
		}
		return true
	})
	return out
}
