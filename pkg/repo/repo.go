// Package repo is the public entry point to the CRDT document synchronizer
// (spec §4.6, §6.4): a thin, stateless facade over internal/synchronizer
// that hides the Document Registry, Channel Directory and Rules Engine
// from callers.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/knirvcorp/relaymesh/go/internal/channel"
	"github.com/knirvcorp/relaymesh/go/internal/crdt"
	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
	"github.com/knirvcorp/relaymesh/go/internal/logging"
	"github.com/knirvcorp/relaymesh/go/internal/monitoring"
	"github.com/knirvcorp/relaymesh/go/internal/rules"
	"github.com/knirvcorp/relaymesh/go/internal/synchronizer"
)

// Options configures a Repo. Adapters are started as part of New; Rules,
// Logger and Metrics default to permissive/no-op when left zero.
type Options struct {
	Identity identity.Identity
	Adapters []channel.Adapter
	Rules    *rules.Engine
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
}

// Repo is the public wrapper around internal/synchronizer.Synchronizer.
type Repo struct {
	sync *synchronizer.Synchronizer
}

// New constructs a Repo and starts every adapter in opts.Adapters.
func New(ctx context.Context, opts Options) (*Repo, error) {
	if ctx == nil {
		return nil, fmt.Errorf("repo: context cannot be nil")
	}
	if opts.Identity.PeerID == "" {
		return nil, fmt.Errorf("repo: identity.PeerID cannot be empty")
	}

	s := synchronizer.New(opts.Identity, opts.Rules, opts.Logger, opts.Metrics)
	r := &Repo{sync: s}

	for _, a := range opts.Adapters {
		if err := s.AddAdapter(ctx, a); err != nil {
			return nil, fmt.Errorf("repo: start adapter %q: %w", a.ID(), err)
		}
	}
	return r, nil
}

// Get returns docId's CRDT document, creating it if absent. First local
// access probes every established channel for it (spec §4.6).
func (r *Repo) Get(docID ids.DocId) *crdt.Document {
	return r.sync.Get(docID).Doc
}

// Has reports whether docId is known locally and not deleted.
func (r *Repo) Has(docID ids.DocId) bool {
	return r.sync.Has(docID)
}

// Delete tombstones docId, subject to canDelete, fanning out delete
// envelopes to every channel subscribed to it.
func (r *Repo) Delete(docID ids.DocId) error {
	return r.sync.Delete(docID)
}

// Subscribe registers a local observer of docId's changes, independent of
// the sync protocol.
func (r *Repo) Subscribe(docID ids.DocId, cb func()) synchronizer.Unsubscribe {
	return r.sync.Subscribe(docID, cb)
}

// Sync returns the sync(doc) handle for docId (spec §6.4).
func (r *Repo) Sync(docID ids.DocId) DocSync {
	return DocSync{docID: docID, sync: r.sync}
}

// Shutdown stops every adapter registered with this Repo.
func (r *Repo) Shutdown() {
	r.sync.StopAll()
}

// Raw returns the underlying Synchronizer for advanced usage beyond this
// facade (e.g. direct registry access, custom wait predicates).
func (r *Repo) Raw() *synchronizer.Synchronizer { return r.sync }

// DocSync is the `sync(doc)` handle of spec §6.4: waitForSync, readyStates,
// and onReadyStateChange scoped to one document.
type DocSync struct {
	docID ids.DocId
	sync  *synchronizer.Synchronizer
}

// WaitForSync resolves once docId has at least one peer reporting
// "synced", optionally restricted to a transport kind.
func (d DocSync) WaitForSync(ctx context.Context, kind ids.Kind, timeout time.Duration) ([]synchronizer.PeerReadyState, error) {
	return d.sync.WaitForSync(ctx, d.docID, kind, timeout)
}

// ReadyStates returns a snapshot of docId's cached ready states.
func (d DocSync) ReadyStates() []synchronizer.PeerReadyState {
	return d.sync.ReadyStates(d.docID)
}

// OnReadyStateChange subscribes to every future readyStates update for
// docId, firing immediately with the current snapshot.
func (d DocSync) OnReadyStateChange(cb synchronizer.ReadyStateChangeFunc) synchronizer.Unsubscribe {
	return d.sync.OnReadyStateChange(d.docID, cb)
}
