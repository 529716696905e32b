package channel

import (
	"sync"

	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// State is a channel's position in the establish handshake (spec §4.2).
type State int

const (
	Unestablished State = iota
	Established
)

func (s State) String() string {
	if s == Established {
		return "established"
	}
	return "unestablished"
}

// Record is one live channel: the Synchronizer-facing handle an Adapter
// hands up via onChannelAdded. Its zero-derived state is Unestablished;
// Record never transitions back out of Established (spec §4.2: removal is
// terminal, not a state to recover from).
type Record struct {
	mu sync.Mutex

	ID        ids.ChannelId
	Kind      ids.Kind
	AdapterID ids.AdapterId

	state          State
	remoteIdentity identity.Identity
	hasRemote      bool
	subscribed     map[ids.DocId]bool

	send   func(Envelope)
	stopFn func()
}

func newRecord(id ids.ChannelId, kind ids.Kind, adapterID ids.AdapterId, send func(Envelope), stop func()) *Record {
	return &Record{
		ID:         id,
		Kind:       kind,
		AdapterID:  adapterID,
		send:       send,
		stopFn:     stop,
		subscribed: make(map[ids.DocId]bool),
	}
}

// Send transmits env if the channel's underlying transport is still alive.
// Fire-and-forget per the Adapter contract; send failures are the
// transport's concern, never the caller's.
func (r *Record) Send(env Envelope) {
	r.mu.Lock()
	send := r.send
	r.mu.Unlock()
	if send != nil {
		send(env)
	}
}

// Stop tears down the underlying transport for this channel only.
func (r *Record) Stop() {
	r.mu.Lock()
	stop := r.stopFn
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// State reports the current handshake state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsEstablished reports whether the handshake has completed.
func (r *Record) IsEstablished() bool {
	return r.State() == Established
}

// markEstablished transitions Unestablished -> Established and records the
// remote identity. A no-op if already established (spec §4.2 tie-break:
// "the second [establish frame] arriving on an already-established channel
// is a no-op").
func (r *Record) markEstablished(remote identity.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Established {
		return false
	}
	r.state = Established
	r.remoteIdentity = remote
	r.hasRemote = true
	return true
}

// RemoteIdentity returns the remote identity and whether it has been set.
func (r *Record) RemoteIdentity() (identity.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteIdentity, r.hasRemote
}

// Subscribe records that this channel has synced doc and should receive
// its incremental updates.
func (r *Record) Subscribe(doc ids.DocId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed[doc] = true
}

// Unsubscribe removes doc from the channel's subscription set, e.g. when
// the document is deleted locally (spec §4.3).
func (r *Record) Unsubscribe(doc ids.DocId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribed, doc)
}

// IsSubscribed reports whether doc is in the channel's subscription set.
func (r *Record) IsSubscribed(doc ids.DocId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed[doc]
}

// SubscribedDocs returns a snapshot of every doc this channel is subscribed to.
func (r *Record) SubscribedDocs() []ids.DocId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ids.DocId, 0, len(r.subscribed))
	for id := range r.subscribed {
		out = append(out, id)
	}
	return out
}

func (r *Record) clearSubscriptions() {
	r.mu.Lock()
	r.subscribed = make(map[ids.DocId]bool)
	r.mu.Unlock()
}
