// Package channel implements the Adapter contract (spec §4.1, §6.1), the
// channel establish-handshake state machine (spec §4.2) and the wire
// envelope types (spec §6.3) shared by every transport.
package channel

import (
	"context"
	"sync"

	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// OnChannelAdded fires when a new transport endpoint appears, before the
// establish handshake completes.
type OnChannelAdded func(*Record)

// OnChannelRemoved fires once a channel is permanently torn down.
type OnChannelRemoved func(ids.ChannelId)

// OnChannelReceive fires for every inbound envelope, establish frames
// included.
type OnChannelReceive func(*Record, Envelope)

// OnChannelEstablish fires the first time a channel completes the
// handshake.
type OnChannelEstablish func(*Record)

// Adapter is the uniform, transport-agnostic source of channels consumed
// by the Synchronizer (spec §4.1, §6.1). Start and Stop must be idempotent.
type Adapter interface {
	ID() ids.AdapterId
	Kind() ids.Kind

	Start(ctx context.Context) error
	Stop() error

	SetOnChannelAdded(OnChannelAdded)
	SetOnChannelRemoved(OnChannelRemoved)
	SetOnChannelReceive(OnChannelReceive)
	SetOnChannelEstablish(OnChannelEstablish)

	// Establish lets the Synchronizer complete the handshake for transports
	// (e.g. MemoryAdapter) that never inspect envelope identities themselves.
	// Idempotent: a channel already established is left untouched.
	Establish(ch *Record, remote identity.Identity)
}

// BaseAdapter is embedded by every concrete Adapter. It owns the channel
// arena (allocate / establish / remove / deliver) so subclasses need only
// supply transport specifics via generate-style constructors (spec §4.1).
type BaseAdapter struct {
	mu sync.Mutex

	id   ids.AdapterId
	kind ids.Kind

	channels map[ids.ChannelId]*Record
	byRemote map[ids.PeerId]*Record

	added       OnChannelAdded
	removed     OnChannelRemoved
	received    OnChannelReceive
	established OnChannelEstablish
}

// channelIDs is the process-wide ChannelId allocator shared by every
// adapter, so channel ids stay unique across adapters in one process.
var channelIDs ids.Allocator

// NewBaseAdapter constructs the shared bookkeeping for an adapter
// identified by id, producing channels of the given kind.
func NewBaseAdapter(id ids.AdapterId, kind ids.Kind) *BaseAdapter {
	return &BaseAdapter{
		id:       id,
		kind:     kind,
		channels: make(map[ids.ChannelId]*Record),
		byRemote: make(map[ids.PeerId]*Record),
	}
}

func (b *BaseAdapter) ID() ids.AdapterId { return b.id }
func (b *BaseAdapter) Kind() ids.Kind    { return b.kind }

func (b *BaseAdapter) SetOnChannelAdded(cb OnChannelAdded)         { b.mu.Lock(); b.added = cb; b.mu.Unlock() }
func (b *BaseAdapter) SetOnChannelRemoved(cb OnChannelRemoved)     { b.mu.Lock(); b.removed = cb; b.mu.Unlock() }
func (b *BaseAdapter) SetOnChannelReceive(cb OnChannelReceive)     { b.mu.Lock(); b.received = cb; b.mu.Unlock() }
func (b *BaseAdapter) SetOnChannelEstablish(cb OnChannelEstablish) { b.mu.Lock(); b.established = cb; b.mu.Unlock() }

// Allocate mints a new channel backed by send/stop, fires onChannelAdded,
// and returns the Record for the caller to drive further (establish, etc).
func (b *BaseAdapter) Allocate(send func(Envelope), stop func()) *Record {
	ch := newRecord(channelIDs.Next(), b.kind, b.id, send, stop)

	b.mu.Lock()
	b.channels[ch.ID] = ch
	added := b.added
	b.mu.Unlock()

	if added != nil {
		added(ch)
	}
	return ch
}

// Establish transitions ch to Established with the given remote identity,
// enforcing the reconnect policy: if another channel is already
// established for the same remote peer, it is removed first so it never
// accumulates as a zombie (spec §4.1 "Key policy").
func (b *BaseAdapter) Establish(ch *Record, remote identity.Identity) {
	b.mu.Lock()
	if prev, ok := b.byRemote[remote.PeerID]; ok && prev.ID != ch.ID {
		delete(b.byRemote, remote.PeerID)
		delete(b.channels, prev.ID)
		b.mu.Unlock()

		b.fireRemoved(prev.ID)
		prev.clearSubscriptions()
		prev.Stop()

		b.mu.Lock()
	}

	changed := ch.markEstablished(remote)
	b.byRemote[remote.PeerID] = ch
	established := b.established
	b.mu.Unlock()

	if changed && established != nil {
		established(ch)
	}
}

// Remove tears down the bookkeeping for chID and fires onChannelRemoved.
// Idempotent: removing an unknown or already-removed channel is a no-op.
func (b *BaseAdapter) Remove(chID ids.ChannelId) {
	b.mu.Lock()
	ch, ok := b.channels[chID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.channels, chID)
	for peer, r := range b.byRemote {
		if r.ID == chID {
			delete(b.byRemote, peer)
		}
	}
	b.mu.Unlock()

	ch.clearSubscriptions()
	b.fireRemoved(chID)
}

func (b *BaseAdapter) fireRemoved(chID ids.ChannelId) {
	b.mu.Lock()
	removed := b.removed
	b.mu.Unlock()
	if removed != nil {
		removed(chID)
	}
}

// Deliver routes an inbound envelope to onChannelReceive, enforcing the
// fail-fast buffering rule: non-establish traffic on an unestablished
// channel is rejected outright (spec §4.2 "Buffering").
func (b *BaseAdapter) Deliver(ch *Record, env Envelope) {
	if !ch.IsEstablished() && env.Type != EstablishRequest && env.Type != EstablishResponse {
		return
	}

	b.mu.Lock()
	received := b.received
	b.mu.Unlock()
	if received != nil {
		received(ch, env)
	}
}

// Channels returns a snapshot of every live channel.
func (b *BaseAdapter) Channels() []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Record, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch)
	}
	return out
}

// StopAll removes every channel, used by concrete adapters' Stop().
func (b *BaseAdapter) StopAll() {
	for _, ch := range b.Channels() {
		ch.Stop()
		b.Remove(ch.ID)
	}
}
