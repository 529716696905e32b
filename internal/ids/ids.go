// Package ids defines the opaque identifiers shared across the repo core
// and the process-wide channel id allocator.
package ids

import "sync/atomic"

// DocId is an opaque, globally unique identifier for a logical document.
type DocId string

// PeerId identifies a remote or local participant.
type PeerId string

// ChannelId is a process-local integer allocated monotonically by the
// channel directory. It is never reused within a process lifetime.
type ChannelId uint64

// AdapterId identifies an adapter instance within a process.
type AdapterId string

// Kind distinguishes transport channels from storage channels. Storage
// channels are treated identically to network channels except that their
// ready-state is reported separately (spec §6.1).
type Kind string

const (
	KindNetwork Kind = "network"
	KindStorage Kind = "storage"
)

// Allocator hands out monotonically increasing ChannelIds. The zero value
// is ready to use; the channel package holds the single process-wide one.
type Allocator struct {
	next uint64
}

// Next returns the next unused ChannelId. Safe for concurrent use.
func (a *Allocator) Next() ChannelId {
	return ChannelId(atomic.AddUint64(&a.next, 1))
}
