package channel

import (
	"github.com/knirvcorp/relaymesh/go/internal/clock"
	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// Type is the wire-level discriminant every Envelope carries (spec §6.3).
type Type string

const (
	EstablishRequest  Type = "channel/establish-request"
	EstablishResponse Type = "channel/establish-response"
	DirectoryRequest  Type = "channel/directory-request"
	DirectoryResponse Type = "channel/directory-response"
	SyncRequest       Type = "channel/sync-request"
	SyncResponse      Type = "channel/sync-response"
	UpdateType        Type = "channel/update"
	EphemeralType     Type = "channel/ephemeral"
	DeleteType        Type = "channel/delete"
	BatchType         Type = "channel/batch"
)

// TransmissionKind is the sync-response variant carried in Transmission.Type.
type TransmissionKind string

const (
	UpToDate TransmissionKind = "up-to-date"
	Updated  TransmissionKind = "update"
	Absent   TransmissionKind = "absent"
)

// WireIdentity is the identity payload exchanged during channel establish.
// Establish envelopes also carry the same identity signed into Envelope.Token
// (internal/identity.EncodeWireToken/DecodeWireToken) as an opaque bearer
// token; WireIdentity itself stays plain so an adapter that never touches
// identity tokens can still complete the handshake.
type WireIdentity struct {
	PeerID ids.PeerId    `json:"peerId"`
	Name   string        `json:"name,omitempty"`
	Type   identity.Type `json:"type"`
}

// SyncDoc is one entry of a sync-request's docs array.
type SyncDoc struct {
	DocID             ids.DocId         `json:"docId"`
	RequesterVersion  clock.VectorClock `json:"requesterDocVersion"`
	Ephemeral         []byte            `json:"ephemeral,omitempty"`
}

// Transmission is the per-doc payload of a sync-response.
type Transmission struct {
	Type    TransmissionKind  `json:"type"`
	Version clock.VectorClock `json:"version,omitempty"`
	Update  []byte            `json:"update,omitempty"`
}

// Envelope is the single wire-level message shape used by every adapter.
// Only the fields relevant to Type are populated; this mirrors the spec's
// "tagged union over one JSON object" wire format (§6.3) rather than a
// family of Go types, so adapters never need a type switch to (de)serialize.
type Envelope struct {
	Type Type `json:"type"`

	Identity      *WireIdentity `json:"identity,omitempty"`
	Token         string        `json:"token,omitempty"`
	DocIDs        []ids.DocId   `json:"docIds,omitempty"`
	Docs          []SyncDoc     `json:"docs,omitempty"`
	Bidirectional bool          `json:"bidirectional,omitempty"`

	DocID        ids.DocId         `json:"docId,omitempty"`
	Transmission *Transmission     `json:"transmission,omitempty"`
	Update       []byte            `json:"update,omitempty"`
	Version      clock.VectorClock `json:"version,omitempty"`
	Ephemeral    []byte            `json:"ephemeral,omitempty"`

	Messages []Envelope `json:"messages,omitempty"`
}
