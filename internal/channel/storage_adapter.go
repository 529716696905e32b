package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knirvcorp/relaymesh/go/internal/clock"
	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
	"github.com/knirvcorp/relaymesh/go/internal/security"
)

// persistedDoc is the on-disk snapshot format for one document, encrypted
// at rest as a whole.
type persistedDoc struct {
	Version   clock.VectorClock `json:"version"`
	Update    []byte            `json:"update"`
	Signature []byte            `json:"signature,omitempty"`
}

// StorageAdapter is a kind=storage adapter representing one always-synced
// local persistence peer (spec §4.1 EXPANSION): documents are saved/loaded
// as encrypted JSON blobs (internal/security + internal/crypto/pqc) rather
// than replicated over a live socket. Its channel is established
// immediately on Start with no handshake, matching "storage channels are
// always established" (spec §6.1).
type StorageAdapter struct {
	*BaseAdapter

	baseDir string
	enc     *security.MemoryEncryption
	key     []byte
	signer  *identity.Signer

	mu sync.Mutex
	ch *Record
}

// NewStorageAdapter derives an at-rest encryption key from passphrase and
// scopes all persisted documents under baseDir. signer is optional: when
// set, every snapshot's update bytes are Dilithium-signed on save and the
// signature is stored with it. Load does not check that signature.
func NewStorageAdapter(id ids.AdapterId, baseDir, passphrase string, signer *identity.Signer) (*StorageAdapter, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage adapter: create base dir: %w", err)
	}

	enc := security.NewMemoryEncryption()
	salt, err := enc.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("storage adapter: generate salt: %w", err)
	}

	return &StorageAdapter{
		BaseAdapter: NewBaseAdapter(id, ids.KindStorage),
		baseDir:     baseDir,
		enc:         enc,
		key:         enc.DeriveKey(passphrase, salt),
		signer:      signer,
	}, nil
}

func (s *StorageAdapter) docPath(doc ids.DocId) string {
	return filepath.Join(s.baseDir, string(doc)+".json.enc")
}

// Start allocates the adapter's single, always-established channel.
// Idempotent.
func (s *StorageAdapter) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ch != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch := s.Allocate(s.handleOutbound, func() {})
	s.Establish(ch, identity.Identity{PeerID: ids.PeerId(s.ID()), Type: identity.TypeStorage})

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
	return nil
}

// Stop tears down the channel. Idempotent.
func (s *StorageAdapter) Stop() error {
	s.StopAll()
	s.mu.Lock()
	s.ch = nil
	s.mu.Unlock()
	return nil
}

// handleOutbound is the storage adapter's "send": rather than put bytes on
// a wire, it persists locally and, for requests expecting a reply,
// delivers the reply back up through the same channel synchronously.
func (s *StorageAdapter) handleOutbound(env Envelope) {
	switch env.Type {
	case UpdateType:
		s.save(env.DocID, env.Version, env.Update)
	case DeleteType:
		os.Remove(s.docPath(env.DocID))
	case SyncRequest:
		ch := s.activeChannel()
		if ch == nil {
			return
		}
		for _, doc := range env.Docs {
			s.Deliver(ch, Envelope{
				Type:         SyncResponse,
				DocID:        doc.DocID,
				Transmission: s.transmissionFor(doc.DocID, doc.RequesterVersion),
			})
		}
	case DirectoryRequest:
		ch := s.activeChannel()
		if ch != nil {
			s.Deliver(ch, Envelope{Type: DirectoryResponse, DocIDs: s.listDocs()})
		}
	}
}

func (s *StorageAdapter) activeChannel() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *StorageAdapter) save(doc ids.DocId, version clock.VectorClock, update []byte) {
	record := persistedDoc{Version: version, Update: update}
	if s.signer != nil {
		if sig, err := s.signer.Sign(update); err == nil {
			record.Signature = sig
		}
	}

	plain, err := json.Marshal(record)
	if err != nil {
		return
	}
	cipherText, err := s.enc.EncryptMemory(plain, s.key)
	if err != nil {
		return
	}
	_ = os.WriteFile(s.docPath(doc), cipherText, 0o600)
}

func (s *StorageAdapter) load(doc ids.DocId) (*persistedDoc, bool) {
	cipherText, err := os.ReadFile(s.docPath(doc))
	if err != nil {
		return nil, false
	}
	plain, err := s.enc.DecryptMemory(cipherText, s.key)
	if err != nil {
		return nil, false
	}
	var record persistedDoc
	if err := json.Unmarshal(plain, &record); err != nil {
		return nil, false
	}
	return &record, true
}

func (s *StorageAdapter) transmissionFor(doc ids.DocId, requesterVersion clock.VectorClock) *Transmission {
	record, ok := s.load(doc)
	if !ok {
		return &Transmission{Type: Absent}
	}
	switch clock.Compare(record.Version, requesterVersion) {
	case clock.Before, clock.Equal:
		return &Transmission{Type: UpToDate, Version: record.Version}
	default:
		return &Transmission{Type: Updated, Version: record.Version, Update: record.Update}
	}
}

func (s *StorageAdapter) listDocs() []ids.DocId {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil
	}
	out := make([]ids.DocId, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		const suffix = ".json.enc"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			out = append(out, ids.DocId(name[:len(name)-len(suffix)]))
		}
	}
	return out
}
