package channel

import (
	"context"
	"testing"

	"github.com/knirvcorp/relaymesh/go/internal/clock"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

func TestStorageAdapterIsEstablishedImmediatelyOnStart(t *testing.T) {
	s, err := NewStorageAdapter("store", t.TempDir(), "passphrase", nil)
	if err != nil {
		t.Fatalf("NewStorageAdapter failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	channels := s.Channels()
	if len(channels) != 1 {
		t.Fatalf("expected exactly one channel, got %d", len(channels))
	}
	if !channels[0].IsEstablished() {
		t.Fatal("expected storage channel to be established immediately")
	}
	if channels[0].Kind != ids.KindStorage {
		t.Fatalf("expected kind storage, got %v", channels[0].Kind)
	}
}

func TestStorageAdapterSyncRequestReportsAbsentThenUpdate(t *testing.T) {
	s, err := NewStorageAdapter("store", t.TempDir(), "passphrase", nil)
	if err != nil {
		t.Fatalf("NewStorageAdapter failed: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	var responses []Envelope
	s.SetOnChannelReceive(func(r *Record, e Envelope) { responses = append(responses, e) })

	ch := s.Channels()[0]
	ch.Send(Envelope{Type: SyncRequest, Docs: []SyncDoc{{DocID: ids.DocId("d1")}}})

	if len(responses) != 1 || responses[0].Transmission.Type != Absent {
		t.Fatalf("expected absent transmission for unknown doc, got %+v", responses)
	}

	ch.Send(Envelope{Type: UpdateType, DocID: ids.DocId("d1"), Version: clock.VectorClock{"p1": 1}, Update: []byte("hello")})

	responses = nil
	ch.Send(Envelope{Type: SyncRequest, Docs: []SyncDoc{{DocID: ids.DocId("d1")}}})
	if len(responses) != 1 || responses[0].Transmission.Type != Updated {
		t.Fatalf("expected update transmission after save, got %+v", responses)
	}
	if string(responses[0].Transmission.Update) != "hello" {
		t.Fatalf("expected persisted update bytes round-tripped, got %q", responses[0].Transmission.Update)
	}
}

func TestStorageAdapterDeleteRemovesPersistedDoc(t *testing.T) {
	s, err := NewStorageAdapter("store", t.TempDir(), "passphrase", nil)
	if err != nil {
		t.Fatalf("NewStorageAdapter failed: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	ch := s.Channels()[0]
	ch.Send(Envelope{Type: UpdateType, DocID: ids.DocId("d1"), Version: clock.VectorClock{"p1": 1}, Update: []byte("hi")})
	ch.Send(Envelope{Type: DeleteType, DocID: ids.DocId("d1")})

	var responses []Envelope
	s.SetOnChannelReceive(func(r *Record, e Envelope) { responses = append(responses, e) })
	ch.Send(Envelope{Type: SyncRequest, Docs: []SyncDoc{{DocID: ids.DocId("d1")}}})

	if len(responses) != 1 || responses[0].Transmission.Type != Absent {
		t.Fatalf("expected absent after delete, got %+v", responses)
	}
}
