package registry

import (
	"testing"

	"github.com/knirvcorp/relaymesh/go/internal/clock"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

func TestGetOrCreateCreatesOnce(t *testing.T) {
	r := New(ids.PeerId("local"))

	ds1, created1 := r.GetOrCreate(ids.DocId("d1"))
	if !created1 {
		t.Fatal("expected first GetOrCreate to report created")
	}
	if !ds1.IsNew {
		t.Fatal("expected freshly created document to be IsNew")
	}

	ds2, created2 := r.GetOrCreate(ids.DocId("d1"))
	if created2 {
		t.Fatal("expected second GetOrCreate to report existing")
	}
	if ds1 != ds2 {
		t.Fatal("expected the same DocumentState to be returned")
	}
}

func TestIsNewNeverFlipsBack(t *testing.T) {
	r := New(ids.PeerId("local"))
	ds, _ := r.GetOrCreate(ids.DocId("d1"))

	ds.MarkNotNew()
	if ds.IsNew {
		t.Fatal("expected IsNew to clear")
	}
	ds.MarkNotNew()
	if ds.IsNew {
		t.Fatal("expected IsNew to stay cleared")
	}
}

func TestHasReportsFalseForDeletedOrUnknown(t *testing.T) {
	r := New(ids.PeerId("local"))
	if r.Has(ids.DocId("ghost")) {
		t.Fatal("expected unknown doc to report absent")
	}

	r.GetOrCreate(ids.DocId("d1"))
	if !r.Has(ids.DocId("d1")) {
		t.Fatal("expected known doc to report present")
	}

	if !r.MarkDeleted(ids.DocId("d1")) {
		t.Fatal("expected first MarkDeleted to report a change")
	}
	if r.Has(ids.DocId("d1")) {
		t.Fatal("expected deleted doc to report absent")
	}
	if r.MarkDeleted(ids.DocId("d1")) {
		t.Fatal("expected repeat MarkDeleted to be a no-op")
	}
}

func TestVisibleAppliesRevealPredicateAndSkipsNewOrDeleted(t *testing.T) {
	r := New(ids.PeerId("local"))

	pub, _ := r.GetOrCreate(ids.DocId("public"))
	pub.MarkNotNew()

	sec, _ := r.GetOrCreate(ids.DocId("secret"))
	sec.MarkNotNew()

	fresh, _ := r.GetOrCreate(ids.DocId("fresh"))
	_ = fresh // left IsNew, must never be visible regardless of reveal()

	gone, _ := r.GetOrCreate(ids.DocId("gone"))
	gone.MarkNotNew()
	r.MarkDeleted(ids.DocId("gone"))

	reveal := func(id ids.DocId) bool { return id != ids.DocId("secret") }
	visible := r.Visible(reveal)

	if len(visible) != 1 || visible[0] != ids.DocId("public") {
		t.Fatalf("expected only [public] visible, got %v", visible)
	}
}

func TestLastKnownVersionMergesRatherThanRegresses(t *testing.T) {
	r := New(ids.PeerId("local"))
	ds, _ := r.GetOrCreate(ids.DocId("d1"))
	ch := ids.ChannelId(1)

	ds.SetLastKnownVersion(ch, clock.VectorClock{"a": 3})
	ds.SetLastKnownVersion(ch, clock.VectorClock{"a": 1, "b": 2})

	got := ds.LastKnownVersion(ch)
	if got["a"] != 3 || got["b"] != 2 {
		t.Fatalf("expected merged max per peer, got %v", got)
	}

	ds.DropChannel(ch)
	if got := ds.LastKnownVersion(ch); len(got) != 0 {
		t.Fatalf("expected cleared version after DropChannel, got %v", got)
	}
}

func TestEphemeralStoreIsPerNameAndClearedOnDelete(t *testing.T) {
	r := New(ids.PeerId("local"))
	ds, _ := r.GetOrCreate(ids.DocId("d1"))

	s1 := ds.EphemeralStore("presence")
	s2 := ds.EphemeralStore("presence")
	if s1 != s2 {
		t.Fatal("expected the same named store to be returned")
	}

	if err := s1.SetLocal("cursor", 5); err != nil {
		t.Fatalf("SetLocal failed: %v", err)
	}

	r.MarkDeleted(ids.DocId("d1"))
	s3 := ds.EphemeralStore("presence")
	if snap := s3.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected ephemeral state cleared on delete, got %v", snap)
	}
}
