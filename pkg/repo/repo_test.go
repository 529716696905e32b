package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knirvcorp/relaymesh/go/internal/channel"
	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// failingAdapter always errors on Start, used to exercise New's error path.
type failingAdapter struct {
	id ids.AdapterId
}

func (f *failingAdapter) ID() ids.AdapterId                             { return f.id }
func (f *failingAdapter) Kind() ids.Kind                                 { return ids.KindNetwork }
func (f *failingAdapter) Start(ctx context.Context) error                { return fmt.Errorf("boom") }
func (f *failingAdapter) Stop() error                                    { return nil }
func (f *failingAdapter) SetOnChannelAdded(channel.OnChannelAdded)       {}
func (f *failingAdapter) SetOnChannelRemoved(channel.OnChannelRemoved)   {}
func (f *failingAdapter) SetOnChannelReceive(channel.OnChannelReceive)   {}
func (f *failingAdapter) SetOnChannelEstablish(channel.OnChannelEstablish) {}
func (f *failingAdapter) Establish(*channel.Record, identity.Identity)   {}

func TestNewRejectsEmptyIdentity(t *testing.T) {
	_, err := New(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected error for empty identity")
	}
}

func TestNewRejectsNilContext(t *testing.T) {
	_, err := New(nil, Options{Identity: identity.Identity{PeerID: "p1"}}) //nolint:staticcheck
	if err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestGetCreatesAndMutatesDocument(t *testing.T) {
	r, err := New(context.Background(), Options{Identity: identity.Identity{PeerID: "p1", Type: identity.TypeUser}})
	require.NoError(t, err)
	defer r.Shutdown()

	doc := r.Get(ids.DocId("d1"))
	require.NoError(t, doc.Set("title", "hello"))
	require.True(t, r.Has(ids.DocId("d1")), "expected d1 to be known after Set")
	require.Equal(t, "hello", doc.ToMap()["title"])
}

func TestDeleteTombstonesDocument(t *testing.T) {
	r, err := New(context.Background(), Options{Identity: identity.Identity{PeerID: "p1", Type: identity.TypeUser}})
	require.NoError(t, err)
	defer r.Shutdown()

	r.Get(ids.DocId("d1")).Set("k", "v")
	require.NoError(t, r.Delete(ids.DocId("d1")))
	require.False(t, r.Has(ids.DocId("d1")), "expected d1 to be gone after Delete")
}

func TestSubscribeFiresOnLocalMutation(t *testing.T) {
	r, err := New(context.Background(), Options{Identity: identity.Identity{PeerID: "p1", Type: identity.TypeUser}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Shutdown()

	fired := make(chan struct{}, 1)
	unsub := r.Subscribe(ids.DocId("d1"), func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer unsub()

	r.Get(ids.DocId("d1")).Set("k", "v")

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected Subscribe callback to fire after local mutation")
	}
}

func TestTwoReposSyncThroughMemoryAdapter(t *testing.T) {
	ctx := context.Background()

	memA := channel.NewMemoryAdapter("peer-a")
	memB := channel.NewMemoryAdapter("peer-b")
	channel.Bridge(memA, memB)

	a, err := New(ctx, Options{
		Identity: identity.Identity{PeerID: "peer-a", Type: identity.TypeUser},
		Adapters: []channel.Adapter{memA},
	})
	require.NoError(t, err)
	defer a.Shutdown()

	b, err := New(ctx, Options{
		Identity: identity.Identity{PeerID: "peer-b", Type: identity.TypeUser},
		Adapters: []channel.Adapter{memB},
	})
	require.NoError(t, err)
	defer b.Shutdown()

	a.Get(ids.DocId("d1")).Set("title", "hello")
	bDoc := b.Get(ids.DocId("d1"))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = b.Sync(ids.DocId("d1")).WaitForSync(waitCtx, "", 2*time.Second)
	require.NoError(t, err)

	require.Equal(t, "hello", bDoc.ToMap()["title"])

	states := b.Sync(ids.DocId("d1")).ReadyStates()
	found := false
	for _, st := range states {
		if st.Identity.PeerID == ids.PeerId("peer-a") {
			found = true
		}
	}
	require.True(t, found, "expected peer-a in b's ready states, got %+v", states)
}

func TestAddAdapterFailureIsReported(t *testing.T) {
	_, err := New(context.Background(), Options{
		Identity: identity.Identity{PeerID: "peer-a", Type: identity.TypeUser},
		Adapters: []channel.Adapter{&failingAdapter{id: "bad"}},
	})
	require.Error(t, err, "expected error from failing adapter Start")
}
