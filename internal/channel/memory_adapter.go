package channel

import (
	"context"
	"sync"

	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// MemoryAdapter is an in-process transport pairing two adapters via Go
// channels, with no serialization in between. It is the primary vehicle
// for the convergence and permission test suites (spec §8), and the
// simplest concrete realization of the Adapter contract.
type MemoryAdapter struct {
	*BaseAdapter

	mu      sync.Mutex
	peer    *MemoryAdapter
	ch      *Record
	inbox   chan Envelope
	cancel  context.CancelFunc
	started bool
}

// NewMemoryAdapter constructs an unstarted, unpaired MemoryAdapter.
func NewMemoryAdapter(id ids.AdapterId) *MemoryAdapter {
	return &MemoryAdapter{
		BaseAdapter: NewBaseAdapter(id, ids.KindNetwork),
		inbox:       make(chan Envelope, 256),
	}
}

// Bridge links two MemoryAdapters so each is the other's sole remote
// endpoint, as if dialed over a single socket.
func Bridge(a, b *MemoryAdapter) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()

	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// Start allocates the adapter's one channel and begins pumping inbound
// envelopes to it. Idempotent.
func (m *MemoryAdapter) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	cctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	ch := m.Allocate(m.sendToPeer, func() { cancel() })

	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()

	go m.pump(cctx, ch)
	return nil
}

// Stop tears down the channel and stops the pump. Idempotent.
func (m *MemoryAdapter) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.StopAll()
	return nil
}

func (m *MemoryAdapter) sendToPeer(env Envelope) {
	m.mu.Lock()
	peer := m.peer
	m.mu.Unlock()
	if peer == nil {
		return
	}
	select {
	case peer.inbox <- env:
	default:
		// peer's inbox is saturated; a real transport would apply its own
		// backpressure policy, so dropping here matches "adapter decides".
	}
}

func (m *MemoryAdapter) pump(ctx context.Context, ch *Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.inbox:
			m.Deliver(ch, env)
		}
	}
}
