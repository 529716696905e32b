package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// MeshAdapter is a line-framed JSON-over-TCP transport adapted from the
// teacher's NetworkManager accept/connect/handleConnection loops, repurposed
// to speak the envelope wire protocol (spec §6.3) instead of the teacher's
// "KNIRV:<peerID>" handshake line. Each accepted or dialed connection
// becomes one channel; the establish handshake runs over the same
// connection as ordinary envelopes, so MeshAdapter itself never blocks
// waiting for it. On an establish frame it marks the channel established
// itself; sending establish envelopes is the Synchronizer's job.
type MeshAdapter struct {
	*BaseAdapter

	listenAddr string

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	ctx      context.Context
	started  bool
}

// NewMeshAdapter constructs an adapter that will listen on listenAddr
// (":0" for an ephemeral port) once Start is called.
func NewMeshAdapter(id ids.AdapterId, listenAddr string) *MeshAdapter {
	return &MeshAdapter{
		BaseAdapter: NewBaseAdapter(id, ids.KindNetwork),
		listenAddr:  listenAddr,
	}
}

// Start begins listening for inbound connections. Idempotent.
func (m *MeshAdapter) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}

	listener, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("mesh adapter: listen on %s: %w", m.listenAddr, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	m.listener = listener
	m.ctx = cctx
	m.cancel = cancel
	m.started = true
	m.mu.Unlock()

	go m.acceptLoop()
	return nil
}

// Stop closes the listener and every live channel. Idempotent.
func (m *MeshAdapter) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	listener := m.listener
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Close()
	}
	m.StopAll()
	return nil
}

// Addr reports the listener's bound address, useful when listenAddr was
// ":0" and the actual port needs to be discovered for Connect.
func (m *MeshAdapter) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Connect dials a remote MeshAdapter's listen address, registering the
// resulting connection as a new channel.
func (m *MeshAdapter) Connect(address string) error {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("mesh adapter: dial %s: %w", address, err)
	}
	go m.handleConn(conn)
	return nil
}

func (m *MeshAdapter) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			continue
		}
		go m.handleConn(conn)
	}
}

func (m *MeshAdapter) handleConn(conn net.Conn) {
	ch := m.Allocate(func(env Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		conn.Write(append(data, '\n'))
	}, func() { conn.Close() })

	defer func() {
		conn.Close()
		m.Remove(ch.ID)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			// malformed frame: drop it, never crash the channel (spec §4.4).
			continue
		}

		if env.Type == EstablishRequest || env.Type == EstablishResponse {
			if id, ok := identity.DecodeWireToken(env.Token); ok {
				m.Establish(ch, id)
			} else if env.Identity != nil {
				m.Establish(ch, identity.Identity{
					PeerID: env.Identity.PeerID,
					Name:   env.Identity.Name,
					Type:   env.Identity.Type,
				})
			}
		}

		m.Deliver(ch, env)
	}
}
