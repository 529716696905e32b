// Package synchronizer implements the orchestrator of spec §4.5: it owns
// the Document Registry, the channel directory across every registered
// Adapter, and the Rules Engine; it routes every inbound envelope to the
// protocol core in internal/syncengine, maintains the readyStates map, and
// exposes waitUntilReady. Per spec §5 the whole thing runs behind one
// mutex, matching the single-threaded cooperative scheduler the core
// assumes.
package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/knirvcorp/relaymesh/go/internal/channel"
	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
	"github.com/knirvcorp/relaymesh/go/internal/logging"
	"github.com/knirvcorp/relaymesh/go/internal/monitoring"
	"github.com/knirvcorp/relaymesh/go/internal/registry"
	"github.com/knirvcorp/relaymesh/go/internal/rules"
	"github.com/knirvcorp/relaymesh/go/internal/syncengine"
	"github.com/knirvcorp/relaymesh/go/internal/tracing"
)

// ChannelRef is the transport handle exposed as part of a PeerReadyState,
// deliberately opaque about the live *channel.Record (spec §3 "Ready
// state").
type ChannelRef struct {
	Kind      ids.Kind
	AdapterID ids.AdapterId
}

// PeerReadyState is one entry of sync(doc).readyStates (spec §6.4).
type PeerReadyState struct {
	Identity identity.Identity
	Channels []ChannelRef
	Status   syncengine.Status
}

// ReadyStateChangeFunc observes every readyStates update for one document.
type ReadyStateChangeFunc func(states []PeerReadyState)

// Unsubscribe stops delivery to a previously registered callback.
type Unsubscribe func()

// ErrAborted is returned by WaitUntilReady when ctx is canceled before the
// predicate is satisfied (spec §7 AbortError).
var ErrAborted = fmt.Errorf("synchronizer: wait aborted")

// NoAdaptersError reports that WaitForSync named a kind with no adapter
// registered for it (spec §7 NoAdaptersError).
type NoAdaptersError struct{ Kind ids.Kind }

func (e *NoAdaptersError) Error() string {
	return fmt.Sprintf("synchronizer: no adapter registered for kind %q", e.Kind)
}

// SyncTimeoutError carries the last-known ready states for diagnostics
// (spec §7 SyncTimeoutError).
type SyncTimeoutError struct {
	DocID       ids.DocId
	ReadyStates []PeerReadyState
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("synchronizer: wait for doc %q timed out with %d known peer states", e.DocID, len(e.ReadyStates))
}

// Synchronizer is the orchestrator of spec §4.5. Construct with New, then
// register every Adapter with AddAdapter, which also starts it.
type Synchronizer struct {
	mu sync.Mutex

	local   identity.Identity
	registry *registry.Registry
	rules    *rules.Engine
	engine   *syncengine.Engine
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	adapters       map[ids.AdapterId]channel.Adapter
	channels       map[ids.ChannelId]*channel.Record
	channelAdapter map[ids.ChannelId]ids.AdapterId

	wired map[ids.DocId]bool

	readyStates map[ids.DocId]map[ids.PeerId]PeerReadyState
	readySubs   map[ids.DocId]map[int]ReadyStateChangeFunc
	subNext     int
}

// New constructs an empty Synchronizer scoped to local identity. logger and
// metrics may be nil (tests commonly omit them).
func New(local identity.Identity, rulesEngine *rules.Engine, logger *logging.Logger, metrics *monitoring.Metrics) *Synchronizer {
	if rulesEngine == nil {
		rulesEngine = rules.New()
	}
	reg := registry.New(local.PeerID)

	s := &Synchronizer{
		local:          local,
		registry:       reg,
		rules:          rulesEngine,
		logger:         logger,
		metrics:        metrics,
		adapters:       make(map[ids.AdapterId]channel.Adapter),
		channels:       make(map[ids.ChannelId]*channel.Record),
		channelAdapter: make(map[ids.ChannelId]ids.AdapterId),
		wired:          make(map[ids.DocId]bool),
		readyStates:    make(map[ids.DocId]map[ids.PeerId]PeerReadyState),
		readySubs:      make(map[ids.DocId]map[int]ReadyStateChangeFunc),
	}
	s.engine = syncengine.New(reg, rulesEngine, local, logger, metrics)
	s.engine.SetOnReadyStateChanged(s.onEngineReadyStateChanged)
	return s
}

// AddAdapter wires a's four callbacks to this Synchronizer and starts it.
// Adapters must be added before any documents are accessed so the initial
// directory probe reaches them.
func (s *Synchronizer) AddAdapter(ctx context.Context, a channel.Adapter) error {
	a.SetOnChannelAdded(func(ch *channel.Record) { s.handleChannelAdded(a.ID(), ch) })
	a.SetOnChannelRemoved(func(chID ids.ChannelId) { s.handleChannelRemoved(chID) })
	a.SetOnChannelEstablish(func(ch *channel.Record) { s.handleChannelEstablish(ch) })
	a.SetOnChannelReceive(func(ch *channel.Record, env channel.Envelope) { s.handleChannelReceive(a, ch, env) })

	s.mu.Lock()
	s.adapters[a.ID()] = a
	s.mu.Unlock()

	return a.Start(ctx)
}

// StopAll stops every registered adapter.
func (s *Synchronizer) StopAll() {
	s.mu.Lock()
	adapters := make([]channel.Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		adapters = append(adapters, a)
	}
	s.mu.Unlock()

	for _, a := range adapters {
		a.Stop()
	}
}

func (s *Synchronizer) wireIdentity() *channel.WireIdentity {
	return &channel.WireIdentity{PeerID: s.local.PeerID, Name: s.local.Name, Type: s.local.Type}
}

// establishEnvelope builds an establish-request/-response carrying both the
// plain WireIdentity and the same identity signed as an opaque bearer token
// (internal/identity.EncodeWireToken), per spec §4.2 EXPANSION.
func (s *Synchronizer) establishEnvelope(typ channel.Type) channel.Envelope {
	return channel.Envelope{Type: typ, Identity: s.wireIdentity(), Token: identity.EncodeWireToken(s.local)}
}

func (s *Synchronizer) handleChannelAdded(adapterID ids.AdapterId, ch *channel.Record) {
	s.mu.Lock()
	s.channels[ch.ID] = ch
	s.channelAdapter[ch.ID] = adapterID
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.WithChannelID(uint64(ch.ID)).Info("channel added", zap.String("adapter", string(adapterID)), zap.String("kind", string(ch.Kind)))
	}

	// Storage channels self-establish with no handshake (spec §6.1); only
	// network channels need an establish-request sent (spec §4.2).
	if ch.Kind == ids.KindNetwork {
		ch.Send(s.establishEnvelope(channel.EstablishRequest))
	}
}

func (s *Synchronizer) handleChannelRemoved(chID ids.ChannelId) {
	s.mu.Lock()
	delete(s.channels, chID)
	delete(s.channelAdapter, chID)
	s.mu.Unlock()

	s.registry.ForEach(func(_ ids.DocId, ds *registry.DocumentState) bool {
		ds.DropChannel(chID)
		return true
	})

	if s.logger != nil {
		s.logger.WithChannelID(uint64(chID)).Info("channel removed")
	}

	if s.metrics != nil {
		s.metrics.ChannelsRemoved.Inc()
		s.metrics.ActiveChannels.Dec()
	}
}

func (s *Synchronizer) handleChannelEstablish(ch *channel.Record) {
	s.mu.Lock()
	s.engine.HandleEstablish(ch)
	s.mu.Unlock()

	if s.logger != nil {
		remote, _ := ch.RemoteIdentity()
		s.logger.WithChannelID(uint64(ch.ID)).WithPeerID(string(remote.PeerID)).Info("channel established")
	}

	if s.metrics != nil {
		s.metrics.ChannelsEstablished.Inc()
		s.metrics.ActiveChannels.Inc()
	}
}

func (s *Synchronizer) handleChannelReceive(a channel.Adapter, ch *channel.Record, env channel.Envelope) {
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(string(env.Type)).Inc()
	}

	_, span := tracing.StartSpan(context.Background(), "synchronizer.dispatch",
		attribute.String("envelope.type", string(env.Type)),
		attribute.Int64("channel.id", int64(ch.ID)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLocked(a, ch, env)
}

// dispatchLocked implements the exhaustive type match of spec §9 "Dynamic
// message dispatch"; channel/batch recurses over messages[]. Caller holds
// s.mu.
func (s *Synchronizer) dispatchLocked(a channel.Adapter, ch *channel.Record, env channel.Envelope) {
	switch env.Type {
	case channel.EstablishRequest:
		s.handleEstablishEnvelopeLocked(a, ch, env)
		// An establish-request obliges a reply carrying our own identity so
		// the remote side completes its half of the handshake (spec §4.2).
		ch.Send(s.establishEnvelope(channel.EstablishResponse))

	case channel.EstablishResponse:
		s.handleEstablishEnvelopeLocked(a, ch, env)

	case channel.DirectoryRequest:
		s.engine.HandleDirectoryRequest(ch)

	case channel.DirectoryResponse:
		s.engine.HandleDirectoryResponse(ch, env)
		for _, docID := range env.DocIDs {
			if ds, ok := s.registry.Get(docID); ok {
				s.ensureWiredLocked(docID, ds)
			}
		}
		s.probeDocsLocked(ch, env.DocIDs)

	case channel.SyncRequest:
		s.engine.HandleSyncRequest(ch, env)
		for _, d := range env.Docs {
			if ds, ok := s.registry.Get(d.DocID); ok {
				s.ensureWiredLocked(d.DocID, ds)
			}
		}

	case channel.SyncResponse:
		s.engine.HandleSyncResponse(ch, env)
		if ds, ok := s.registry.Get(env.DocID); ok {
			s.ensureWiredLocked(env.DocID, ds)
		}

	case channel.UpdateType:
		s.engine.HandleUpdate(ch, env)
		if ds, ok := s.registry.Get(env.DocID); ok {
			s.ensureWiredLocked(env.DocID, ds)
		}

	case channel.DeleteType:
		s.engine.HandleDelete(ch, env)

	case channel.EphemeralType:
		// Fallback path (spec §6.3): rarely used, since ephemeral normally
		// piggybacks on sync-request/sync-response/update.
		if ds, ok := s.registry.Get(env.DocID); ok {
			ds.EphemeralStore("presence").Apply(env.Ephemeral)
		}

	case channel.BatchType:
		for _, msg := range env.Messages {
			s.dispatchLocked(a, ch, msg)
		}
	}
}

func (s *Synchronizer) handleEstablishEnvelopeLocked(a channel.Adapter, ch *channel.Record, env channel.Envelope) {
	// Prefer the signed bearer token over the plain WireIdentity when both
	// are present (spec §4.2 EXPANSION "opaque bearer token (JWT, HS256)");
	// fall back to the plain identity for adapters/tests that never set one.
	if id, ok := identity.DecodeWireToken(env.Token); ok {
		a.Establish(ch, id)
		return
	}
	if env.Identity == nil {
		return
	}
	a.Establish(ch, identity.Identity{PeerID: env.Identity.PeerID, Name: env.Identity.Name, Type: env.Identity.Type})
}

// probeDocsLocked sends a sync-request for every doc the directory-response
// advertised that we don't already have data for, per spec §4.4 "Receiver
// uses the response to decide which docs to sync-request".
func (s *Synchronizer) probeDocsLocked(ch *channel.Record, docIDs []ids.DocId) {
	remote, hasRemote := ch.RemoteIdentity()

	var docs []channel.SyncDoc
	for _, docID := range docIDs {
		ds, existed := s.registry.Get(docID)
		if !existed {
			createCtx := rules.Context{
				DocID:          docID,
				ChannelID:      ch.ID,
				HasChannel:     true,
				RemoteIdentity: remote,
				HasRemote:      hasRemote,
				LocalIdentity:  s.local,
				Operation:      rules.OpCreate,
			}
			if !s.rules.CanCreate(createCtx) {
				if s.metrics != nil {
					s.metrics.DeniedByRules.WithLabelValues("create").Inc()
				}
				if s.logger != nil {
					s.logger.WithDocID(string(docID)).WithChannelID(uint64(ch.ID)).Warn("denied by rules", zap.String("operation", "create"))
				}
				continue
			}
			ds, _ = s.registry.GetOrCreate(docID)
		}
		s.ensureWiredLocked(docID, ds)
		docs = append(docs, channel.SyncDoc{DocID: docID, RequesterVersion: ds.Doc.Version()})
	}
	if len(docs) == 0 {
		return
	}
	ch.Send(channel.Envelope{Type: channel.SyncRequest, Docs: docs})
}

// ensureWiredLocked subscribes ds's local updates to fan-out exactly once,
// regardless of whether ds was created by a local Get or by the protocol
// core reacting to remote traffic. Caller holds s.mu.
func (s *Synchronizer) ensureWiredLocked(docID ids.DocId, ds *registry.DocumentState) {
	if s.wired[docID] {
		return
	}
	s.wired[docID] = true

	ds.Doc.SubscribeLocalUpdates(func() {
		s.mu.Lock()
		ds.MarkNotNew()
		channels := s.channelsSnapshotLocked()
		s.engine.FanOutLocalUpdate(docID, ds, channels)
		s.mu.Unlock()
	})
}

func (s *Synchronizer) channelsSnapshotLocked() []*channel.Record {
	out := make([]*channel.Record, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Synchronizer) establishedChannelsLocked() []*channel.Record {
	var out []*channel.Record
	for _, ch := range s.channels {
		if ch.IsEstablished() {
			out = append(out, ch)
		}
	}
	return out
}

// onEngineReadyStateChanged is invoked synchronously by the Engine, already
// under s.mu, every time a (doc, peer) status transitions.
func (s *Synchronizer) onEngineReadyStateChanged(docID ids.DocId, ch *channel.Record, peer ids.PeerId, status syncengine.Status) {
	remote, _ := ch.RemoteIdentity()

	var refs []ChannelRef
	for _, c := range s.channels {
		if id, ok := c.RemoteIdentity(); ok && id.PeerID == peer {
			refs = append(refs, ChannelRef{Kind: c.Kind, AdapterID: s.channelAdapter[c.ID]})
		}
	}

	perDoc, ok := s.readyStates[docID]
	if !ok {
		perDoc = make(map[ids.PeerId]PeerReadyState)
		s.readyStates[docID] = perDoc
	}
	perDoc[peer] = PeerReadyState{Identity: remote, Channels: refs, Status: status}

	if s.metrics != nil {
		s.metrics.ReadyStateChanges.Inc()
	}
	s.notifyReadyStateSubsLocked(docID)
}

func (s *Synchronizer) notifyReadyStateSubsLocked(docID ids.DocId) {
	states := s.snapshotStatesLocked(docID)
	for _, cb := range s.readySubs[docID] {
		cb(states)
	}
}

func (s *Synchronizer) snapshotStatesLocked(docID ids.DocId) []PeerReadyState {
	perDoc := s.readyStates[docID]
	out := make([]PeerReadyState, 0, len(perDoc))
	for _, st := range perDoc {
		out = append(out, st)
	}
	return out
}

// ReadyStates returns a snapshot of sync(doc).readyStates (spec §6.4).
func (s *Synchronizer) ReadyStates(docID ids.DocId) []PeerReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotStatesLocked(docID)
}

// OnReadyStateChange subscribes to every future readyStates update for
// docID, firing immediately with the current snapshot (spec §4.5
// "subscription with initial-fire").
func (s *Synchronizer) OnReadyStateChange(docID ids.DocId, cb ReadyStateChangeFunc) Unsubscribe {
	s.mu.Lock()
	id := s.subNext
	s.subNext++
	if _, ok := s.readySubs[docID]; !ok {
		s.readySubs[docID] = make(map[int]ReadyStateChangeFunc)
	}
	s.readySubs[docID][id] = cb
	initial := s.snapshotStatesLocked(docID)
	s.mu.Unlock()

	cb(initial)

	return func() {
		s.mu.Lock()
		delete(s.readySubs[docID], id)
		s.mu.Unlock()
	}
}

// Get returns the DocumentState for docID, creating it if absent. First
// local access probes every established channel for this doc (spec §4.6).
func (s *Synchronizer) Get(docID ids.DocId) *registry.DocumentState {
	s.mu.Lock()
	ds, created := s.registry.GetOrCreate(docID)
	s.ensureWiredLocked(docID, ds)
	var established []*channel.Record
	version := ds.Doc.Version()
	if created {
		established = s.establishedChannelsLocked()
	}
	s.mu.Unlock()

	for _, ch := range established {
		ch.Send(channel.Envelope{
			Type: channel.SyncRequest,
			Docs: []channel.SyncDoc{{DocID: docID, RequesterVersion: version}},
		})
	}
	return ds
}

// Has reports whether docID is known locally and not deleted.
func (s *Synchronizer) Has(docID ids.DocId) bool {
	return s.registry.Has(docID)
}

// Delete tombstones docID, subject to canDelete, and fans out delete
// envelopes to every channel subscribed to it (spec §4.6).
func (s *Synchronizer) Delete(docID ids.DocId) error {
	ctx := rules.Context{DocID: docID, LocalIdentity: s.local, Operation: rules.OpDelete}
	if !s.rules.CanDelete(ctx) {
		if s.metrics != nil {
			s.metrics.DeniedByRules.WithLabelValues("delete").Inc()
		}
		if s.logger != nil {
			s.logger.WithDocID(string(docID)).Warn("denied by rules", zap.String("operation", "delete"))
		}
		return nil
	}

	s.mu.Lock()
	marked := s.registry.MarkDeleted(docID)
	channels := s.channelsSnapshotLocked()
	s.mu.Unlock()

	if marked {
		s.engine.FanOutDelete(docID, channels)
	}
	return nil
}

// WaitForSync resolves once docID's cached ready states contain at least
// one peer with status "synced" (optionally restricted to a transport
// kind), or fails with NoAdaptersError/SyncTimeoutError/ErrAborted.
func (s *Synchronizer) WaitForSync(ctx context.Context, docID ids.DocId, kind ids.Kind, timeout time.Duration) ([]PeerReadyState, error) {
	if kind != "" {
		s.mu.Lock()
		has := false
		for _, a := range s.adapters {
			if a.Kind() == kind {
				has = true
				break
			}
		}
		s.mu.Unlock()
		if !has {
			return nil, &NoAdaptersError{Kind: kind}
		}
	}

	predicate := func(states []PeerReadyState) bool {
		for _, st := range states {
			if st.Status != syncengine.StatusSynced {
				continue
			}
			if kind == "" {
				return true
			}
			for _, ref := range st.Channels {
				if ref.Kind == kind {
					return true
				}
			}
		}
		return false
	}

	return s.WaitUntilReady(ctx, docID, timeout, predicate)
}

// WaitUntilReady resolves when docID's cached ready states satisfy
// predicate, implemented as a subscribe-then-resolve pattern with
// initial-fire (spec §4.5).
func (s *Synchronizer) WaitUntilReady(ctx context.Context, docID ids.DocId, timeout time.Duration, predicate func([]PeerReadyState) bool) ([]PeerReadyState, error) {
	s.mu.Lock()
	current := s.snapshotStatesLocked(docID)
	if predicate(current) {
		s.mu.Unlock()
		return current, nil
	}

	resultCh := make(chan []PeerReadyState, 1)
	id := s.subNext
	s.subNext++
	if _, ok := s.readySubs[docID]; !ok {
		s.readySubs[docID] = make(map[int]ReadyStateChangeFunc)
	}
	s.readySubs[docID][id] = func(states []PeerReadyState) {
		if predicate(states) {
			select {
			case resultCh <- states:
			default:
			}
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.readySubs[docID], id)
		s.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case states := <-resultCh:
		return states, nil
	case <-timeoutCh:
		s.mu.Lock()
		last := s.snapshotStatesLocked(docID)
		s.mu.Unlock()
		return nil, &SyncTimeoutError{DocID: docID, ReadyStates: last}
	case <-ctx.Done():
		return nil, ErrAborted
	}
}

// Subscribe registers a local observer of docID's document changes,
// independent of the sync protocol (spec §4.6).
func (s *Synchronizer) Subscribe(docID ids.DocId, cb func()) Unsubscribe {
	ds := s.Get(docID)
	return Unsubscribe(ds.Doc.SubscribeLocalUpdates(cb))
}

// Registry exposes the underlying registry for callers (e.g. pkg/repo) that
// need direct document access beyond Get/Has/Delete.
func (s *Synchronizer) Registry() *registry.Registry { return s.registry }
