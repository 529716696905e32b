// Package syncengine implements the sync protocol core (spec §4.4): the
// directory probe, the per-document sync handshake, incremental update
// fan-out, ephemeral piggyback, and delete propagation. An Engine is pure
// protocol logic over a shared Registry and Rules Engine; it holds no lock
// of its own and assumes its owner (internal/synchronizer) serializes every
// call, matching the single-mutex concurrency model of spec §5.
package syncengine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/knirvcorp/relaymesh/go/internal/channel"
	"github.com/knirvcorp/relaymesh/go/internal/clock"
	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
	"github.com/knirvcorp/relaymesh/go/internal/logging"
	"github.com/knirvcorp/relaymesh/go/internal/monitoring"
	"github.com/knirvcorp/relaymesh/go/internal/registry"
	"github.com/knirvcorp/relaymesh/go/internal/rules"
	"github.com/knirvcorp/relaymesh/go/internal/tracing"
)

// Status is the computed per-(document, peer) state (spec §3 "Ready state").
type Status string

const (
	StatusAware  Status = "aware"
	StatusLoaded Status = "loaded"
	StatusSynced Status = "synced"
	StatusAbsent Status = "absent"
)

// ReadyStateChanged notifies the owning Synchronizer that (doc, peer)'s
// status changed, so it can update its readyStates map and fire the public
// onReadyStateChange callback (spec §4.5).
type ReadyStateChanged func(doc ids.DocId, ch *channel.Record, peer ids.PeerId, status Status)

// Engine drives the four message families of spec §4.4 against a shared
// Registry, gated by a Rules Engine.
type Engine struct {
	registry *registry.Registry
	rules    *rules.Engine
	local    identity.Identity
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	onReadyStateChanged ReadyStateChanged

	status map[ids.DocId]map[ids.PeerId]Status
}

// New constructs an Engine. logger/metrics may be nil in tests.
func New(reg *registry.Registry, rulesEngine *rules.Engine, local identity.Identity, logger *logging.Logger, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		registry: reg,
		rules:    rulesEngine,
		local:    local,
		logger:   logger,
		metrics:  metrics,
		status:   make(map[ids.DocId]map[ids.PeerId]Status),
	}
}

// SetOnReadyStateChanged installs the callback invoked whenever a
// (doc, peer) status transitions.
func (e *Engine) SetOnReadyStateChanged(cb ReadyStateChanged) {
	e.onReadyStateChanged = cb
}

func (e *Engine) ctxFor(doc ids.DocId, ch *channel.Record, remote identity.Identity, hasRemote bool, op rules.Operation) rules.Context {
	return rules.Context{
		DocID:          doc,
		ChannelID:      ch.ID,
		HasChannel:     true,
		RemoteIdentity: remote,
		HasRemote:      hasRemote,
		LocalIdentity:  e.local,
		Operation:      op,
	}
}

func (e *Engine) send(ch *channel.Record, env channel.Envelope) {
	if e.metrics != nil {
		e.metrics.MessagesSent.WithLabelValues(string(env.Type)).Inc()
	}
	ch.Send(env)
}

// deny records a rules-engine denial, both in metrics and in the structured
// log, so operators can grep a single correlation id across every
// drop/deny/apply-failure site (spec: "structured logging on every state
// transition and denial").
func (e *Engine) deny(operation string, doc ids.DocId, ch *channel.Record) {
	if e.metrics != nil {
		e.metrics.DeniedByRules.WithLabelValues(operation).Inc()
	}
	if e.logger != nil {
		e.logger.WithDocID(string(doc)).WithChannelID(uint64(ch.ID)).Warn("denied by rules", zap.String("operation", operation))
	}
}

// HandleEstablish fires once a channel completes the handshake: it kicks
// off the directory probe (spec §4.4 "Directory probe").
func (e *Engine) HandleEstablish(ch *channel.Record) {
	e.send(ch, channel.Envelope{Type: channel.DirectoryRequest})
}

// HandleDirectoryRequest answers with every doc for which canReveal holds.
func (e *Engine) HandleDirectoryRequest(ch *channel.Record) {
	remote, hasRemote := ch.RemoteIdentity()
	reveal := func(id ids.DocId) bool {
		ctx := e.ctxFor(id, ch, remote, hasRemote, rules.OpReveal)
		return e.rules.CanReveal(ctx)
	}
	e.send(ch, channel.Envelope{Type: channel.DirectoryResponse, DocIDs: e.registry.Visible(reveal)})
}

// HandleDirectoryResponse records every advertised doc that is already known
// or that canCreate allows as locally known (isNew, no data yet) so
// repo.has() reports true for it, and marks the
// advertising peer "aware" of each.
func (e *Engine) HandleDirectoryResponse(ch *channel.Record, env channel.Envelope) {
	remote, hasRemote := ch.RemoteIdentity()
	if !hasRemote {
		return
	}
	for _, docID := range env.DocIDs {
		if _, existed := e.registry.Get(docID); !existed {
			ctx := e.ctxFor(docID, ch, remote, hasRemote, rules.OpCreate)
			if !e.rules.CanCreate(ctx) {
				e.deny("create", docID, ch)
				continue
			}
			e.registry.GetOrCreate(docID)
		}
		e.setStatus(docID, ch, remote.PeerID, StatusAware)
	}
}

// HandleSyncRequest runs the five-step responder algorithm of spec §4.4.
func (e *Engine) HandleSyncRequest(ch *channel.Record, env channel.Envelope) {
	if e.metrics != nil {
		e.metrics.SyncRequests.Inc()
	}
	remote, hasRemote := ch.RemoteIdentity()

	for _, reqDoc := range env.Docs {
		ds, existed := e.registry.Get(reqDoc.DocID)
		ctx := e.ctxFor(reqDoc.DocID, ch, remote, hasRemote, rules.OpCreate)

		if !existed {
			if !e.rules.CanCreate(ctx) {
				e.deny("create", reqDoc.DocID, ch)
				continue
			}
			ds, _ = e.registry.GetOrCreate(reqDoc.DocID)
		}

		revealCtx := e.ctxFor(reqDoc.DocID, ch, remote, hasRemote, rules.OpReveal)
		if !e.rules.CanReveal(revealCtx) {
			e.deny("reveal", reqDoc.DocID, ch)
			e.send(ch, channel.Envelope{Type: channel.SyncResponse, DocID: reqDoc.DocID, Transmission: &channel.Transmission{Type: channel.Absent}})
			continue
		}

		e.applyEphemeral(ds, reqDoc.Ephemeral)

		localVersion := ds.Doc.Version()
		resp := channel.Envelope{Type: channel.SyncResponse, DocID: reqDoc.DocID}

		if clock.HappensBefore(localVersion, reqDoc.RequesterVersion) {
			resp.Transmission = &channel.Transmission{Type: channel.UpToDate, Version: localVersion}
		} else {
			delta, err := ds.Doc.Export(reqDoc.RequesterVersion)
			if err != nil {
				if e.logger != nil {
					e.logger.WithDocID(string(reqDoc.DocID)).WithChannelID(uint64(ch.ID)).WithError(err).Error("export failed during sync-request")
				}
				continue
			}
			resp.Transmission = &channel.Transmission{Type: channel.Updated, Version: localVersion, Update: delta}
		}
		resp.Ephemeral = encodePresence(ds)

		e.send(ch, resp)
		ch.Subscribe(reqDoc.DocID)
		ds.SetLastKnownVersion(ch.ID, reqDoc.RequesterVersion)
		if hasRemote {
			e.setStatus(reqDoc.DocID, ch, remote.PeerID, StatusSynced)
		}
	}

	if env.Bidirectional {
		reverse := make([]channel.SyncDoc, 0, len(env.Docs))
		for _, d := range env.Docs {
			v := clock.NewVectorClock()
			if ds, ok := e.registry.Get(d.DocID); ok {
				v = ds.Doc.Version()
			}
			reverse = append(reverse, channel.SyncDoc{DocID: d.DocID, RequesterVersion: v})
		}
		e.send(ch, channel.Envelope{Type: channel.SyncRequest, Docs: reverse})
	}
}

// HandleSyncResponse applies the responder's transmission per spec §4.4.
func (e *Engine) HandleSyncResponse(ch *channel.Record, env channel.Envelope) {
	remote, hasRemote := ch.RemoteIdentity()
	if env.Transmission == nil {
		return
	}

	switch env.Transmission.Type {
	case channel.Absent:
		// The remote has nothing for this doc yet (e.g. a brand-new
		// document on its very first sync-request), but it is still
		// willing to exchange updates about it going forward, so it must
		// stay subscribed the same as UpToDate/Updated. Otherwise a
		// subsequent local commit never reaches an always-synced peer
		// (like a storage adapter) whose first answer for a new doc is
		// necessarily Absent.
		ch.Subscribe(env.DocID)
		if hasRemote {
			e.setStatus(env.DocID, ch, remote.PeerID, StatusAbsent)
		}

	case channel.UpToDate:
		if ds, ok := e.registry.Get(env.DocID); ok {
			ds.SetLastKnownVersion(ch.ID, env.Transmission.Version)
			ch.Subscribe(env.DocID)
			e.applyEphemeral(ds, env.Ephemeral)
		}
		if hasRemote {
			e.setStatus(env.DocID, ch, remote.PeerID, StatusSynced)
		}

	case channel.Updated:
		ctx := e.ctxFor(env.DocID, ch, remote, hasRemote, rules.OpAccept)
		if !e.rules.CanAccept(ctx) {
			e.deny("accept", env.DocID, ch)
			return
		}
		ds, _ := e.registry.GetOrCreate(env.DocID)
		if err := ds.Doc.Import(env.Transmission.Update); err != nil {
			if e.logger != nil {
				e.logger.WithDocID(string(env.DocID)).WithChannelID(uint64(ch.ID)).WithError(err).Error("import failed applying sync-response")
			}
			return
		}
		ds.MarkNotNew()
		ds.SetLastKnownVersion(ch.ID, env.Transmission.Version)
		ch.Subscribe(env.DocID)
		e.applyEphemeral(ds, env.Ephemeral)
		if e.metrics != nil {
			e.metrics.UpdatesApplied.Inc()
		}
		if hasRemote {
			e.setStatus(env.DocID, ch, remote.PeerID, StatusSynced)
		}
	}
}

// HandleUpdate applies an incremental update sent post-handshake (spec §4.4
// "Incremental updates").
func (e *Engine) HandleUpdate(ch *channel.Record, env channel.Envelope) {
	remote, hasRemote := ch.RemoteIdentity()
	ctx := e.ctxFor(env.DocID, ch, remote, hasRemote, rules.OpAccept)
	if !e.rules.CanAccept(ctx) {
		e.deny("accept", env.DocID, ch)
		return
	}

	ds, _ := e.registry.GetOrCreate(env.DocID)
	if ds.IsDeleted() {
		return
	}
	if err := ds.Doc.Import(env.Update); err != nil {
		if e.logger != nil {
			e.logger.WithDocID(string(env.DocID)).WithChannelID(uint64(ch.ID)).WithError(err).Error("import failed applying update")
		}
		return
	}
	ds.MarkNotNew()
	ds.SetLastKnownVersion(ch.ID, env.Version)
	e.applyEphemeral(ds, env.Ephemeral)
	if e.metrics != nil {
		e.metrics.UpdatesApplied.Inc()
	}
	if hasRemote {
		e.setStatus(env.DocID, ch, remote.PeerID, StatusSynced)
	}
}

// HandleDelete applies an inbound delete envelope if canDelete holds,
// otherwise drops it silently (spec §4.4 "Delete propagation").
func (e *Engine) HandleDelete(ch *channel.Record, env channel.Envelope) {
	remote, hasRemote := ch.RemoteIdentity()
	ctx := e.ctxFor(env.DocID, ch, remote, hasRemote, rules.OpDelete)
	if !e.rules.CanDelete(ctx) {
		e.deny("delete", env.DocID, ch)
		return
	}
	e.registry.MarkDeleted(env.DocID)
}

// HandleBatch recurses into each message of a batch envelope, dispatched by
// the owning Synchronizer via its single entry point.
func (e *Engine) HandleBatch(ch *channel.Record, env channel.Envelope, dispatch func(*channel.Record, channel.Envelope)) {
	for _, msg := range env.Messages {
		dispatch(ch, msg)
	}
}

// FanOutLocalUpdate pushes a local commit's delta to every channel
// subscribed to doc (spec §4.4 "Incremental updates"). Called by the
// Synchronizer from the document's local-update subscription.
func (e *Engine) FanOutLocalUpdate(docID ids.DocId, ds *registry.DocumentState, channels []*channel.Record) {
	_, span := tracing.StartSpan(context.Background(), "syncengine.fanOutLocalUpdate",
		attribute.String("doc.id", string(docID)),
		attribute.Int("channel.count", len(channels)),
	)
	defer span.End()

	for _, ch := range channels {
		if !ch.IsSubscribed(docID) {
			continue
		}
		since := ds.LastKnownVersion(ch.ID)
		delta, err := ds.Doc.Export(since)
		if err != nil {
			if e.logger != nil {
				e.logger.WithDocID(string(docID)).WithChannelID(uint64(ch.ID)).WithError(err).Error("export failed during fan-out")
			}
			continue
		}
		env := channel.Envelope{
			Type:      channel.UpdateType,
			DocID:     docID,
			Update:    delta,
			Version:   ds.Doc.Version(),
			Ephemeral: encodePresence(ds),
		}
		e.send(ch, env)
		ds.SetLastKnownVersion(ch.ID, ds.Doc.Version())
	}
}

// FanOutDelete pushes a delete envelope to every channel subscribed to doc.
func (e *Engine) FanOutDelete(docID ids.DocId, channels []*channel.Record) {
	for _, ch := range channels {
		if !ch.IsSubscribed(docID) {
			continue
		}
		e.send(ch, channel.Envelope{Type: channel.DeleteType, DocID: docID})
		ch.Unsubscribe(docID)
	}
}

func (e *Engine) applyEphemeral(ds *registry.DocumentState, data []byte) {
	if len(data) == 0 {
		return
	}
	_ = ds.EphemeralStore("presence").Apply(data)
}

func encodePresence(ds *registry.DocumentState) []byte {
	enc, err := ds.EphemeralStore("presence").Encode()
	if err != nil {
		return nil
	}
	return enc
}

func (e *Engine) setStatus(doc ids.DocId, ch *channel.Record, peer ids.PeerId, status Status) {
	perDoc, ok := e.status[doc]
	if !ok {
		perDoc = make(map[ids.PeerId]Status)
		e.status[doc] = perDoc
	}
	if perDoc[peer] == status {
		return
	}
	perDoc[peer] = status
	if e.logger != nil {
		e.logger.WithDocID(string(doc)).WithPeerID(string(peer)).WithChannelID(uint64(ch.ID)).Debug("ready state transition", zap.String("status", string(status)))
	}
	if e.onReadyStateChanged != nil {
		e.onReadyStateChanged(doc, ch, peer, status)
	}
}

// StatusFor returns the cached status for (doc, peer) and whether one has
// been recorded. No status is derived for a pair with no cached entry: it
// reports "" and false.
func (e *Engine) StatusFor(doc ids.DocId, peer ids.PeerId) (Status, bool) {
	perDoc, ok := e.status[doc]
	if !ok {
		return "", false
	}
	s, ok := perDoc[peer]
	return s, ok
}
