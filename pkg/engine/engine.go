// Package engine implements the ArxLink sync protocol: a per-node actor
// that drives discovery, parent election, and topology synchronization over
// an opaque transport, owning exactly one mesh.Topology.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"arxlink/pkg/crypto/sign"
	"arxlink/pkg/mesh"
	"arxlink/pkg/peercache"
	"arxlink/pkg/protocol"
	"arxlink/pkg/protocol/codec"
	"arxlink/pkg/transport"
)

// State is the protocol state of a node.
type State string

const (
	StateDiscovering State = "discovering"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateSyncing     State = "syncing"
	StateError       State = "error"
)

// Engine errors surfaced to callers.
var (
	ErrUnknownNode = errors.New("engine: unknown destination node")
	ErrNoRoute     = errors.New("engine: no route to destination")
	ErrNoResponse  = errors.New("engine: no response")
	ErrNotStarted  = errors.New("engine: not started")
)

// Config tunes one engine. Zero values select the protocol defaults.
type Config struct {
	NodeID       string
	Address      string
	Capabilities []string
	Metadata     map[string]string

	HeartbeatInterval time.Duration // default 10s
	SyncInterval      time.Duration // default 30s
	CleanupInterval   time.Duration // default 60s
	DiscoveryWindow   time.Duration // default 60s
	ResponseTimeout   time.Duration // default 5s
	StaleTimeout      time.Duration // default 5m
	RouteTimeout      time.Duration // default 5m

	MaxHops       int // default 15
	ChildCapacity int // default 8
	MessageTTL    int // default 10

	// SeedMaxAge bounds how old a cached peer address may be to still be
	// used for warm-start discovery.
	SeedMaxAge time.Duration // default 24h
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = 60 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 5 * time.Minute
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = 5 * time.Minute
	}
	if c.MaxHops <= 0 {
		c.MaxHops = mesh.DefaultMaxHops
	}
	if c.ChildCapacity <= 0 {
		c.ChildCapacity = 8
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = protocol.DefaultTTL
	}
	if c.SeedMaxAge <= 0 {
		c.SeedMaxAge = 24 * time.Hour
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = []string{"sync", "route", "forward"}
	}
	return c
}

// DataHandler consumes a delivered data payload addressed to this node.
type DataHandler func(source string, data protocol.DataPayload)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithSessionKey arms HMAC signing and verification with the given session
// key. Without it the engine runs in bootstrap mode and accepts unsigned
// messages.
func WithSessionKey(key []byte) Option {
	return func(e *Engine) { e.signer = sign.New(key) }
}

// WithCodec overrides the default CBOR wire codec.
func WithCodec(c codec.Codec) Option {
	return func(e *Engine) { e.codec = c }
}

// WithPeerCache attaches a warm-start peer address cache.
func WithPeerCache(c *peercache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// Engine is the per-node sync protocol actor. The topology it owns is only
// ever mutated with e.mu held; read-only access for callers goes through
// Status.
type Engine struct {
	cfg   Config
	log   *zap.Logger
	tr    transport.Transport
	codec codec.Codec

	signer *sign.Signer
	cache  *peercache.Cache

	mu            sync.Mutex
	topo          *mesh.Topology
	state         State
	seq           uint64
	arrival       []string
	arrivalSeen   map[string]struct{}
	peerSeq       map[string]uint64
	pending       map[string]chan protocol.SyncMessage
	dataHandlers  map[string]DataHandler
	lastSync      time.Time
	rediscovering bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine. The logger is required; pass zap.NewNop() to silence.
func New(cfg Config, tr transport.Transport, log *zap.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if cfg.Address == "" {
		cfg.Address = tr.LocalAddr()
	}
	e := &Engine{
		cfg:          cfg,
		log:          log.Named("engine").With(zap.String("node", cfg.NodeID)),
		tr:           tr,
		codec:        codec.MustCBOR(),
		topo:         mesh.New(mesh.Options{MaxHops: cfg.MaxHops, RouteTimeout: cfg.RouteTimeout}),
		state:        StateDiscovering,
		arrivalSeen:  make(map[string]struct{}),
		peerSeq:      make(map[string]uint64),
		pending:      make(map[string]chan protocol.SyncMessage),
		dataHandlers: make(map[string]DataHandler),
	}
	for _, o := range opts {
		o(e)
	}
	e.topo.AddNode(mesh.NodeInfo{
		ID:           cfg.NodeID,
		Address:      cfg.Address,
		LastSeen:     time.Now().UTC(),
		Capabilities: cfg.Capabilities,
		Metadata:     cfg.Metadata,
	})
	return e
}

// RegisterDataHandler installs the consumer for delivered data payloads of
// the given kind. Must be called before Start.
func (e *Engine) RegisterDataHandler(kind string, h DataHandler) {
	e.mu.Lock()
	e.dataHandlers[kind] = h
	e.mu.Unlock()
}

// SetTelemetry updates the local battery/signal readings advertised in
// heartbeats.
func (e *Engine) SetTelemetry(battery *float64, signal *int) {
	e.mu.Lock()
	e.topo.UpdateNode(e.cfg.NodeID, mesh.NodeUpdate{BatteryLevel: battery, SignalStrength: signal})
	e.mu.Unlock()
}

// Start launches the inbound loop and the state machine. It returns
// immediately; use Stop to shut down.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx, e.cancel = runCtx, cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.receiveLoop(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.run(runCtx)
	}()
}

// Stop cancels all loops and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
}

// run drives the startup state machine, then launches the periodic loops.
func (e *Engine) run(ctx context.Context) {
	e.discover(ctx)
	if ctx.Err() != nil {
		return
	}
	e.establishConnections(ctx)
	if ctx.Err() != nil {
		return
	}

	for _, loop := range []func(context.Context){e.heartbeatLoop, e.syncLoop, e.cleanupLoop} {
		loop := loop
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			loop(ctx)
		}()
	}
}

// discover broadcasts a DISCOVERY announcement, unicasts it at cached peer
// addresses, and collects replies for the discovery window.
func (e *Engine) discover(ctx context.Context) {
	e.setState(StateDiscovering)
	e.log.Info("starting discovery", zap.Duration("window", e.cfg.DiscoveryWindow))

	msg := protocol.NewMessage(protocol.TypeDiscovery, e.cfg.NodeID, "", protocol.Payload{
		Discovery: e.selfAnnouncement(),
	})
	msg.TTL = e.cfg.MessageTTL
	if err := e.send(ctx, msg); err != nil {
		e.log.Warn("discovery broadcast failed", zap.Error(err))
	}
	e.seedDiscovery(ctx)

	select {
	case <-ctx.Done():
	case <-time.After(e.cfg.DiscoveryWindow):
	}
}

// seedDiscovery unicasts the announcement at addresses remembered from a
// previous run.
func (e *Engine) seedDiscovery(ctx context.Context) {
	if e.cache == nil {
		return
	}
	seeds, err := e.cache.Seeds(e.cfg.SeedMaxAge)
	if err != nil {
		e.log.Warn("peer cache read failed", zap.Error(err))
		return
	}
	for _, s := range seeds {
		if s.NodeID == e.cfg.NodeID {
			continue
		}
		msg := protocol.NewMessage(protocol.TypeDiscovery, e.cfg.NodeID, "", protocol.Payload{
			Discovery: e.selfAnnouncement(),
		})
		msg.TTL = e.cfg.MessageTTL
		frame, err := e.seal(&msg)
		if err != nil {
			continue
		}
		if err := e.tr.Send(ctx, s.Address, frame); err != nil {
			e.log.Debug("seed discovery send failed", zap.String("peer", s.NodeID), zap.Error(err))
		}
	}
	if len(seeds) > 0 {
		e.log.Info("seeded discovery from cache", zap.Int("seeds", len(seeds)))
	}
}

// establishConnections ranks candidate parents and requests adoption until
// one accepts; with no acceptance the node promotes itself to gateway.
func (e *Engine) establishConnections(ctx context.Context) {
	e.setState(StateConnecting)

	for _, parentID := range e.rankParents() {
		if ctx.Err() != nil {
			return
		}
		if e.connectToParent(ctx, parentID) {
			e.setState(StateConnected)
			return
		}
	}

	e.mu.Lock()
	gw := true
	hop := 0
	e.topo.UpdateNode(e.cfg.NodeID, mesh.NodeUpdate{IsGateway: &gw, HopCount: &hop})
	e.mu.Unlock()
	e.log.Info("no parent accepted, promoted to gateway")
	e.setState(StateConnected)
}

// rankParents orders candidates gateways-first, then by discovery arrival.
func (e *Engine) rankParents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var gateways, others []string
	for _, id := range e.arrival {
		n, ok := e.topo.Node(id)
		if !ok || id == e.cfg.NodeID {
			continue
		}
		if n.IsGateway {
			gateways = append(gateways, id)
		} else {
			others = append(others, id)
		}
	}
	return append(gateways, others...)
}

func (e *Engine) connectToParent(ctx context.Context, parentID string) bool {
	req := protocol.NewMessage(protocol.TypeSyncRequest, e.cfg.NodeID, parentID, protocol.Payload{
		SyncRequest: &protocol.SyncRequestPayload{
			Action:       protocol.ActionConnect,
			NodeID:       e.cfg.NodeID,
			Capabilities: e.cfg.Capabilities,
		},
	})
	req.TTL = e.cfg.MessageTTL

	resp, err := e.sendWithResponse(ctx, req)
	if err != nil {
		e.log.Debug("connect attempt failed", zap.String("parent", parentID), zap.Error(err))
		return false
	}
	sr := resp.Payload.SyncResponse
	if sr == nil || sr.Status != protocol.StatusAccepted {
		reason := ""
		if sr != nil {
			reason = sr.Reason
		}
		e.log.Debug("connect rejected", zap.String("parent", parentID), zap.String("reason", reason))
		return false
	}

	// The response carries the parent's own hop count; discovery
	// announcements do not, so this is the authoritative value.
	e.mu.Lock()
	parentHop := sr.HopCount
	hop := parentHop + 1
	pid := parentID
	e.topo.UpdateNode(parentID, mesh.NodeUpdate{HopCount: &parentHop})
	e.topo.UpdateNode(e.cfg.NodeID, mesh.NodeUpdate{ParentID: &pid, HopCount: &hop})
	e.mu.Unlock()

	e.log.Info("connected to parent", zap.String("parent", parentID), zap.Int("hop_count", hop))
	return true
}

func (e *Engine) selfAnnouncement() *protocol.DiscoveryPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	self, _ := e.topo.Node(e.cfg.NodeID)
	return &protocol.DiscoveryPayload{
		NodeID:         e.cfg.NodeID,
		Address:        e.cfg.Address,
		Capabilities:   e.cfg.Capabilities,
		BatteryLevel:   self.BatteryLevel,
		SignalStrength: self.SignalStrength,
		IsGateway:      self.IsGateway,
	}
}

// seal assigns the sequence number and signature and encodes the envelope.
func (e *Engine) seal(msg *protocol.SyncMessage) ([]byte, error) {
	e.mu.Lock()
	msg.Sequence = e.seq
	e.seq++
	e.mu.Unlock()
	if e.signer != nil {
		msg.Signature = e.signer.Sign(msg.SigningBase())
	}
	return e.codec.Marshal(msg)
}

// send seals the message and ships it: broadcast when DestID is empty,
// otherwise unicast at the destination's known transport address.
func (e *Engine) send(ctx context.Context, msg protocol.SyncMessage) error {
	var addr string
	if !msg.Broadcast() {
		e.mu.Lock()
		n, ok := e.topo.Node(msg.DestID)
		e.mu.Unlock()
		if !ok || n.Address == "" {
			return ErrUnknownNode
		}
		addr = n.Address
	}
	frame, err := e.seal(&msg)
	if err != nil {
		return err
	}
	if msg.Broadcast() {
		return e.tr.Broadcast(ctx, frame)
	}
	return e.tr.Send(ctx, addr, frame)
}

// SendData originates an application payload toward destination, routed hop
// by hop through the tree. Payloads addressed to this node are delivered
// locally without touching the transport.
func (e *Engine) SendData(ctx context.Context, destination string, data protocol.DataPayload) error {
	fwd := &protocol.DataForwardPayload{
		Destination:    destination,
		OriginalSource: e.cfg.NodeID,
		Data:           data,
	}
	if destination == e.cfg.NodeID {
		e.deliverData(fwd)
		return nil
	}
	e.mu.Lock()
	path, ok := e.topo.FindRoute(e.cfg.NodeID, destination)
	e.mu.Unlock()
	if !ok || len(path) < 2 {
		return ErrNoRoute
	}
	msg := protocol.NewMessage(protocol.TypeDataForward, e.cfg.NodeID, path[1], protocol.Payload{
		DataForward: fwd,
	})
	msg.TTL = e.cfg.MessageTTL
	return e.send(ctx, msg)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Info("state change", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// State returns the current protocol state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
