package crdt

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/kvconsensus/internal/config"
	"github.com/ruvnet/kvconsensus/internal/consensus"
	"github.com/ruvnet/kvconsensus/internal/metrics"
)

// pendingMessage is a received but not-yet-delivered EVENT, tracked
// until it has been acked by a majority, its sender's FIFO predecessor
// has been delivered, and every causal predecessor named in its vector
// clock has been delivered.
type pendingMessage struct {
	msg     Message
	acks    map[consensus.NodeID]bool
	timer   *time.Timer
}

// RCB is the reliable causal broadcast engine: it accepts client
// operations locally, broadcasts them as EVENT messages, collects acks,
// and delivers each message into the LWW Store once delivery
// conditions hold, retrying delivery for every other pending message
// each time one is newly delivered (the fixed-point re-scan the spec
// requires so a later causal predecessor unblocks an earlier-received
// successor already sitting in pending).
type RCB struct {
	mu     sync.Mutex
	self   consensus.NodeID
	cfg    *config.Config
	logger *zap.Logger
	m      *metrics.Metrics

	transport *Transport
	store     *Store

	// ct is this replica's own send counter; vc is the delivered vector
	// clock, incremented only on delivery (never on receipt).
	ct uint64
	vc VectorClock

	pending   map[MessageID]*pendingMessage
	delivered map[MessageID]bool
	fifoNext  map[consensus.NodeID]uint64

	waiters map[MessageID][]chan struct{}
}

// New builds an RCB engine with an all-zero vector clock.
func New(cfg *config.Config, transport *Transport, m *metrics.Metrics, logger *zap.Logger) *RCB {
	r := &RCB{
		self:      consensus.NodeID(cfg.ReplicaID),
		cfg:       cfg,
		logger:    logger,
		m:         m,
		transport: transport,
		store:     NewStore(),
		vc:        make(VectorClock),
		pending:   make(map[MessageID]*pendingMessage),
		delivered: make(map[MessageID]bool),
		fifoNext:  make(map[consensus.NodeID]uint64),
		waiters:   make(map[MessageID][]chan struct{}),
	}
	transport.OnReceive(r.handleMessage)
	return r
}

// Store exposes the delivered LWW store for the gateway's GET path and
// the anti-entropy syncer.
func (r *RCB) Store() *Store { return r.store }

// Broadcast sends a new PUT/DELETE operation to every replica
// (including self, so the delivery path is uniform for the
// originator too) and returns the assigned MessageID for the gateway
// to wait on.
func (r *RCB) Broadcast(op OpKind, key string, value int64) MessageID {
	r.mu.Lock()
	r.ct++
	seq := r.ct
	vcCopy := r.vc.Clone()
	vcCopy[r.self] = seq
	r.mu.Unlock()

	id := MessageID{Origin: r.self, Seq: seq}
	msg := Message{
		Kind:   EventMessage,
		ID:     id,
		Sender: r.self,
		VC:     vcCopy,
		Op:     op,
		Key:    key,
		Value:  value,
	}
	r.sendToAllIncludingSelf(msg)
	r.trackPending(msg)
	return id
}

func (r *RCB) sendToAllIncludingSelf(msg Message) {
	r.transport.Send(r.self, msg)
	for _, peer := range r.transport.Peers() {
		r.transport.Send(peer, msg)
	}
}

// WaitDelivered blocks until id has been delivered into the store, or
// done closes. Returns false in the latter case.
func (r *RCB) WaitDelivered(id MessageID, done <-chan struct{}) bool {
	r.mu.Lock()
	if r.delivered[id] {
		r.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-done:
		return false
	}
}

func (r *RCB) trackPending(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[msg.ID]; exists {
		return
	}
	p := &pendingMessage{msg: msg, acks: make(map[consensus.NodeID]bool)}
	p.acks[r.self] = true
	p.timer = time.AfterFunc(r.cfg.RetransmitInterval, func() { r.retransmit(msg.ID) })
	r.pending[msg.ID] = p
}

func (r *RCB) retransmit(id MessageID) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	msg := p.msg
	p.timer.Reset(r.cfg.RetransmitInterval)
	r.mu.Unlock()

	if r.m != nil {
		r.m.RCBRetransmits.Inc()
	}
	r.logger.Debug("retransmitting pending event", zap.String("id", id.String()))
	r.sendToAllIncludingSelf(msg)
}

// handleMessage dispatches an inbound datagram by kind.
func (r *RCB) handleMessage(from consensus.NodeID, msg Message) {
	switch msg.Kind {
	case EventMessage:
		r.onEvent(from, msg)
	case SyncMessage:
		r.onSync(msg)
	}
}

// onEvent records receipt of an EVENT. There is no separate
// acknowledgement message: the set of replicas that have directly
// delivered a copy of this datagram to us — tracked as acks, keyed by
// whoever sent us each copy — doubles as the acknowledgement set, and
// a replica seeing the message for the first time relays it once to
// every peer so the ack set still reaches majority (and every replica
// still receives the message at all) even if the originator crashes
// right after its initial send.
func (r *RCB) onEvent(from consensus.NodeID, msg Message) {
	r.mu.Lock()
	if r.delivered[msg.ID] {
		r.mu.Unlock()
		return
	}
	p, exists := r.pending[msg.ID]
	if !exists {
		p = &pendingMessage{msg: msg, acks: map[consensus.NodeID]bool{r.self: true, from: true}}
		p.timer = time.AfterFunc(r.cfg.RetransmitInterval, func() { r.retransmit(msg.ID) })
		r.pending[msg.ID] = p
		r.mu.Unlock()
		r.relay(msg)
	} else {
		p.acks[from] = true
		r.mu.Unlock()
	}
	r.tryDeliverAll()
}

// relay forwards msg to every other replica exactly once, on first
// receipt, per spec §4.6. Sender is rewritten to this replica before
// forwarding — matching the original's _processMessage, which sets
// msg.sender = self.id on relay — so a peer's ack set accumulates
// distinct relayers instead of crediting the same origin id on every
// hop; msg.ID.Origin (never rewritten) remains the authoritative
// attribution for LWW conflict resolution.
func (r *RCB) relay(msg Message) {
	relayed := msg
	relayed.Sender = r.self
	for _, peer := range r.transport.Peers() {
		r.transport.Send(peer, relayed)
	}
}

// onSync merges a remote full-state snapshot directly into the store,
// bypassing causal ordering entirely — anti-entropy exists precisely
// to repair state lost by the ordered path, so it cannot depend on it.
func (r *RCB) onSync(msg Message) {
	if msg.Snapshot == nil {
		return
	}
	r.store.MergeSnapshot(*msg.Snapshot)
}

// tryDeliverAll re-scans every pending message and delivers whichever
// now satisfy the delivery condition, repeating until a pass delivers
// nothing — the fixed point that lets an out-of-order arrival unblock
// once its predecessor finally lands.
func (r *RCB) tryDeliverAll() {
	for {
		delivered := r.tryDeliverOnePass()
		if !delivered {
			return
		}
	}
}

func (r *RCB) tryDeliverOnePass() bool {
	r.mu.Lock()
	candidates := make([]*pendingMessage, 0, len(r.pending))
	for _, p := range r.pending {
		candidates = append(candidates, p)
	}
	r.mu.Unlock()

	for _, p := range candidates {
		if r.tryDeliverOne(p) {
			return true
		}
	}
	return false
}

func (r *RCB) tryDeliverOne(p *pendingMessage) bool {
	r.mu.Lock()
	if r.delivered[p.msg.ID] {
		r.mu.Unlock()
		return false
	}
	if len(p.acks) < r.cfg.Majority() {
		r.mu.Unlock()
		return false
	}
	if p.msg.ID.Seq != r.fifoNext[p.msg.ID.Origin]+1 {
		r.mu.Unlock()
		return false
	}
	for node, count := range p.msg.VC {
		if node == p.msg.ID.Origin {
			continue
		}
		if r.vc[node] < count {
			r.mu.Unlock()
			return false
		}
	}
	r.mu.Unlock()

	r.deliver(p)
	return true
}

func (r *RCB) deliver(p *pendingMessage) {
	r.mu.Lock()
	if r.delivered[p.msg.ID] {
		r.mu.Unlock()
		return
	}
	r.delivered[p.msg.ID] = true
	r.fifoNext[p.msg.ID.Origin] = p.msg.ID.Seq
	r.vc[p.msg.ID.Origin] = p.msg.ID.Seq
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(r.pending, p.msg.ID)
	waiters := r.waiters[p.msg.ID]
	delete(r.waiters, p.msg.ID)
	msg := p.msg
	r.mu.Unlock()

	// msg.ID.Origin, not msg.Sender, identifies who produced this write:
	// Sender names whichever replica this particular copy arrived from
	// (the origin on a direct send, a relayer on a forwarded copy).
	switch msg.Op {
	case PutOp:
		r.store.Put(msg.Key, msg.ID.Origin, msg.VC, msg.Value)
	case DeleteOp:
		r.store.Delete(msg.Key, msg.ID.Origin, msg.VC)
	}
	if r.m != nil {
		r.m.RCBDelivered.Inc()
	}
	for _, ch := range waiters {
		close(ch)
	}
}

// Stop releases every pending retransmit timer.
func (r *RCB) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
}
