package crdt

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/ruvnet/kvconsensus/internal/config"
	"github.com/ruvnet/kvconsensus/internal/consensus"
	"github.com/ruvnet/kvconsensus/internal/netutil"
)

// syncFrameMarker prefixes a brotli-compressed SYNC datagram so the
// receiver can tell it apart from a plain JSON EVENT datagram
// without attempting (and failing) a JSON unmarshal first.
var syncFrameMarker = []byte("BRSY")

// Transport is the UDP transport for RCB messages. EVENT messages
// travel as plain JSON; SYNC messages — which carry a full
// store snapshot and can be large — are brotli-compressed first, a
// deviation from the teacher's transports justified by the reference
// library's own 4096-byte datagram ceiling.
type Transport struct {
	self    consensus.NodeID
	addrs   config.AddressTable
	socket  *netutil.Socket
	logger  *zap.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	timeout time.Duration

	mu      sync.RWMutex
	handler func(from consensus.NodeID, msg Message)
}

// NewTransport binds a UDP socket for self's configured address.
func NewTransport(self consensus.NodeID, addrs config.AddressTable, timeout time.Duration, logger *zap.Logger) (*Transport, error) {
	addr := addrs[self]
	socket, err := netutil.Listen(addr.Host, addr.Port, logger)
	if err != nil {
		return nil, err
	}
	return &Transport{
		self:    self,
		addrs:   addrs,
		socket:  socket,
		logger:  logger,
		stopCh:  make(chan struct{}),
		timeout: timeout,
	}, nil
}

// OnReceive registers the inbound message callback. Must be called
// before Start.
func (t *Transport) OnReceive(handler func(from consensus.NodeID, msg Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Start begins the receive loop in the background.
func (t *Transport) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.socket.Serve(t.stopCh, func() error {
			return t.socket.SetReadDeadline(t.timeout)
		}, t.onDatagram)
	}()
}

// Stop closes the socket and waits for the receive loop to exit.
func (t *Transport) Stop() {
	close(t.stopCh)
	t.socket.Close()
	t.wg.Wait()
}

func (t *Transport) onDatagram(payload []byte) {
	msg, err := decodeFrame(payload)
	if err != nil {
		t.logger.Warn("dropping malformed datagram", zap.Error(err), zap.Int("size", len(payload)))
		return
	}
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler != nil {
		handler(msg.Sender, msg)
	}
}

func decodeFrame(payload []byte) (Message, error) {
	var msg Message
	if bytes.HasPrefix(payload, syncFrameMarker) {
		reader := brotli.NewReader(bytes.NewReader(payload[len(syncFrameMarker):]))
		raw, err := io.ReadAll(reader)
		if err != nil {
			return Message{}, err
		}
		err = json.Unmarshal(raw, &msg)
		return msg, err
	}
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func encodeFrame(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if msg.Kind != SyncMessage {
		return raw, nil
	}
	var buf bytes.Buffer
	buf.Write(syncFrameMarker)
	writer := brotli.NewWriter(&buf)
	if _, err := writer.Write(raw); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Send JSON-encodes (compressing SYNC payloads) and fires msg at
// target over UDP, best-effort.
func (t *Transport) Send(target consensus.NodeID, msg Message) {
	addr, ok := t.addrs[config.ReplicaID(target)]
	if !ok {
		t.logger.Warn("send to unknown replica", zap.String("target", string(target)))
		return
	}
	payload, err := encodeFrame(msg)
	if err != nil {
		t.logger.Error("failed to encode message", zap.Error(err))
		return
	}
	t.socket.SendTo(addr.Host, addr.Port, payload)
}

// Peers returns every replica id other than self.
func (t *Transport) Peers() []consensus.NodeID {
	peers := make([]consensus.NodeID, 0, len(t.addrs)-1)
	for id := range t.addrs {
		if consensus.NodeID(id) == t.self {
			continue
		}
		peers = append(peers, consensus.NodeID(id))
	}
	return peers
}
