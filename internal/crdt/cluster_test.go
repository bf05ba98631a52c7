package crdt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/kvconsensus/internal/config"
	"github.com/ruvnet/kvconsensus/internal/consensus"
	"github.com/ruvnet/kvconsensus/internal/metrics"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func newTestCluster(t *testing.T) ([]*RCB, func()) {
	t.Helper()
	ids := []config.ReplicaID{"1", "2", "3"}
	table := config.AddressTable{}
	for _, id := range ids {
		table[id] = config.Address{Host: "127.0.0.1", Port: freeUDPPort(t)}
	}

	var engines []*RCB
	var transports []*Transport
	for _, id := range ids {
		cfg := &config.Config{
			ReplicaID:           id,
			Addresses:           table,
			RetransmitInterval:  200 * time.Millisecond,
			AntiEntropyInterval: time.Hour,
			DatagramTimeout:     20 * time.Millisecond,
		}
		logger := zaptest.NewLogger(t)
		transport, err := NewTransport(consensus.NodeID(id), table, cfg.DatagramTimeout, logger)
		require.NoError(t, err)
		engine := New(cfg, transport, metrics.New("test_"+string(id)), logger)
		engines = append(engines, engine)
		transports = append(transports, transport)
	}
	for _, tr := range transports {
		tr.Start()
	}

	cleanup := func() {
		for _, tr := range transports {
			tr.Stop()
		}
	}
	return engines, cleanup
}

func TestCluster_BroadcastDeliversToAllReplicas(t *testing.T) {
	engines, cleanup := newTestCluster(t)
	defer cleanup()

	id := engines[0].Broadcast(PutOp, "x", 42)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, engines[0].WaitDelivered(id, ctx.Done()))

	for _, e := range engines {
		require.Eventually(t, func() bool {
			v, ok := e.Store().Get("x")
			return ok && v == 42
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestCluster_FIFOOrderPerSenderIsPreserved(t *testing.T) {
	engines, cleanup := newTestCluster(t)
	defer cleanup()

	engines[0].Broadcast(PutOp, "x", 1)
	id2 := engines[0].Broadcast(PutOp, "x", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, engines[0].WaitDelivered(id2, ctx.Done()))

	for _, e := range engines {
		require.Eventually(t, func() bool {
			v, ok := e.Store().Get("x")
			return ok && v == 2
		}, 2*time.Second, 10*time.Millisecond)
	}
}
