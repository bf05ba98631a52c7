package raft

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

// newTestCluster wires three replicas with aggressively short timeouts
// so an election and a few commits happen well within a test timeout.
func newTestCluster(t *testing.T) ([]*Raft, func()) {
	t.Helper()
	ids := []config.ReplicaID{"1", "2", "3"}
	table := config.AddressTable{}
	for _, id := range ids {
		table[id] = config.Address{Host: "127.0.0.1", Port: freeUDPPort(t)}
	}

	var replicas []*Raft
	var transports []*Transport
	for _, id := range ids {
		cfg := &config.Config{
			ReplicaID:           id,
			Addresses:           table,
			ElectionTimeoutMin:  30 * time.Millisecond,
			ElectionTimeoutMax:  60 * time.Millisecond,
			HeartbeatInterval:   10 * time.Millisecond,
			DatagramTimeout:     20 * time.Millisecond,
		}
		logger := zaptest.NewLogger(t)
		transport, err := NewTransport(consensus.NodeID(id), table, cfg.DatagramTimeout, logger)
		require.NoError(t, err)
		r := New(cfg, transport, metrics.New("test_"+string(id)), logger)
		replicas = append(replicas, r)
		transports = append(transports, transport)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, r := range replicas {
		r.Start(ctx)
	}

	cleanup := func() {
		cancel()
		for _, r := range replicas {
			r.Stop()
		}
	}
	return replicas, cleanup
}

func TestCluster_ElectsExactlyOneLeader(t *testing.T) {
	replicas, cleanup := newTestCluster(t)
	defer cleanup()

	require.Eventually(t, func() bool {
		leaders := 0
		for _, r := range replicas {
			if r.IsLeader() {
				leaders++
			}
		}
		return leaders == 1
	}, 2*time.Second, 10*time.Millisecond, "expected exactly one leader to emerge")
}

func TestCluster_ProposeCommitsOnMajority(t *testing.T) {
	replicas, cleanup := newTestCluster(t)
	defer cleanup()

	var leader *Raft
	require.Eventually(t, func() bool {
		for _, r := range replicas {
			if r.IsLeader() {
				leader = r
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	index, ok := leader.Propose(consensus.PutEvent, "counter", 7)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, leader.WaitCommitted(ctx, index))

	require.Eventually(t, func() bool {
		v, found := leader.StateMachine().Get("counter")
		return found && v == 7
	}, 2*time.Second, 10*time.Millisecond)
}
