package crdt

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/kvconsensus/internal/config"
	"github.com/ruvnet/kvconsensus/internal/metrics"
)

// AntiEntropy periodically broadcasts this replica's full LWW store so
// that a datagram lost on the ordered RCB path does not leave replicas
// diverged forever. The merge on the receiving side goes through the
// same idempotent, commutative acceptance rule as a live delivery, so
// running this on every replica at an uncoordinated interval still
// converges. Grounded on the teacher's CRDTSynchronizer's syncTicker.
type AntiEntropy struct {
	cfg       *config.Config
	rcb       *RCB
	transport *Transport
	m         *metrics.Metrics
	logger    *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAntiEntropy builds a syncer for rcb's store, broadcasting over
// transport at cfg.AntiEntropyInterval.
func NewAntiEntropy(cfg *config.Config, rcb *RCB, transport *Transport, m *metrics.Metrics, logger *zap.Logger) *AntiEntropy {
	return &AntiEntropy{
		cfg:       cfg,
		rcb:       rcb,
		transport: transport,
		m:         m,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the periodic broadcast loop in the background.
func (a *AntiEntropy) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.AntiEntropyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.round()
			}
		}
	}()
}

// Stop ends the broadcast loop.
func (a *AntiEntropy) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *AntiEntropy) round() {
	snap := a.rcb.Store().Snapshot()
	msg := Message{Kind: SyncMessage, Sender: a.rcb.self, Snapshot: &snap}
	for _, peer := range a.transport.Peers() {
		a.transport.Send(peer, msg)
	}
	if a.m != nil {
		a.m.AntiEntropyRuns.Inc()
	}
	a.logger.Debug("anti-entropy round broadcast",
		zap.Int("inserts", len(snap.Inserts)), zap.Int("tombstones", len(snap.Tombstones)))
}
