package crdt

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/kvconsensus/internal/config"
	"github.com/ruvnet/kvconsensus/internal/consensus"
	"github.com/ruvnet/kvconsensus/internal/metrics"
)

const shutdownGrace = 5 * time.Second

// App wires the UDP transport, the RCB engine, the anti-entropy
// syncer and the HTTP client gateway into one replica process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	m      *metrics.Metrics

	transport   *Transport
	rcb         *RCB
	antiEntropy *AntiEntropy
	server      *http.Server
}

// NewApp constructs an App for cfg, binding its UDP transport
// immediately so callers learn about a port conflict before Start.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	m := metrics.New("crdt")
	transport, err := NewTransport(consensus.NodeID(cfg.ReplicaID), cfg.Addresses, cfg.DatagramTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("bind udp transport: %w", err)
	}
	engine := New(cfg, transport, m, logger)
	antiEntropy := NewAntiEntropy(cfg, engine, transport, m, logger)
	router := NewRouter(engine, m, logger)

	return &App{
		cfg:         cfg,
		logger:      logger,
		m:           m,
		transport:   transport,
		rcb:         engine,
		antiEntropy: antiEntropy,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler: router,
		},
	}, nil
}

// Run starts the RCB engine, anti-entropy syncer and HTTP gateway,
// serving until ctx is cancelled, then shuts all of them down.
func (a *App) Run(ctx context.Context) error {
	a.transport.Start()
	defer a.transport.Stop()
	a.antiEntropy.Start()
	defer a.antiEntropy.Stop()
	defer a.rcb.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("client gateway listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
