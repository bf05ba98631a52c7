// Package logging builds the zap logger used across both services,
// replacing the reference implementation's logging.conf-driven
// logging.info/critical calls with structured fields.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap logger tagged with the replica's
// service and id, so every line emitted by the consensus or CRDT
// engine can be attributed to a specific process in a multi-replica
// log stream.
func New(service, replicaID string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service), zap.String("replica", replicaID)), nil
}
