package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"realtime-service/internal/config"
	"realtime-service/internal/ws"
)

// newBackbone picks the cross-process broadcast transport named by BACKBONE.
func newBackbone(cfg config.Config, rdb redis.UniversalClient, log *zap.Logger) (ws.Backbone, func(), error) {
	switch cfg.Backbone {
	case "", "redis":
		return ws.NewRedisBackbone(rdb, "", log), func() {}, nil
	case "nats":
		nc, err := ws.DialNATS(cfg.NATSURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
		}
		return ws.NewNATSBackbone(nc, "", log), func() { _ = nc.Drain() }, nil
	case "local":
		log.Warn("local backbone: broadcasts will not reach other processes")
		return ws.NewLocalBackbone(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backbone %q", cfg.Backbone)
	}
}
