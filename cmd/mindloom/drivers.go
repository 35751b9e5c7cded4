package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/config"
	"github.com/moosh3/mindloom/pkg/runstore"
)

// openStore and openBus are shared by serve and worker so both processes
// resolve drivers from the same configuration.

func openStore(ctx context.Context, cfg *config.Config) (runstore.Store, error) {
	switch cfg.Store.Driver {
	case "bolt":
		return runstore.NewBoltStore(cfg.Store.DataDir)
	case "postgres":
		return runstore.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openBus(ctx context.Context, cfg *config.Config) (bus.Bus, error) {
	opts := []bus.Option{bus.WithSubscriberBuffer(cfg.Bus.ResultChannelBuffer)}
	switch cfg.Bus.Driver {
	case "memory":
		return bus.NewMemoryBus(opts...), nil
	case "redis":
		ropts, err := redis.ParseURL(cfg.Bus.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return bus.NewRedisBus(ctx, redis.NewClient(ropts), opts...)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}
