package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ethpandaops/dbbenchoor/pkg/archive"
	"github.com/ethpandaops/dbbenchoor/pkg/config"
	"github.com/ethpandaops/dbbenchoor/pkg/launcher"
	"github.com/ethpandaops/dbbenchoor/pkg/runner"
	"github.com/ethpandaops/dbbenchoor/pkg/sink"
	"github.com/ethpandaops/dbbenchoor/pkg/target"
)

// stack holds the components shared by serve and run.
type stack struct {
	store       sink.Store
	hub         *sink.Hub
	redis       *redis.Client
	relay       *sink.RedisRelay
	archiver    archive.Archiver
	coordinator runner.Coordinator

	stops []func() error
}

// startStack opens the sink, wires notifications and archiving, and starts
// the coordinator. With relay set, envelopes published through Redis by any
// process are delivered to the local hub.
func startStack(ctx context.Context, cfg *config.Config, relay bool) (*stack, error) {
	s := &stack{hub: sink.NewHub(log, cfg.Notify.Buffer)}

	s.store = sink.NewStore(log, &cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	s.stops = append(s.stops, s.store.Stop)

	var publisher sink.Publisher = s.hub

	if cfg.Notify.Redis.Enabled {
		s.redis = sink.NewRedisClient(&cfg.Notify.Redis)
		s.stops = append(s.stops, s.redis.Close)

		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.stop()

			return nil, fmt.Errorf("connecting to redis: %w", err)
		}

		// The relay feeds the hub, so publishing to Redis alone reaches
		// local observers exactly once.
		publisher = sink.NewRedisPublisher(s.redis, cfg.Notify.Redis.Channel)

		if relay {
			s.relay = sink.NewRedisRelay(log, s.redis, cfg.Notify.Redis.Channel, s.hub)
			if err := s.relay.Start(ctx); err != nil {
				s.stop()

				return nil, fmt.Errorf("starting redis relay: %w", err)
			}

			s.stops = append(s.stops, s.relay.Stop)
		}
	}

	if cfg.Archive.S3.Enabled {
		s.archiver = archive.NewS3(log, &cfg.Archive.S3)
		if err := s.archiver.Preflight(ctx); err != nil {
			s.stop()

			return nil, fmt.Errorf("checking archive bucket: %w", err)
		}
	}

	s.coordinator = runner.NewCoordinator(log, &runner.Config{
		WorkDir:  cfg.Global.WorkDir,
		Defaults: cfg.Defaults,
		Targets:  cfg.Targets,
	}, s.store, publisher, launcher.New(log), target.New, s.archiver)

	if err := s.coordinator.Start(ctx); err != nil {
		s.stop()

		return nil, fmt.Errorf("starting coordinator: %w", err)
	}

	s.stops = append(s.stops, s.coordinator.Stop)

	return s, nil
}

// stop tears components down in reverse start order.
func (s *stack) stop() {
	for i := len(s.stops) - 1; i >= 0; i-- {
		if err := s.stops[i](); err != nil {
			log.WithError(err).Warn("Failed to stop component")
		}
	}

	s.stops = nil
}
