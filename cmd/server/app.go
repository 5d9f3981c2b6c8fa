package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/warp/visit-engine/config"
	"github.com/warp/visit-engine/logging"
	"github.com/warp/visit-engine/notify"
	"github.com/warp/visit-engine/planner"
	"github.com/warp/visit-engine/store/sqlite"
	"github.com/warp/visit-engine/visit"
	memstore "github.com/warp/visit-engine/visit/store"
)

// app holds the wired engine shared by every command.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	loc         *time.Location
	store       visit.TxStore
	seeder      visit.DonorWriter
	generator   *planner.Generator
	coordinator *planner.Coordinator
	dispatcher  *planner.Dispatcher

	closers []func() error
}

// loadApp reads configuration, applies the --db override and wires the app.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.Database.Path = flagDB
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Service)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return newApp(ctx, cfg, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	loc, err := cfg.Scheduling.Location()
	if err != nil {
		return nil, err
	}
	a.loc = loc

	var donors visit.DonorStore
	if cfg.Database.Path != "" {
		s, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.store, a.seeder, donors = s, s, s
		logger.Info("using sqlite store", zap.String("path", cfg.Database.Path))
	} else {
		m := memstore.NewMemory()
		a.store, a.seeder, donors = m, m, m
		logger.Info("using in-memory store")
	}

	notifier := a.notifier(ctx)

	rate, err := cfg.Rewards.FlatRate()
	if err != nil {
		a.Close()
		return nil, err
	}
	tieBreak, err := planner.ParseTieBreak(cfg.Scheduling.TieBreak)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.generator = planner.NewGenerator(donors, a.store, logger,
		planner.WithPolicy(planner.Policy{
			TieBreak:          tieBreak,
			CutoffDays:        cfg.Scheduling.CutoffDays,
			DefaultMaxPerWeek: cfg.Scheduling.DefaultMaxPerWeek,
			SlotConcurrency:   cfg.Scheduling.SlotConcurrency,
			Location:          loc,
			ClaimTimeout:      cfg.Scheduling.ClaimTimeout,
		}),
		planner.WithNotifier(notifier),
	)
	a.coordinator = planner.NewCoordinator(a.store, logger,
		planner.WithRewards(rate),
		planner.WithCoordinatorNotifier(notifier),
		planner.WithLocation(loc),
	)
	a.dispatcher = planner.NewDispatcher(a.generator, a.coordinator, logger)
	return a, nil
}

// notifier always logs events and also publishes them to Redis when
// notify.redis_addr is set and reachable.
func (a *app) notifier(ctx context.Context) notify.Notifier {
	out := notify.Multi{notify.NewLog(a.logger)}

	nc := a.cfg.Notify
	if nc.RedisAddr == "" {
		return out
	}

	client := redis.NewClient(&redis.Options{
		Addr:     nc.RedisAddr,
		Password: nc.RedisPassword,
		DB:       nc.RedisDB,
	})
	stream := notify.NewStream(client, nc.Stream, nc.MaxLen)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stream.Ping(pingCtx); err != nil {
		a.logger.Warn("redis unreachable, events are only logged", zap.String("addr", nc.RedisAddr), zap.Error(err))
		_ = client.Close()
		return out
	}

	a.closers = append(a.closers, client.Close)
	a.logger.Info("publishing events to redis stream", zap.String("addr", nc.RedisAddr), zap.String("stream", nc.Stream))
	return append(out, stream)
}

// requirePersistent rejects one-shot commands against the in-memory store,
// whose data would vanish when the command exits.
func (a *app) requirePersistent() error {
	if a.cfg.Database.Path == "" {
		return errors.New("this command needs a database: set --db or db.path")
	}
	return nil
}

// Close releases the store and the Redis client, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
