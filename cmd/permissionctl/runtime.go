package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	glog "github.com/goliatone/go-logger/glog"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/bus"
	"github.com/goliatone/go-permission/eventstore"
	"github.com/goliatone/go-permission/extension"
	"github.com/goliatone/go-permission/metrics"
	"github.com/goliatone/go-permission/notify"
	"github.com/goliatone/go-permission/outbox"
	"github.com/goliatone/go-permission/process"
	"github.com/goliatone/go-permission/readmodel"
	"github.com/goliatone/go-permission/retry"
)

// runtime is the fully wired set of components for one process.
type runtime struct {
	cfg      permission.Config
	logger   permission.Logger
	events   eventstore.Store
	ledger   outbox.Ledger
	bus      *bus.Bus
	outbox   *outbox.Outbox
	readMdl  readmodel.Store
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	engine   *process.Engine
	sender   *process.Sender
	replayer *outbox.Replayer
	retry    *retry.Scheduler

	closers []func() error
}

func newLogger(level string) permission.Logger {
	return glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)
}

func loadConfig(ctx context.Context, path string) (permission.Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := permission.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return permission.LoadConfig(ctx, permission.YAMLLoader{Path: path})
}

func newRuntime(ctx context.Context, cfg permission.Config, logger permission.Logger, admin process.Administrator) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: permission.EnsureLogger(logger)}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		rt.registry = prometheus.NewRegistry()
		rt.metrics = metrics.New(rt.registry, cfg.Metrics.Namespace)
	}

	if err = rt.openEventStore(); err != nil {
		return nil, err
	}
	if err = rt.openReadModel(ctx); err != nil {
		return nil, err
	}
	notifier, err := rt.openNotifier()
	if err != nil {
		return nil, err
	}

	busOpts := []bus.Option{
		bus.WithLogger(rt.logger),
		bus.WithQueueWarnThreshold(cfg.Bus.QueueWarnThreshold),
	}
	outboxOpts := []outbox.Option{outbox.WithLogger(rt.logger)}
	retryOpts := append(retry.FromConfig(cfg.Retry), retry.WithLogger(rt.logger))
	if rt.metrics != nil {
		busOpts = append(busOpts, bus.WithMetrics(rt.metrics))
		outboxOpts = append(outboxOpts, outbox.WithMetrics(rt.metrics))
		retryOpts = append(retryOpts, retry.WithMetrics(rt.metrics))
	}
	rt.bus = bus.New(busOpts...)
	rt.closers = append(rt.closers, func() error { rt.bus.Close(); return nil })
	rt.outbox = outbox.New(rt.events, rt.bus, outboxOpts...)

	extOpts := []extension.Option{extension.WithLogger(rt.logger)}
	factories := []extension.Factory{extension.Persisting(rt.readMdl, extOpts...)}
	if notifier != nil {
		factories = append(factories, extension.Notifying(notifier, extOpts...))
	}
	rt.engine = process.NewEngine(rt.events, rt.outbox,
		process.WithLogger(rt.logger),
		process.WithExtensions(factories...),
	)
	if admin == nil {
		admin = logAdministrator{logger: rt.logger}
	}
	rt.sender = process.NewSender(rt.engine, admin, process.WithSenderLogger(rt.logger))
	rt.replayer = outbox.NewReplayer(rt.events, rt.ledger,
		outbox.WithReplayLogger(rt.logger),
		outbox.WithReplayInterval(cfg.Replay.Interval),
		outbox.WithReplayBatchSize(cfg.Replay.BatchSize),
	)
	retryOpts = append(retryOpts, retry.WithTrigger(rt.sender))
	rt.retry = retry.NewScheduler(rt.readMdl, retryOpts...)
	return rt, nil
}

func (rt *runtime) openEventStore() error {
	switch rt.cfg.Store.Driver {
	case "sqlite":
		db, err := sql.Open("sqlite3", rt.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		db.SetMaxOpenConns(1)
		rt.closers = append(rt.closers, db.Close)
		rt.events = eventstore.NewSQLiteStore(db, rt.cfg.Store.Table)
		rt.ledger = outbox.NewSQLiteLedger(db, "permission_delivery")
	default:
		rt.events = eventstore.NewInMemoryStore()
		rt.ledger = outbox.NewInMemoryLedger()
	}
	return nil
}

func (rt *runtime) openReadModel(ctx context.Context) error {
	switch rt.cfg.ReadModel.Driver {
	case "sqlite":
		sqldb, err := sql.Open("sqlite3", rt.cfg.ReadModel.DSN)
		if err != nil {
			return fmt.Errorf("open read model: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		db := bun.NewDB(sqldb, sqlitedialect.New())
		rt.closers = append(rt.closers, db.Close)
		store := readmodel.NewBunStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		rt.readMdl = store
	case "redis":
		opts, err := redis.ParseURL(rt.cfg.ReadModel.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		rt.closers = append(rt.closers, client.Close)
		rt.readMdl = readmodel.NewRedisStore(client, rt.cfg.ReadModel.KeyPrefix, 0)
	default:
		rt.readMdl = readmodel.NewInMemoryStore()
	}
	return nil
}

func (rt *runtime) openNotifier() (extension.Notifier, error) {
	switch rt.cfg.Notify.Driver {
	case "kafka":
		client, err := notify.NewKafkaClient(rt.cfg.Notify.Brokers, rt.cfg.Notify.Topic)
		if err != nil {
			return nil, fmt.Errorf("open kafka client: %w", err)
		}
		rt.closers = append(rt.closers, func() error { client.Close(); return nil })
		return notify.NewKafkaNotifier(client, rt.cfg.Notify.Topic), nil
	case "memory":
		return notify.NewRecorder(0), nil
	default:
		return nil, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// logAdministrator accepts every request and logs it. It stands in when no
// administrator endpoint is configured.
type logAdministrator struct {
	logger permission.Logger
}

func (a logAdministrator) SendToAdministrator(ctx context.Context, snap permission.Snapshot) error {
	permission.LoggerFor(ctx, a.logger, map[string]any{
		"permission_id": snap.PermissionID,
		"data_need_id":  snap.DataNeedID,
	}).Info("permission request handed to administrator")
	return nil
}
