package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/config"
	"github.com/ariefcatur/go-pos-sync/internal/inventory"
	kafkax "github.com/ariefcatur/go-pos-sync/internal/kafka"
	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/pos"
	"github.com/ariefcatur/go-pos-sync/internal/pos/memstore"
	"github.com/ariefcatur/go-pos-sync/internal/pos/reference"
	"github.com/ariefcatur/go-pos-sync/internal/postgres"
	"github.com/ariefcatur/go-pos-sync/internal/reconcile"
	"github.com/ariefcatur/go-pos-sync/internal/redisx"
	"github.com/ariefcatur/go-pos-sync/internal/remote"
)

// app holds every long-lived component; close releases them in reverse
// order of construction.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	reg      *prometheus.Registry
	store    pos.Store
	engine   *reconcile.Engine
	dedup    reconcile.Deduper
	producer *kafkax.Producer

	db  *pgxpool.Pool
	rdb *redis.Client
}

func build(ctx context.Context, cfg config.Config, log *logrus.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, _ := orders.ParseOrderMode(cfg.OrderMode)
	seating, _ := orders.ParseSeatingMode(cfg.SeatingMode)
	policy, _ := orders.ParseRejectPolicy(cfg.RejectPolicy)

	a := &app{cfg: cfg, log: log, reg: prometheus.NewRegistry()}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		stock   inventory.Stock
		catalog reference.Catalog
		floor   reference.Floor
	)
	if cfg.PostgresDSN != "" {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "db connect")
		}
		a.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			a.close()
			return nil, err
		}
		cat := postgres.NewCatalog(db)
		a.store, stock, catalog, floor = postgres.NewStore(db), cat, cat, postgres.NewFloor(db)
		log.Info("using postgres store")
	} else {
		a.store, stock = memstore.New(), inventory.NewMemoryStock(nil)
		if len(cfg.MemoryCatalog) > 0 {
			mc, err := reference.ParseCatalog(cfg.MemoryCatalog)
			if err != nil {
				return nil, errors.Wrap(err, "MEMORY_CATALOG")
			}
			catalog = mc
		}
		if len(cfg.MemoryTables) > 0 {
			floor = reference.NewMemoryFloor(cfg.MemoryTables...)
		}
		log.WithFields(logrus.Fields{
			"catalog": len(cfg.MemoryCatalog), "tables": len(cfg.MemoryTables),
		}).Warn("POSTGRES_DSN not set, state is kept in memory")
	}

	if cfg.RedisAddr != "" {
		a.rdb = redisx.New(cfg.RedisAddr)
		if err := redisx.Ping(ctx, a.rdb); err != nil {
			a.close()
			return nil, errors.Wrap(err, "redis ping")
		}
		a.dedup = redisx.NewDeduper(a.rdb, cfg.ServiceName)
	} else {
		a.dedup = reconcile.NewMemoryDeduper()
	}

	client, err := remote.NewClient(remote.Config{
		BaseURL:         cfg.RemoteBaseURL,
		Token:           cfg.RemoteToken,
		LocationID:      cfg.LocationID,
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     cfg.RetryMax,
		RatePerSec:      cfg.RemoteRatePerSec,
	}, remote.WithLogger(log))
	if err != nil {
		a.close()
		return nil, err
	}

	ref := reference.New(a.store, catalog, inventory.New(stock, log), floor, mode, log)
	opts := []reconcile.Option{
		reconcile.WithLogger(log),
		reconcile.WithMetrics(reconcile.NewMetrics(a.reg)),
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.producer = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOutcomes, cfg.ServiceName, 1024, log)
		a.producer.Start(ctx)
		opts = append(opts, reconcile.WithPublisher(a.producer))
	}
	a.engine = reconcile.New(a.store, ref.Managers(), client, reconcile.Options{
		OrderMode:    mode,
		SeatingMode:  seating,
		RejectPolicy: policy,
	}, opts...)
	return a, nil
}

func (a *app) close() {
	if a.producer != nil {
		a.producer.Close()
		select {
		case <-waitClosed(a.producer):
		case <-time.After(5 * time.Second):
			a.log.Warn("outcome producer did not flush in time")
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func waitClosed(p *kafkax.Producer) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		p.WaitClosed()
		close(ch)
	}()
	return ch
}
