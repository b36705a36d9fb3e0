package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/dispatch"
	"github.com/deemkeen/tusk/social"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 30 * time.Second

// app holds every long-lived component of one process.
type app struct {
	conf      *util.AppConfig
	log       *zap.Logger
	db        *db.DB
	registry  *prometheus.Registry
	metrics   *activitypub.Metrics
	resolver  *activitypub.Resolver
	deliverer *activitypub.Deliverer
	service   *social.Service
}

func newApp(ctx context.Context, conf *util.AppConfig, logger *zap.Logger) (*app, error) {
	database, err := db.Open(conf.Conf.DbPath, conf.Conf.CursorSecret, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := activitypub.NewMetrics(registry)

	fed := conf.Conf.Federation
	urls := activitypub.URLs{Domain: conf.Conf.SslDomain}
	client := &http.Client{Timeout: fed.RequestTimeout}

	resolver := activitypub.NewResolver(database, urls, client, fed.ActorTTL, fed.CacheSize, logger)
	deliverer := activitypub.NewDeliverer(client, database, activitypub.DelivererConfig{
		Workers:        fed.DeliveryWorkers,
		PerHostRate:    fed.PerHostRate,
		PerHostBurst:   fed.PerHostBurst,
		RequestTimeout: fed.RequestTimeout,
	}, metrics, logger)
	engine := activitypub.NewEngine(database, resolver, deliverer, urls, fed.FanoutPageSize, fed.PagePacing, metrics, logger)

	return &app{
		conf:      conf,
		log:       logger,
		db:        database,
		registry:  registry,
		metrics:   metrics,
		resolver:  resolver,
		deliverer: deliverer,
		service:   social.NewService(database, resolver, engine, deliverer, urls, conf.Conf.KeyBits, logger),
	}, nil
}

// serve runs the web server, the dispatcher and the retry worker until ctx
// is cancelled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	server := web.NewServer(a.conf, a.service, a.resolver.PublicKey, a.db, a.registry, a.metrics, a.log)
	dispatcher := dispatch.New(a.db, a.resolver, a.service, a.conf.Conf.Queue, a.metrics, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		a.deliverer.RunRetryWorker(gctx, a.conf.Conf.Federation.RetryInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// close waits for submitted deliveries, then releases the database.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	a.deliverer.Close(ctx)
	if err := a.db.Close(); err != nil {
		a.log.Warn("Closing database", zap.Error(err))
	}
}
