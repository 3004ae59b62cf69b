package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/api"
	"github.com/pvorotnikov/open-iot-sub001/config"
	"github.com/pvorotnikov/open-iot-sub001/definitions"
	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/health"
	"github.com/pvorotnikov/open-iot-sub001/metric"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/modules"
	"github.com/pvorotnikov/open-iot-sub001/natsclient"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/pkg/cache"
	"github.com/pvorotnikov/open-iot-sub001/pkg/tlsutil"
	"github.com/pvorotnikov/open-iot-sub001/router"
	"github.com/pvorotnikov/open-iot-sub001/rule"
	"github.com/pvorotnikov/open-iot-sub001/tag"
	"github.com/pvorotnikov/open-iot-sub001/transport"
	"github.com/pvorotnikov/open-iot-sub001/transport/memory"
	"github.com/pvorotnikov/open-iot-sub001/transport/mqtt"
	"github.com/pvorotnikov/open-iot-sub001/transport/nats"
)

// app owns every long-lived part of the process
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry

	registry *module.Registry
	stores   definitions.Stores
	broker   transport.Broker
	router   *router.Router
	ring     *router.Ring
	monitor  *health.Monitor
	admin    *api.Server

	// kvClient is set when the definition store has its own connection
	kvClient *natsclient.Client
	kv       *definitions.KVStore

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newCore installs modules and creates empty definition stores. Module
// faults here are startup faults.
func newCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
	}
	a.registry = module.NewRegistry(logger, a.metrics.CoreMetrics())

	catalog, err := modules.NewCatalog()
	if err != nil {
		return nil, err
	}
	logger.Debug("Module factories registered", "factories", catalog.Factories())

	deps := module.Dependencies{Logger: logger, Metrics: a.metrics}
	if err := a.registry.Install(ctx, catalog, cfg.Modules, deps); err != nil {
		a.shutdownModules(ctx)
		return nil, fmt.Errorf("install modules: %w", err)
	}

	tags := tag.NewCatalog()
	rules := rule.NewCatalog(tags)
	a.stores = definitions.Stores{
		Tags:      tags,
		Rules:     rules,
		Pipelines: pipeline.NewStore(a.registry, rules, cache.WithMetrics[[]string](a.metrics, "semroute_pipeline_match")),
	}
	return a, nil
}

// seedDocument reads the configured seed file, if any
func (a *app) seedDocument() (definitions.Document, bool, error) {
	path := a.cfg.Definitions.SeedFile
	if path == "" {
		return definitions.Document{}, false, nil
	}
	doc, err := definitions.LoadFile(path)
	if err != nil {
		return definitions.Document{}, false, fmt.Errorf("load definitions %s: %w", path, err)
	}
	return doc, true, nil
}

// buildBroker creates the configured transport without connecting it
func (a *app) buildBroker() error {
	core := a.metrics.CoreMetrics()
	switch a.cfg.Transport.Kind {
	case config.TransportMQTT:
		b, err := mqtt.New(a.cfg.Transport.MQTT, mqtt.WithLogger(a.logger), mqtt.WithMetrics(core))
		if err != nil {
			return fmt.Errorf("create mqtt transport: %w", err)
		}
		a.broker = b
	case config.TransportNATS:
		b, err := nats.New(a.cfg.Transport.NATS, nats.WithLogger(a.logger), nats.WithMetrics(core))
		if err != nil {
			return fmt.Errorf("create nats transport: %w", err)
		}
		a.broker = b
	case config.TransportMemory:
		a.broker = memory.New(memory.WithLogger(a.logger))
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown transport kind %q", a.cfg.Transport.Kind),
			"app", "buildBroker", "transport selection")
	}
	return nil
}

// loadDefinitions fills the stores from the KV store when enabled, seeding
// it from the seed file, or from the seed file alone otherwise
func (a *app) loadDefinitions(ctx context.Context) error {
	doc, hasSeed, err := a.seedDocument()
	if err != nil {
		return err
	}

	if !a.cfg.Definitions.KV.Enabled {
		if hasSeed {
			if err := a.stores.Apply(doc); err != nil {
				return fmt.Errorf("apply definitions: %w", err)
			}
			a.logger.Info("Definitions loaded", "source", a.cfg.Definitions.SeedFile, "records", doc.Len())
		}
		return nil
	}

	client, err := a.definitionsClient(ctx)
	if err != nil {
		return err
	}
	a.kv, err = definitions.NewKVStore(ctx, client, a.stores, a.logger)
	if err != nil {
		return fmt.Errorf("open definition store: %w", err)
	}
	if hasSeed {
		if err := a.kv.Seed(ctx, doc); err != nil {
			return fmt.Errorf("seed definition store: %w", err)
		}
	}
	if err := a.kv.Start(ctx); err != nil {
		return fmt.Errorf("load definition store: %w", err)
	}
	return nil
}

// definitionsClient reuses the NATS transport connection when it points at
// the same server, otherwise it dials a dedicated one
func (a *app) definitionsClient(ctx context.Context) (*natsclient.Client, error) {
	url := a.cfg.KVURL()
	if nb, ok := a.broker.(*nats.Broker); ok && url == a.cfg.Transport.NATS.URL {
		if err := nb.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect nats transport: %w", err)
		}
		return nb.Client(), nil
	}

	opts := []natsclient.ClientOption{natsclient.WithLogger(a.logger), natsclient.WithName(appName + "-definitions")}
	if a.cfg.Transport.Kind == config.TransportNATS {
		natsCfg := a.cfg.Transport.NATS
		if natsCfg.Username != "" {
			opts = append(opts, natsclient.WithCredentials(natsCfg.Username, natsCfg.Password))
		}
		if natsCfg.Token != "" {
			opts = append(opts, natsclient.WithToken(natsCfg.Token))
		}
	}

	client, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("create definitions client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect definitions client: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("definitions connection timeout: %w", err)
	}
	a.kvClient = client
	return client, nil
}

func (a *app) buildRouter() error {
	a.ring = router.NewRing(max(a.cfg.Admin.ObservationBuffer, 1))

	r, err := router.New(a.cfg.Router, router.Dependencies{
		Modules:   a.registry,
		Pipelines: a.stores.Pipelines,
		Rules:     a.stores.Rules,
		Publisher: a.broker,
		Observer: router.Observers{
			a.ring,
			router.NewLogObserver(a.logger),
			router.NewMetricsObserver(a.metrics.CoreMetrics()),
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	a.router = r
	return nil
}

func (a *app) buildAdmin() error {
	if a.cfg.Admin.Addr == "" {
		return nil
	}
	tlsConfig, err := tlsutil.LoadServerConfig(a.cfg.Admin.TLS)
	if err != nil {
		return fmt.Errorf("admin tls: %w", err)
	}

	var persist api.Persister
	if a.kv != nil {
		persist = a.kv
	}
	service := api.NewService(a.stores, a.registry, persist, a.logger)
	checker := health.NewChecker(appName, health.Sources{
		Broker:  a.broker,
		Router:  a.router,
		Modules: a.registry,
		Monitor: a.monitor,
	})
	a.admin = api.NewServer(service, api.Options{
		Ring:    a.ring,
		Router:  a.router,
		Health:  checker,
		Metrics: a.metrics,
		TLS:     tlsConfig,
		Logger:  a.logger,
	})
	return nil
}

// start connects the broker and begins routing. Definitions are loaded
// before the first subscription so no message meets an empty pipeline set.
func (a *app) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.monitor.Track(runCtx, a.broker.Events(), a.logger)
	}()

	if err := a.loadDefinitions(runCtx); err != nil {
		return err
	}
	if err := a.buildRouter(); err != nil {
		return err
	}
	if err := a.buildAdmin(); err != nil {
		return err
	}

	if err := a.router.Start(runCtx); err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.router.Run(runCtx, a.broker.Messages())
	}()

	if err := a.broker.Subscribe(runCtx, a.cfg.Transport.Subscriptions...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if !a.broker.Connected() {
		if err := a.broker.Connect(runCtx); err != nil {
			return fmt.Errorf("connect %s transport: %w", a.broker.Name(), err)
		}
	}

	if a.admin != nil {
		if err := a.admin.Start(a.cfg.Admin.Addr); err != nil {
			return err
		}
	}

	a.logger.Info("Router ready",
		"transport", a.broker.Name(),
		"subscriptions", a.cfg.Transport.Subscriptions,
		"modules", len(a.registry.List()),
		"pipelines", a.stores.Pipelines.Len())
	return nil
}

// shutdown cancels intake first, then stops routing, then modules, then the
// links.
// Every step runs even when an earlier one fails.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.admin != nil {
		if err := a.admin.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop admin server: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	// Run and the health tracker leave on the cancelled context; nothing is
	// dispatched into the router after this point.
	a.wg.Wait()
	if a.router != nil {
		if err := a.router.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("stop router: %w", err))
		}
	}
	a.shutdownModules(ctx)

	if a.broker != nil {
		if err := a.broker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if a.kv != nil {
		a.kv.Wait()
	}
	if a.kvClient != nil {
		if err := a.kvClient.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close definitions client: %w", err))
		}
	}
	a.wg.Wait()

	return stderrors.Join(errs...)
}

func (a *app) shutdownModules(ctx context.Context) {
	if err := a.registry.ShutdownAll(ctx); err != nil {
		a.logger.Warn("Module shutdown incomplete", "error", err)
	}
}
