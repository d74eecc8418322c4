package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"

	"taglocator/gateway-server/internal/command"
	"taglocator/gateway-server/internal/config"
	"taglocator/gateway-server/internal/gwserver"
	"taglocator/gateway-server/internal/ingest"
	"taglocator/gateway-server/internal/location"
	"taglocator/gateway-server/internal/metrics"
	"taglocator/gateway-server/internal/notify"
	"taglocator/gateway-server/internal/registry"
	"taglocator/gateway-server/internal/store"
	"taglocator/gateway-server/internal/tenant"
)

// App wires together the gateway server components and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	store    *store.Store
	registry *registry.Registry
	engine   *location.Engine
	gateways *gwserver.Server
	commands *command.Service
	notifier *notify.MQTTNotifier
	mdns     *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	promReg := metrics.NewRegistry()
	return &App{
		cfg:     cfg,
		logger:  logger,
		promReg: promReg,
		metrics: metrics.New(promReg),
	}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	if a.cfg.MQTTBrokerURL != "" {
		n, err := notify.Dial(a.cfg.MQTTBrokerURL, a.cfg.MQTTClientID, a.cfg.MQTTTopicPrefix, a.logger)
		if err != nil {
			a.logger.Warn("owner change notifications disabled", "error", err)
		} else {
			a.notifier = n
			defer n.Close()
		}
	}

	a.build()

	gwErrCh, err := a.gateways.Start(a.cfg.GatewayBind)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	engineCtx, stopEngine := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.engine.Run(engineCtx)
	}()

	httpErrCh := make(chan error, 2)
	servers := []*http.Server{
		a.serve("control", a.cfg.ControlBind, NewControlAPI(a.cfg.ControlSecret, a.registry, a.commands, a.ready, a.logger), httpErrCh),
	}
	if a.cfg.MetricsBind != "" {
		servers = append(servers, a.serve("metrics", a.cfg.MetricsBind, metricsMux(a.promReg), httpErrCh))
	}

	if a.cfg.ControlSecret == "" {
		a.logger.Warn("control secret not set, control API will reject all commands")
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	shutdown := func() error {
		a.stopMDNS()
		stopEngine()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
			}
		}
		if err := a.gateways.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway server shutdown: %w", err))
		}
		wg.Wait()
		a.logger.Info("servers stopped")
		return errors.Join(errs...)
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-httpErrCh:
			return errors.Join(err, shutdown())
		case err, ok := <-gwErrCh:
			if !ok {
				gwErrCh = nil
				continue
			}
			return errors.Join(err, shutdown())
		}
	}
}

// build creates the in-process components on top of the open store.
func (a *App) build() {
	a.registry = registry.New(a.logger)
	a.registry.OnChange(func(count int) {
		a.metrics.GatewaysRegistered.Set(float64(count))
	})

	resolver := tenant.NewResolver(a.store, a.logger, a.metrics)
	modes := tenant.NewModeCache(a.store, a.cfg.ModeTTL)

	var notifier location.Notifier
	if a.notifier != nil {
		notifier = a.notifier
	}
	a.engine = location.New(a.store, modes, notifier, a.logger, a.metrics, location.Options{
		Interval:  a.cfg.BatchInterval,
		Window:    a.cfg.DecisionWindow,
		Retention: a.cfg.Retention,
	})

	dispatcher := ingest.NewDispatcher(a.store, resolver, a.engine, a.registry, a.logger, a.metrics, ingest.Options{
		SendTimeout: a.cfg.SendTimeout,
	})
	a.gateways = gwserver.New(dispatcher, a.logger, a.metrics, gwserver.Options{
		Path:                a.cfg.GatewayPath,
		RegistrationTimeout: a.cfg.RegistrationTimeout,
		WriteTimeout:        a.cfg.SendTimeout,
	})
	a.commands = command.NewService(a.registry, a.logger, a.metrics, a.cfg.SendTimeout)
}

func (a *App) serve(name, addr string, h http.Handler, errCh chan<- error) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		a.logger.Info("http server started", "name", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return srv
}

func (a *App) ready(ctx context.Context) error {
	if a.store == nil || a.gateways == nil {
		return errors.New("not started")
	}
	return a.store.Ping(ctx)
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}
