package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/redirect-lb/config"
	"github.com/angeloszaimis/redirect-lb/internal/handler"
	"github.com/angeloszaimis/redirect-lb/internal/healthcheck"
	"github.com/angeloszaimis/redirect-lb/internal/httpserver"
	"github.com/angeloszaimis/redirect-lb/internal/lifecycle"
	"github.com/angeloszaimis/redirect-lb/internal/loadbalancer"
	"github.com/angeloszaimis/redirect-lb/internal/metrics"
	"github.com/angeloszaimis/redirect-lb/internal/response"
	"github.com/angeloszaimis/redirect-lb/pkg/logger"
)

const metricsBufferSize = 1000

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := config.NewFlagSet("redirect-lb")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: redirect-lb [flags] <backends.txt>\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(flags)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		return 1
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	path, err := config.BackendListPath(flags.Args())
	if err != nil {
		flags.Usage()
		log.Error("Invalid arguments", slog.Any("err", err))
		return 1
	}

	// Fail fast on a bad list; the runner reads it again on every cycle.
	if _, err := config.LoadBackends(path); err != nil {
		log.Error("Failed to load backend list",
			slog.String("file", path),
			slog.Any("err", err))
		return 1
	}

	load := func() ([]string, error) {
		return config.LoadBackends(path)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, load, log)
	if err != nil {
		log.Error("Failed to create redirector", slog.Any("err", err))
		return 1
	}

	if err := a.run(ctx); err != nil {
		log.Error("Redirector stopped", slog.Any("err", err))
		return 1
	}

	return 0
}

type app struct {
	log       *slog.Logger
	collector *metrics.Collector
	lb        *loadbalancer.LoadBalancer
	server    *httpserver.Server
	admin     *httpserver.Admin
	runner    *lifecycle.Runner
}

func newApp(cfg *config.Config, load lifecycle.BackendLoader, log *slog.Logger) (*app, error) {
	collector := metrics.NewCollector(metricsBufferSize, log)

	prober := healthcheck.New(healthcheck.Options{
		Resource:      cfg.Probe.Resource,
		Timeout:       cfg.ProbeTimeout(),
		OnMisbehaving: healthcheck.Policy(cfg.Probe.OnMisbehaving),
	}, log, collector)

	lb := loadbalancer.NewLoadBalancer()

	writer := response.NewWriter(nil)
	if cfg.Server.AssetsDir != "" {
		writer = response.NewWriter(response.DirAssets(cfg.Server.AssetsDir))
	}

	dispatcher := handler.NewDispatcher(log, lb, writer, collector, cfg.ConnTimeout())

	srv, err := httpserver.New(cfg.Server.Address, dispatcher, cfg.IdleTimeout())
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	var admin *httpserver.Admin
	if cfg.Admin.Enabled {
		read, write, shutdown := cfg.AdminTimeouts()
		admin, err = httpserver.NewAdmin(cfg.Admin.Address, setupRouter(collector), httpserver.AdminOptions{
			ReadTimeout:     read,
			WriteTimeout:    write,
			ShutdownTimeout: shutdown,
		})
		if err != nil {
			return nil, fmt.Errorf("create admin server: %w", err)
		}
	}

	return &app{
		log:       log,
		collector: collector,
		lb:        lb,
		server:    srv,
		admin:     admin,
		runner:    lifecycle.New(log, load, prober, lb, srv, collector),
	}, nil
}

// run blocks until ctx is cancelled or a component fails. The runner and the
// admin server stop together.
func (a *app) run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer a.server.Close()

	if a.admin != nil {
		if err := a.admin.Listen(); err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		a.log.Info("Admin endpoints listening", slog.String("addr", a.admin.Addr().String()))
	}

	a.collector.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer stop()
		return a.runner.Run(gctx)
	})

	if a.admin != nil {
		g.Go(func() error {
			return a.admin.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			return a.admin.Shutdown(context.Background())
		})
	}

	return g.Wait()
}
