package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/angeloszaimis/redirect-lb/internal/backend"
	"github.com/angeloszaimis/redirect-lb/internal/distribution"
	"github.com/angeloszaimis/redirect-lb/internal/httpserver"
	"github.com/angeloszaimis/redirect-lb/internal/metrics"
)

// BackendLoader returns the current backend address list. It is called at the
// start of every cycle so edits to the list apply on the next reboot.
type BackendLoader func() ([]string, error)

// Static returns a BackendLoader that always yields addresses.
func Static(addresses ...string) BackendLoader {
	return func() ([]string, error) {
		return addresses, nil
	}
}

type Prober interface {
	Probe(ctx context.Context, addresses []string) ([]backend.Endpoint, error)
}

type Publisher interface {
	Swap(table *distribution.Table) *distribution.Table
}

type Server interface {
	Listen() error
	Addr() net.Addr
	Serve(ctx context.Context) error
}

type Runner struct {
	logger    *slog.Logger
	load      BackendLoader
	prober    Prober
	publisher Publisher
	server    Server
	collector *metrics.Collector
}

// New creates a Runner for the backends returned by load. collector may be
// nil.
func New(logger *slog.Logger, load BackendLoader, prober Prober, publisher Publisher, server Server, collector *metrics.Collector) *Runner {
	return &Runner{
		logger:    logger,
		load:      load,
		prober:    prober,
		publisher: publisher,
		server:    server,
		collector: collector,
	}
}

// Cycle reloads the backend list, probes every backend once, builds a fresh
// table and publishes it. The previous table stays in place if anything
// fails.
func (r *Runner) Cycle(ctx context.Context) (*distribution.Table, error) {
	addresses, err := r.load()
	if err != nil {
		return nil, fmt.Errorf("load backends: %w", err)
	}

	r.logger.Info("Backend list loaded", slog.Int("backends", len(addresses)))

	results, err := r.prober.Probe(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("probe backends: %w", err)
	}

	table, err := distribution.Build(results)
	if err != nil {
		return nil, err
	}

	r.publisher.Swap(table)

	for _, ranked := range table.Ranked() {
		r.logger.Info("Backend ranked",
			slog.String("server", ranked.Endpoint.Address()),
			slog.Int("rank", ranked.Rank),
			slog.Int("weight", ranked.Weight),
			slog.Float64("latency_ms", ranked.Endpoint.LatencyMillis()))
	}

	r.collector.Emit(metrics.MetricEvent{
		Type:   metrics.EventTableRebuilt,
		Ranked: len(table.Ranked()),
	})

	return table, nil
}

// Run alternates probe cycles and serving until ctx is cancelled, which is a
// clean stop, or until a cycle or the server fails. An idle listener starts
// a new cycle.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.server.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		if _, err := r.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.logger.Info("Clients can create connections",
			slog.String("addr", r.server.Addr().String()))

		err := r.server.Serve(ctx)
		switch {
		case errors.Is(err, httpserver.ErrIdleTimeout):
			r.logger.Warn("Server was idle too long, rebooting")
		case ctx.Err() != nil:
			r.logger.Info("Interrupt received, shutting down")
			return nil
		default:
			return fmt.Errorf("serve: %w", err)
		}
	}
}
