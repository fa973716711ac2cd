package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/redirect-lb/internal/backend"
	"github.com/angeloszaimis/redirect-lb/internal/metrics"
	"github.com/angeloszaimis/redirect-lb/internal/response"
	"github.com/angeloszaimis/redirect-lb/internal/wire"
)

const (
	allowedMethod  = http.MethodGet
	allowedVersion = "HTTP/1.1"
)

// Picker selects the backend a client is redirected to.
type Picker interface {
	Pick() (backend.Endpoint, error)
}

// Request is the parsed request line. Headers are never kept.
type Request struct {
	Method  string
	Target  string
	Version string
}

// ParseRequestLine splits line on whitespace. Missing tokens are left empty.
func ParseRequestLine(line string) Request {
	fields := strings.Fields(line)

	var req Request
	if len(fields) > 0 {
		req.Method = fields[0]
	}
	if len(fields) > 1 {
		req.Target = fields[1]
	}
	if len(fields) > 2 {
		req.Version = fields[2]
	}
	return req
}

// NormalizeTarget strips every leading slash from target.
func NormalizeTarget(target string) string {
	return strings.TrimLeft(target, "/")
}

// Decision is the outcome of validating one request.
type Decision struct {
	StatusCode int
	Backend    backend.Endpoint
	Location   string
}

type Dispatcher struct {
	logger    *slog.Logger
	picker    Picker
	writer    *response.Writer
	collector *metrics.Collector
	timeout   time.Duration
}

// NewDispatcher creates a Dispatcher. timeout bounds the whole exchange on
// one connection; zero disables it. collector may be nil.
func NewDispatcher(logger *slog.Logger, picker Picker, writer *response.Writer, collector *metrics.Collector, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		picker:    picker,
		writer:    writer,
		collector: collector,
		timeout:   timeout,
	}
}

// Decide validates req and, when it is acceptable, selects a backend.
// Method is checked before version.
func (d *Dispatcher) Decide(req Request) Decision {
	if req.Method != allowedMethod {
		return Decision{StatusCode: http.StatusNotImplemented}
	}

	if req.Version != allowedVersion {
		return Decision{StatusCode: http.StatusHTTPVersionNotSupported}
	}

	endpoint, err := d.picker.Pick()
	if err != nil {
		return Decision{StatusCode: http.StatusServiceUnavailable}
	}

	return Decision{
		StatusCode: http.StatusMovedPermanently,
		Backend:    endpoint,
		Location:   endpoint.URL(NormalizeTarget(req.Target)),
	}
}

// ServeConn handles exactly one request on conn and closes it. Cancelling ctx
// cuts any pending read or write short.
func (d *Dispatcher) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	client := conn.RemoteAddr().String()

	if d.timeout > 0 {
		if err := conn.SetDeadline(start.Add(d.timeout)); err != nil {
			d.logger.Warn("Failed to set connection deadline",
				slog.String("client", client),
				slog.Any("err", err))
		}
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	reader := wire.NewLineReader(conn)

	line, err := reader.ReadLine()
	if err != nil {
		d.logger.Warn("Failed to read request line",
			slog.String("client", client),
			slog.Any("err", err))
		return
	}

	d.logger.Info("Received request",
		slog.String("client", client),
		slog.String("request", line))

	if err := discardHeaders(reader); err != nil {
		d.logger.Warn("Failed to read request headers",
			slog.String("client", client),
			slog.Any("err", err))
		return
	}

	decision := d.Decide(ParseRequestLine(line))
	var target string

	switch decision.StatusCode {
	case http.StatusMovedPermanently:
		target = decision.Backend.Address()
		d.logger.Info("Request okay, sending redirect",
			slog.String("client", client),
			slog.String("backend", target),
			slog.String("location", decision.Location))
		d.collector.Emit(metrics.MetricEvent{
			Type:    metrics.EventBackendSelected,
			Backend: target,
		})
		err = d.writer.Redirect(conn, decision.Location)

	case http.StatusNotImplemented:
		d.logger.Warn("Invalid request method, responding with error",
			slog.String("client", client),
			slog.String("request", line))
		err = d.writer.Error(conn, decision.StatusCode)

	case http.StatusHTTPVersionNotSupported:
		d.logger.Warn("Invalid HTTP version, responding with error",
			slog.String("client", client),
			slog.String("request", line))
		err = d.writer.Error(conn, decision.StatusCode)

	default:
		d.logger.Warn("No backend available, responding with error",
			slog.String("client", client),
			slog.String("request", line))
		err = d.writer.Error(conn, decision.StatusCode)
	}

	if err != nil {
		d.logger.Error("Failed to write response",
			slog.String("client", client),
			slog.Int("status", decision.StatusCode),
			slog.Any("err", err))
	}

	d.collector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Backend:    target,
		Duration:   time.Since(start),
		StatusCode: decision.StatusCode,
	})
}

// discardHeaders reads header lines up to the blank line. A client that
// closes its side right after the headers is still answered.
func discardHeaders(r *wire.LineReader) error {
	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}
