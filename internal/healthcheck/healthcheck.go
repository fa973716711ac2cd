package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/angeloszaimis/redirect-lb/internal/backend"
	"github.com/angeloszaimis/redirect-lb/internal/metrics"
	"github.com/angeloszaimis/redirect-lb/internal/wire"
)

const (
	DefaultResource = "test.jpg"
	DefaultTimeout  = 10 * time.Second

	contentLengthPrefix = "Content-Length: "
	maxErrorBody        = 4096
)

// ErrBackendMisbehaving is returned when a reachable backend answers its probe
// with anything but a well-formed 200 response.
var ErrBackendMisbehaving = errors.New("backend misbehaving")

// MisbehavingError describes a backend that accepted the probe connection but
// did not serve the test resource.
type MisbehavingError struct {
	Address    string
	StatusLine string
	Err        error
}

func (e *MisbehavingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("probe %s: unexpected response %q", e.Address, e.StatusLine)
}

func (e *MisbehavingError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrBackendMisbehaving, e.Err}
	}
	return []error{ErrBackendMisbehaving}
}

// Policy decides what a misbehaving backend does to the probe phase.
type Policy string

const (
	// PolicyAbort stops probing and fails the whole cycle.
	PolicyAbort Policy = "abort"
	// PolicyExclude records the backend as unreachable and keeps probing.
	PolicyExclude Policy = "exclude"
)

type Options struct {
	Resource      string
	Timeout       time.Duration
	OnMisbehaving Policy
}

// Prober runs one synchronous probe exchange per backend address.
type Prober struct {
	dialer    *net.Dialer
	resource  string
	timeout   time.Duration
	policy    Policy
	logger    *slog.Logger
	collector *metrics.Collector
}

// New creates a Prober. Zero option values fall back to the defaults.
// collector may be nil.
func New(opts Options, logger *slog.Logger, collector *metrics.Collector) *Prober {
	resource := strings.TrimLeft(opts.Resource, "/")
	if resource == "" {
		resource = DefaultResource
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	policy := opts.OnMisbehaving
	if policy == "" {
		policy = PolicyAbort
	}

	return &Prober{
		dialer:    &net.Dialer{Timeout: timeout},
		resource:  "/" + resource,
		timeout:   timeout,
		policy:    policy,
		logger:    logger,
		collector: collector,
	}
}

// Probe measures every address in order. The result keeps the input order,
// with duplicate addresses probed once. Unreachable backends are part of the
// result. The returned error is a *MisbehavingError, a context error, or an
// address parse error.
func (p *Prober) Probe(ctx context.Context, addresses []string) ([]backend.Endpoint, error) {
	results := make([]backend.Endpoint, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))

	for _, address := range addresses {
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}

		host, port, err := backend.SplitAddress(address)
		if err != nil {
			return nil, err
		}

		p.logger.Info("Testing server", slog.String("server", address))

		endpoint, err := p.probe(ctx, host, port)
		if err != nil {
			var misbehaving *MisbehavingError
			if p.policy == PolicyExclude && errors.As(err, &misbehaving) {
				p.logger.Warn("Backend misbehaving, removing it from the active set",
					slog.String("server", address),
					slog.Any("err", err))
				endpoint = backend.Unreachable(host, port)
			} else {
				return nil, err
			}
		}

		p.collector.Emit(metrics.MetricEvent{
			Type:     metrics.EventProbeCompleted,
			Backend:  address,
			Duration: endpoint.Latency(),
			Healthy:  endpoint.Reachable(),
		})

		results = append(results, endpoint)
	}

	return results, nil
}

func (p *Prober) probe(ctx context.Context, host string, port int) (backend.Endpoint, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))
	start := time.Now()

	conn, err := p.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backend.Endpoint{}, ctxErr
		}
		p.logger.Warn("Backend is not accepting connections, removing it from the active set",
			slog.String("server", address),
			slog.Any("err", err))
		return backend.Unreachable(host, port), nil
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := conn.SetDeadline(start.Add(p.timeout)); err != nil {
		return backend.Endpoint{}, p.misbehaving(ctx, address, "", err)
	}

	if _, err := io.WriteString(conn, probeRequest(p.resource, address)); err != nil {
		return backend.Endpoint{}, p.misbehaving(ctx, address, "", err)
	}

	reader := wire.NewLineReader(conn)

	statusLine, err := reader.ReadLine()
	if err != nil {
		return backend.Endpoint{}, p.misbehaving(ctx, address, "", err)
	}

	length, err := readContentLength(reader)
	if err != nil {
		return backend.Endpoint{}, p.misbehaving(ctx, address, statusLine, err)
	}

	if !isOK(statusLine) {
		body := readErrorBody(reader.Buffered(), length)
		p.logger.Error("An error response was received from the server",
			slog.String("server", address),
			slog.String("status", statusLine),
			slog.String("body", body))
		return backend.Endpoint{}, &MisbehavingError{Address: address, StatusLine: statusLine}
	}

	p.logger.Debug("Server is sending the test resource",
		slog.String("server", address),
		slog.Int64("bytes", length))

	if _, err := io.CopyN(io.Discard, reader.Buffered(), length); err != nil {
		return backend.Endpoint{}, p.misbehaving(ctx, address, statusLine, err)
	}

	latency := time.Since(start)

	p.logger.Info("Probe complete",
		slog.String("server", address),
		slog.Float64("latency_ms", float64(latency)/float64(time.Millisecond)))

	return backend.Measured(host, port, latency), nil
}

func (p *Prober) misbehaving(ctx context.Context, address, statusLine string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &MisbehavingError{Address: address, StatusLine: statusLine, Err: err}
}

func probeRequest(resource, address string) string {
	return "GET " + resource + " HTTP/1.1\r\nHost: " + address + "\r\n\r\n"
}

func isOK(statusLine string) bool {
	fields := strings.Fields(statusLine)
	return len(fields) >= 2 && fields[1] == "200"
}

// readContentLength consumes header lines up to the blank line. Only a line of
// the exact form "Content-Length: <n>" is interpreted.
func readContentLength(r *wire.LineReader) (int64, error) {
	var length int64

	for {
		line, err := r.ReadLine()
		if err != nil {
			return 0, err
		}

		if line == "" {
			return length, nil
		}

		value, ok := strings.CutPrefix(line, contentLengthPrefix)
		if !ok {
			continue
		}

		length, err = strconv.ParseInt(value, 10, 64)
		if err != nil || length < 0 {
			return 0, fmt.Errorf("invalid content length %q", value)
		}
	}
}

func readErrorBody(r io.Reader, length int64) string {
	if length > maxErrorBody {
		length = maxErrorBody
	}

	body, _ := io.ReadAll(io.LimitReader(r, length))
	return string(body)
}
