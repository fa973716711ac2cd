package backend

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Status is the outcome of probing an endpoint.
type Status int

const (
	StatusUnreachable Status = iota
	StatusMeasured
)

func (s Status) String() string {
	switch s {
	case StatusMeasured:
		return "measured"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Endpoint is a backend server identified by host and port together with
// the result of its most recent probe.
type Endpoint struct {
	host    string
	port    int
	status  Status
	latency time.Duration
}

// Host returns the endpoint host name or IP.
func (e Endpoint) Host() string {
	return e.host
}

// Port returns the endpoint TCP port.
func (e Endpoint) Port() int {
	return e.port
}

// Address returns the endpoint in host:port form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// Status reports whether the endpoint was measured or unreachable.
func (e Endpoint) Status() Status {
	return e.status
}

// Reachable returns true if the endpoint answered its probe.
func (e Endpoint) Reachable() bool {
	return e.status == StatusMeasured
}

// Latency returns the measured probe duration. Zero for unreachable endpoints.
func (e Endpoint) Latency() time.Duration {
	return e.latency
}

// LatencyMillis returns the measured probe duration in milliseconds.
func (e Endpoint) LatencyMillis() float64 {
	return float64(e.latency) / float64(time.Millisecond)
}

// URL builds the redirect target for resource on this endpoint. The resource
// must already be stripped of its leading slashes.
func (e Endpoint) URL(resource string) string {
	return "http://" + e.Address() + "/" + resource
}

func (e Endpoint) String() string {
	if !e.Reachable() {
		return e.Address() + " (unreachable)"
	}
	return fmt.Sprintf("%s (%.3fms)", e.Address(), e.LatencyMillis())
}

// Measured creates an endpoint that answered its probe in latency.
func Measured(host string, port int, latency time.Duration) Endpoint {
	return Endpoint{
		host:    host,
		port:    port,
		status:  StatusMeasured,
		latency: latency,
	}
}

// Unreachable creates an endpoint that refused or failed its probe connection.
func Unreachable(host string, port int) Endpoint {
	return Endpoint{
		host:   host,
		port:   port,
		status: StatusUnreachable,
	}
}

// SplitAddress parses a host:port pair. The port must be numeric and within
// the TCP range.
func SplitAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}

	if host == "" {
		return "", 0, fmt.Errorf("address %q: missing host", address)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("address %q: port must be numeric", address)
	}

	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("address %q: port out of range", address)
	}

	return host, port, nil
}
