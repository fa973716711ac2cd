package lifecycle_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/redirect-lb/config"
	"github.com/angeloszaimis/redirect-lb/internal/backend"
	"github.com/angeloszaimis/redirect-lb/internal/distribution"
	"github.com/angeloszaimis/redirect-lb/internal/handler"
	"github.com/angeloszaimis/redirect-lb/internal/healthcheck"
	"github.com/angeloszaimis/redirect-lb/internal/httpserver"
	"github.com/angeloszaimis/redirect-lb/internal/lifecycle"
	"github.com/angeloszaimis/redirect-lb/internal/loadbalancer"
	"github.com/angeloszaimis/redirect-lb/internal/response"
)

type fakeProber struct {
	mutex   sync.Mutex
	calls   int
	seen    [][]string
	results []backend.Endpoint
	err     error
}

func (f *fakeProber) Probe(ctx context.Context, addresses []string) ([]backend.Endpoint, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	f.seen = append(f.seen, addresses)
	return f.results, f.err
}

func (f *fakeProber) Seen() [][]string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return slices.Clone(f.seen)
}

func (f *fakeProber) Calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

func get(addr, target string) *http.Response {
	conn, err := net.Dial("tcp", addr)
	Expect(err).NotTo(HaveOccurred())
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, addr)
	Expect(err).NotTo(HaveOccurred())

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	Expect(err).NotTo(HaveOccurred())
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

var _ = Describe("Runner", func() {
	var (
		log    *slog.Logger
		lb     *loadbalancer.LoadBalancer
		srv    *httpserver.Server
		prober *fakeProber
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		lb = loadbalancer.NewLoadBalancer()
		prober = &fakeProber{results: []backend.Endpoint{
			backend.Measured("a.example", 80, 10*time.Millisecond),
			backend.Measured("b.example", 80, 5*time.Millisecond),
			backend.Measured("c.example", 80, 20*time.Millisecond),
		}}

		d := handler.NewDispatcher(log, lb, response.NewWriter(nil), nil, time.Second)
		var err error
		srv, err = httpserver.New("127.0.0.1:0", d, 150*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		srv.Close()
	})

	Describe("Cycle", func() {
		It("should publish a ranked table", func() {
			runner := lifecycle.New(log, lifecycle.Static("a.example:80", "b.example:80", "c.example:80"), prober, lb, srv, nil)

			table, err := runner.Cycle(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(lb.Table()).To(BeIdenticalTo(table))
			Expect(table.Len()).To(Equal(6))
			Expect(table.Occurrences("b.example:80")).To(Equal(3))
			Expect(table.Occurrences("a.example:80")).To(Equal(2))
			Expect(table.Occurrences("c.example:80")).To(Equal(1))
		})

		It("should fail with no active backends and keep the old table", func() {
			runner := lifecycle.New(log, lifecycle.Static(), prober, lb, srv, nil)
			first, err := runner.Cycle(context.Background())
			Expect(err).NotTo(HaveOccurred())

			prober.results = []backend.Endpoint{backend.Unreachable("a.example", 80)}
			_, err = runner.Cycle(context.Background())
			Expect(err).To(MatchError(distribution.ErrNoActiveBackends))
			Expect(lb.Table()).To(BeIdenticalTo(first))
		})

		It("should wrap probe failures", func() {
			prober.err = &healthcheck.MisbehavingError{Address: "a.example:80", StatusLine: "HTTP/1.1 404 Not Found"}
			runner := lifecycle.New(log, lifecycle.Static(), prober, lb, srv, nil)

			_, err := runner.Cycle(context.Background())
			Expect(errors.Is(err, healthcheck.ErrBackendMisbehaving)).To(BeTrue())
		})
	})

	Describe("Run", func() {
		It("should re-probe after the listener goes idle", func() {
			runner := lifecycle.New(log, lifecycle.Static(), prober, lb, srv, nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- runner.Run(ctx)
			}()

			Eventually(prober.Calls, 2*time.Second).Should(BeNumerically(">=", 3))
			cancel()
			Eventually(errCh).Should(Receive(BeNil()))
		})

		It("should return the fatal error when no backend is active", func() {
			prober.results = []backend.Endpoint{backend.Unreachable("a.example", 80)}
			runner := lifecycle.New(log, lifecycle.Static(), prober, lb, srv, nil)

			err := runner.Run(context.Background())
			Expect(err).To(MatchError(distribution.ErrNoActiveBackends))
		})

		It("should exit cleanly on cancellation", func() {
			runner := lifecycle.New(log, lifecycle.Static(), prober, lb, srv, nil)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			Expect(runner.Run(ctx)).To(Succeed())
		})
	})

	Describe("backend list reload", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "servers.txt")
		})

		write := func(content string) {
			Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		}

		fromFile := func() ([]string, error) {
			return config.LoadBackends(path)
		}

		It("should read the list again on every cycle", func() {
			runner := lifecycle.New(log, fromFile, prober, lb, srv, nil)

			write("a.example:80\nb.example:80\n")
			_, err := runner.Cycle(context.Background())
			Expect(err).NotTo(HaveOccurred())

			write("c.example:80\n")
			_, err = runner.Cycle(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(prober.Seen()).To(Equal([][]string{
				{"a.example:80", "b.example:80"},
				{"c.example:80"},
			}))
		})

		It("should keep the old table when the list turns malformed", func() {
			runner := lifecycle.New(log, fromFile, prober, lb, srv, nil)

			write("a.example:80\n")
			first, err := runner.Cycle(context.Background())
			Expect(err).NotTo(HaveOccurred())

			write("a.example:80 \n")
			_, err = runner.Cycle(context.Background())
			Expect(err).To(MatchError(config.ErrInvalidBackendList))
			Expect(lb.Table()).To(BeIdenticalTo(first))
			Expect(prober.Calls()).To(Equal(1))
		})

		It("should stop when the list is malformed at a reboot", func() {
			write("a.example:80\n")
			runner := lifecycle.New(log, fromFile, prober, lb, srv, nil)

			errCh := make(chan error, 1)
			go func() {
				errCh <- runner.Run(context.Background())
			}()

			Eventually(prober.Calls, time.Second).Should(BeNumerically(">=", 1))
			write("")

			Eventually(errCh, 2*time.Second).Should(Receive(MatchError(config.ErrInvalidBackendList)))
		})
	})

	Describe("end to end", func() {
		var backends []*httptest.Server

		BeforeEach(func() {
			backends = nil
			for _, delay := range []time.Duration{20 * time.Millisecond, 0} {
				delay := delay
				backends = append(backends, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					time.Sleep(delay)
					w.Header().Set("Content-Length", "4")
					w.Write([]byte("jpeg"))
				})))
			}

			var err error
			d := handler.NewDispatcher(log, lb, response.NewWriter(nil), nil, time.Second)
			srv, err = httpserver.New("127.0.0.1:0", d, time.Minute)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			for _, b := range backends {
				b.Close()
			}
		})

		It("should redirect clients to ranked backends", func() {
			addresses := []string{
				strings.TrimPrefix(backends[0].URL, "http://"),
				strings.TrimPrefix(backends[1].URL, "http://"),
				"127.0.0.1:1",
			}
			live := healthcheck.New(healthcheck.Options{Timeout: time.Second}, log, nil)
			runner := lifecycle.New(log, lifecycle.Static(addresses...), live, lb, srv, nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errCh := make(chan error, 1)
			go func() {
				errCh <- runner.Run(ctx)
			}()

			Eventually(lb.Table, 2*time.Second).ShouldNot(BeNil())
			table := lb.Table()
			Expect(table.Len()).To(Equal(3))
			Expect(table.Ranked()[0].Endpoint.Address()).To(Equal(addresses[1]))

			resp := get(srv.Addr().String(), "/img.jpg")
			Expect(resp.StatusCode).To(Equal(http.StatusMovedPermanently))
			Expect(resp.Header.Get("Location")).To(BeElementOf(
				"http://"+addresses[0]+"/img.jpg",
				"http://"+addresses[1]+"/img.jpg",
			))

			resp = get(srv.Addr().String(), "/img.jpg")
			Expect(resp.StatusCode).To(Equal(http.StatusMovedPermanently))

			cancel()
			Eventually(errCh).Should(Receive(BeNil()))
		})
	})
})
