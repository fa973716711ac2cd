package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/redirect-lb/internal/backend"
	"github.com/angeloszaimis/redirect-lb/internal/handler"
	"github.com/angeloszaimis/redirect-lb/internal/response"
	"github.com/angeloszaimis/redirect-lb/internal/wire"
)

type stubPicker struct {
	endpoint backend.Endpoint
	err      error
	calls    int
}

func (s *stubPicker) Pick() (backend.Endpoint, error) {
	s.calls++
	return s.endpoint, s.err
}

// exchange sends raw on a pipe served by d and returns everything written
// back before the connection closed.
func exchange(d *handler.Dispatcher, raw string) []byte {
	client, server := net.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		d.ServeConn(context.Background(), server)
	}()

	go func() {
		io.WriteString(client, raw)
	}()

	out, err := io.ReadAll(client)
	Expect(err).NotTo(HaveOccurred())
	Eventually(done).Should(BeClosed())
	client.Close()
	return out
}

func parse(raw []byte) *http.Response {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

var _ = Describe("Dispatcher", func() {
	var (
		d      *handler.Dispatcher
		picker *stubPicker
		log    *slog.Logger
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		picker = &stubPicker{endpoint: backend.Measured("b.example", 80, 5*time.Millisecond)}
		d = handler.NewDispatcher(log, picker, response.NewWriter(nil), nil, time.Second)
	})

	DescribeTable("ParseRequestLine",
		func(line string, expected handler.Request) {
			Expect(handler.ParseRequestLine(line)).To(Equal(expected))
		},
		Entry("full line", "GET /img.jpg HTTP/1.1", handler.Request{Method: "GET", Target: "/img.jpg", Version: "HTTP/1.1"}),
		Entry("extra whitespace", "GET   /a\tHTTP/1.1 ", handler.Request{Method: "GET", Target: "/a", Version: "HTTP/1.1"}),
		Entry("missing version", "GET /a", handler.Request{Method: "GET", Target: "/a"}),
		Entry("empty line", "", handler.Request{}),
	)

	DescribeTable("NormalizeTarget",
		func(target, expected string) {
			Expect(handler.NormalizeTarget(target)).To(Equal(expected))
		},
		Entry("single slash", "/foo/bar.jpg", "foo/bar.jpg"),
		Entry("many slashes", "///x", "x"),
		Entry("root", "/", ""),
		Entry("no slash", "img.jpg", "img.jpg"),
	)

	Describe("Decide", func() {
		It("should reject non-GET methods before looking at the version", func() {
			decision := d.Decide(handler.Request{Method: "POST", Target: "/x", Version: "HTTP/1.0"})
			Expect(decision.StatusCode).To(Equal(http.StatusNotImplemented))
			Expect(picker.calls).To(BeZero())
		})

		It("should match the method exactly", func() {
			decision := d.Decide(handler.Request{Method: "get", Target: "/x", Version: "HTTP/1.1"})
			Expect(decision.StatusCode).To(Equal(http.StatusNotImplemented))
		})

		It("should reject versions other than HTTP/1.1", func() {
			decision := d.Decide(handler.Request{Method: "GET", Target: "/img.jpg", Version: "HTTP/1.0"})
			Expect(decision.StatusCode).To(Equal(http.StatusHTTPVersionNotSupported))
			Expect(picker.calls).To(BeZero())
		})

		It("should redirect valid requests to the picked backend", func() {
			decision := d.Decide(handler.Request{Method: "GET", Target: "///img.jpg", Version: "HTTP/1.1"})
			Expect(decision.StatusCode).To(Equal(http.StatusMovedPermanently))
			Expect(decision.Location).To(Equal("http://b.example:80/img.jpg"))
			Expect(picker.calls).To(Equal(1))
		})

		It("should answer 503 when no backend can be picked", func() {
			picker.err = errors.New("no table")
			decision := d.Decide(handler.Request{Method: "GET", Target: "/", Version: "HTTP/1.1"})
			Expect(decision.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("ServeConn", func() {
		It("should redirect GET HTTP/1.1 requests", func() {
			raw := exchange(d, "GET /img.jpg HTTP/1.1\r\nHost: lb\r\nAccept: */*\r\n\r\n")

			resp := parse(raw)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMovedPermanently))
			Expect(resp.Header.Get("Location")).To(Equal("http://b.example:80/img.jpg"))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/html"))
			Expect(resp.Header.Get("Date")).NotTo(BeEmpty())
		})

		It("should answer 501 without Location for POST", func() {
			raw := exchange(d, "POST /x HTTP/1.1\r\n\r\n")

			resp := parse(raw)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotImplemented))
			Expect(resp.Header.Get("Location")).To(BeEmpty())
		})

		It("should answer 505 for HTTP/1.0", func() {
			raw := exchange(d, "GET /img.jpg HTTP/1.0\r\n\r\n")

			resp := parse(raw)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusHTTPVersionNotSupported))
		})

		It("should accept bare LF line endings", func() {
			raw := exchange(d, "GET /a/b HTTP/1.1\nHost: lb\n\n")

			resp := parse(raw)
			defer resp.Body.Close()
			Expect(resp.Header.Get("Location")).To(Equal("http://b.example:80/a/b"))
		})

		It("should answer a client that closes its side after the request line", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer ln.Close()

			done := make(chan struct{})
			go func() {
				defer close(done)
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				d.ServeConn(context.Background(), conn)
			}()

			client, err := net.Dial("tcp", ln.Addr().String())
			Expect(err).NotTo(HaveOccurred())
			defer client.Close()

			_, err = io.WriteString(client, "GET /x HTTP/1.1\r\n")
			Expect(err).NotTo(HaveOccurred())
			Expect(client.(*net.TCPConn).CloseWrite()).To(Succeed())

			resp, err := http.ReadResponse(bufio.NewReader(client), nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMovedPermanently))
			Expect(resp.Header.Get("Location")).To(Equal("http://b.example:80/x"))
			Eventually(done).Should(BeClosed())
		})

		It("should close silently when no request line arrives", func() {
			d = handler.NewDispatcher(log, picker, response.NewWriter(nil), nil, 50*time.Millisecond)
			client, server := net.Pipe()
			done := make(chan struct{})
			go func() {
				defer close(done)
				d.ServeConn(context.Background(), server)
			}()

			out, _ := io.ReadAll(client)
			Expect(out).To(BeEmpty())
			Eventually(done).Should(BeClosed())
			Expect(picker.calls).To(BeZero())
		})

		It("should log and answer 503 when no table is published", func() {
			var buf bytes.Buffer
			logged := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
			picker.err = errors.New("no table")
			d = handler.NewDispatcher(logged, picker, response.NewWriter(nil), nil, time.Second)

			resp := parse(exchange(d, "GET /img.jpg HTTP/1.1\r\n\r\n"))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(buf.String()).To(ContainSubstring("No backend available, responding with error"))
		})

		It("should give up on a silent client as soon as ctx is cancelled", func() {
			d = handler.NewDispatcher(log, picker, response.NewWriter(nil), nil, 10*time.Second)
			client, server := net.Pipe()
			defer client.Close()

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				d.ServeConn(ctx, server)
			}()

			time.Sleep(50 * time.Millisecond)
			start := time.Now()
			cancel()

			Eventually(done, 500*time.Millisecond).Should(BeClosed())
			Expect(time.Since(start)).To(BeNumerically("<", 500*time.Millisecond))
			Expect(picker.calls).To(BeZero())
		})

		It("should give up at once when ctx is already cancelled", func() {
			d = handler.NewDispatcher(log, picker, response.NewWriter(nil), nil, 10*time.Second)
			client, server := net.Pipe()
			defer client.Close()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				d.ServeConn(ctx, server)
			}()

			Eventually(done, 500*time.Millisecond).Should(BeClosed())
		})

		DescribeTable("should close without answering oversized lines",
			func(raw string) {
				out := exchange(d, raw)
				Expect(out).To(BeEmpty())
				Expect(picker.calls).To(BeZero())
			},
			Entry("request line", "GET /"+strings.Repeat("a", 3*wire.MaxLineLength)+" HTTP/1.1\r\n\r\n"),
			Entry("header line", "GET / HTTP/1.1\r\nX-Padding: "+strings.Repeat("a", 3*wire.MaxLineLength)+"\r\n\r\n"),
		)
	})
})
