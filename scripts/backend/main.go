// Backend is a demo image server to run behind the redirector.
// It serves the probe resource and anything under -dir.
//
// Usage:
//
//	go run ./scripts/backend -port 8081 -delay 20ms -dir ./images
//
// -delay slows every response down, which moves the backend down the
// redirector's latency ranking.
package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/angeloszaimis/redirect-lb/pkg/logger"
)

// placeholder is served for the probe resource when -dir has no such file.
var placeholder = bytes.Repeat([]byte{0xff}, 2048)

func main() {
	port := pflag.Int("port", 8081, "port to listen on")
	delay := pflag.Duration("delay", 0, "artificial delay added to every response")
	dir := pflag.String("dir", "", "directory to serve files from")
	resource := pflag.String("resource", "test.jpg", "probe resource served even without -dir")
	pflag.Parse()

	log := logger.New("info", false, "dev").With(slog.Int("port", *port))

	var files http.Handler = http.NotFoundHandler()
	if *dir != "" {
		files = http.FileServer(http.Dir(*dir))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(*delay)

		log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("from", r.RemoteAddr))

		if r.URL.Path == "/"+*resource && !exists(*dir, *resource) {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Content-Length", strconv.Itoa(len(placeholder)))
			w.Write(placeholder)
			return
		}

		files.ServeHTTP(w, r)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("starting backend", slog.String("addr", addr), slog.Duration("delay", *delay))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func exists(dir, name string) bool {
	if dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
