// Loadtest sends concurrent GET requests to the redirector and reports how
// the 301 Location headers spread over the backends.
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:40000/img.jpg -concurrency 4 -requests 600
//	go run ./scripts/loadtest -url http://localhost:40000/img.jpg -csv results.csv -out summary.json
//
// The redirector serves one connection at a time, so high concurrency mostly
// measures queueing in its accept backlog.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
)

type backendStats struct {
	Count     int             `json:"count"`
	Latencies []time.Duration `json:"-"`
}

type summary struct {
	Target        string         `json:"target"`
	Requests      int            `json:"requests"`
	Concurrency   int            `json:"concurrency"`
	Redirected    int32          `json:"redirected"`
	Failed        int32          `json:"failed"`
	DurationMs    int64          `json:"duration_ms"`
	ThroughputRPS float64        `json:"throughput_rps"`
	StatusCodes   map[int]int    `json:"status_codes"`
	Backends      map[string]int `json:"backends"`
}

func main() {
	var (
		target      = pflag.String("url", "http://localhost:8080/test.jpg", "redirector URL to request")
		concurrency = pflag.Int("concurrency", 4, "number of concurrent workers")
		requests    = pflag.Int("requests", 600, "total number of requests to send")
		timeout     = pflag.Duration("timeout", 10*time.Second, "per-request timeout")
		outJSON     = pflag.String("out", "", "write JSON summary to this file")
		outCSV      = pflag.String("csv", "", "write per-request CSV to this file")
		verbose     = pflag.BoolP("verbose", "v", false, "log every request")
	)
	pflag.Parse()

	client := &http.Client{
		Timeout: *timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var (
		redirected atomic.Int32
		failed     atomic.Int32
		mu         sync.Mutex
		backends   = make(map[string]*backendStats)
		codes      = make(map[int]int)
		csvWriter  *csv.Writer
	)

	if *outCSV != "" {
		f, err := os.Create(*outCSV)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create csv file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		csvWriter = csv.NewWriter(f)
		csvWriter.Write([]string{"idx", "timestamp", "backend", "status", "duration_ms"})
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				began := time.Now()
				resp, err := client.Get(*target)
				dur := time.Since(began)
				if err != nil {
					failed.Add(1)
					if *verbose {
						fmt.Printf("[%d] idx=%d error=%v\n", workerID, idx, err)
					}
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				backend := "(none)"
				if resp.StatusCode == http.StatusMovedPermanently {
					redirected.Add(1)
					backend = locationHost(resp.Header.Get("Location"))
				} else {
					failed.Add(1)
				}

				mu.Lock()
				codes[resp.StatusCode]++
				bs, ok := backends[backend]
				if !ok {
					bs = &backendStats{}
					backends[backend] = bs
				}
				bs.Count++
				bs.Latencies = append(bs.Latencies, dur)
				if csvWriter != nil {
					csvWriter.Write([]string{
						strconv.Itoa(idx),
						time.Now().Format(time.RFC3339Nano),
						backend,
						strconv.Itoa(resp.StatusCode),
						fmt.Sprintf("%.3f", float64(dur.Microseconds())/1000.0),
					})
				}
				mu.Unlock()

				if *verbose {
					fmt.Printf("[%d] idx=%d backend=%s status=%d dur=%v\n", workerID, idx, backend, resp.StatusCode, dur)
				}
			}
		}(i)
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	wg.Wait()
	elapsed := time.Since(start)

	if csvWriter != nil {
		csvWriter.Flush()
	}

	total := redirected.Load() + failed.Load()
	fmt.Println("--- Redirect Distribution ---")
	fmt.Printf("Target: %s\n", *target)
	fmt.Printf("Requests: %d  Concurrency: %d\n", *requests, *concurrency)
	fmt.Printf("Redirected: %d  Failed: %d\n", redirected.Load(), failed.Load())
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", elapsed, float64(total)/elapsed.Seconds())

	fmt.Println("\nStatus codes:")
	for _, code := range slices.Sorted(maps.Keys(codes)) {
		fmt.Printf("  %d -> %d\n", code, codes[code])
	}

	// Highest share first, which should follow the latency ranking.
	names := slices.Collect(maps.Keys(backends))
	slices.SortFunc(names, func(a, b string) int {
		return backends[b].Count - backends[a].Count
	})

	fmt.Println("\nBackends:")
	for _, name := range names {
		bs := backends[name]
		share := 0.0
		if total > 0 {
			share = 100 * float64(bs.Count) / float64(total)
		}
		fmt.Printf("  %-24s %6d  %5.1f%%  p50=%v p99=%v\n",
			name, bs.Count, share, percentile(bs.Latencies, 0.50), percentile(bs.Latencies, 0.99))
	}

	if *outJSON != "" {
		report := summary{
			Target:        *target,
			Requests:      *requests,
			Concurrency:   *concurrency,
			Redirected:    redirected.Load(),
			Failed:        failed.Load(),
			DurationMs:    elapsed.Milliseconds(),
			ThroughputRPS: float64(total) / elapsed.Seconds(),
			StatusCodes:   codes,
			Backends:      make(map[string]int, len(backends)),
		}
		for name, bs := range backends {
			report.Backends[name] = bs.Count
		}

		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if failed.Load() > 0 {
		os.Exit(2)
	}
}

func locationHost(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return "(invalid location)"
	}
	return u.Host
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	return sorted[int(float64(len(sorted)-1)*p)]
}
