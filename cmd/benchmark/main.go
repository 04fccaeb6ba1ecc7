package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	httpserver "chronodb/internal/http"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server address")
	ops := flag.Int("ops", 200, "operations per test")
	concurrency := flag.Int("c", 10, "goroutines for the concurrent tests")
	flag.Parse()

	c := &client{baseURL: *baseURL, http: &http.Client{Timeout: 5 * time.Second}}

	fmt.Println("=== chronodb benchmark ===")
	fmt.Printf("Target: %s\n\n", c.baseURL)

	if !c.healthy() {
		fmt.Printf("ERROR: %s is not available\n", c.baseURL)
		os.Exit(1)
	}

	fmt.Printf("Test 1: Sequential commits (%d operations)\n", *ops)
	res, stamps := c.benchmarkWrites(*ops, 1)
	printResult(res)

	fmt.Printf("\nTest 2: Concurrent commits (%d operations, %d goroutines)\n", *ops, *concurrency)
	res, _ = c.benchmarkWrites(*ops, *concurrency)
	printResult(res)

	fmt.Printf("\nTest 3: Reads at the latest timestamp (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(c.benchmarkReads(*ops, *concurrency, nil))

	fmt.Printf("\nTest 4: Reads at past timestamps (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(c.benchmarkReads(*ops, *concurrency, stamps))

	fmt.Println("\n=== Benchmark Complete ===")
}

func (c *client) healthy() bool {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// run spreads totalOps over concurrency goroutines and times each op.
func run(totalOps, concurrency int, op func(worker, i int) error) BenchmarkResult {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failed    int
		latencies = make([]time.Duration, 0, totalOps)
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < totalOps; i += concurrency {
				opStart := time.Now()
				err := op(w, i)
				latency := time.Since(opStart)

				mu.Lock()
				if err != nil {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	duration := time.Since(start)

	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: totalOps - failed,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(totalOps-failed) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}
	slices.Sort(latencies)
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.P99Latency = latencies[len(latencies)*99/100]
	res.MaxLatency = latencies[len(latencies)-1]
	return res
}

// benchmarkWrites commits one key per op, rewriting a small key set so
// every key accumulates history. It returns the commit timestamps.
func (c *client) benchmarkWrites(totalOps, concurrency int) (BenchmarkResult, []int64) {
	var (
		mu     sync.Mutex
		stamps []int64
	)
	res := run(totalOps, concurrency, func(w, i int) error {
		ts, err := c.put(fmt.Sprintf("bench_key_%d", i%50), fmt.Sprintf("bench_value_%d_%d", w, i))
		if err != nil {
			return err
		}
		mu.Lock()
		stamps = append(stamps, ts)
		mu.Unlock()
		return nil
	})
	return res, stamps
}

func (c *client) benchmarkReads(totalOps, concurrency int, stamps []int64) BenchmarkResult {
	return run(totalOps, concurrency, func(_, i int) error {
		q := url.Values{"key": {fmt.Sprintf("bench_key_%d", i%50)}}
		if len(stamps) > 0 {
			q.Set("timestamp", strconv.FormatInt(stamps[i%len(stamps)], 10))
		}
		_, err := c.do(http.MethodGet, "/api/string?"+q.Encode(), nil, http.StatusOK, http.StatusNotFound)
		return err
	})
}

func (c *client) put(key, value string) (int64, error) {
	form := url.Values{"key": {key}, "value": {value}}
	resp, err := c.do(http.MethodPut, "/api/string", form, http.StatusOK)
	if err != nil {
		return 0, err
	}
	if resp.Timestamp == nil {
		return 0, fmt.Errorf("commit response carries no timestamp")
	}
	return *resp.Timestamp, nil
}

func (c *client) do(method, path string, form url.Values, accept ...int) (httpserver.Response, error) {
	var resp httpserver.Response

	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return resp, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	r, err := c.http.Do(req)
	if err != nil {
		return resp, err
	}
	defer r.Body.Close()

	if !slices.Contains(accept, r.StatusCode) {
		return resp, fmt.Errorf("unexpected status: %d", r.StatusCode)
	}
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
