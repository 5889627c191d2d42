// Command loadgen drives the ingest service with synthetic indexing
// sessions. Each worker runs full sessions back to back: a batch of items
// walked through the pipeline stages in event batches, then a session-end
// call. Workers draw items from one shared id range, so overlapping
// sessions touch the same items and exercise the race detector.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	BaseURL      string
	Concurrency  int
	Duration     time.Duration
	ItemsPerRun  int
	ItemPoolSize int
	BatchSize    int
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	sessionsRun   atomic.Int64
	eventsSent    atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8082", "base URL of the ingest service")
	concurrency := flag.Int("concurrency", 4, "number of concurrent sessions")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	itemsPerRun := flag.Int("items", 40, "items walked through the pipeline per session")
	poolSize := flag.Int("pool", 100, "shared item id pool size (smaller = more races)")
	batchSize := flag.Int("batch", 20, "events per tracking request")
	flag.Parse()

	cfg := Config{
		BaseURL:      *baseURL,
		Concurrency:  *concurrency,
		Duration:     *duration,
		ItemsPerRun:  *itemsPerRun,
		ItemPoolSize: *poolSize,
		BatchSize:    *batchSize,
	}

	fmt.Println("=== Telemetry Ingest Load Test ===")
	fmt.Printf("Target:       %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency:  %d\n", cfg.Concurrency)
	fmt.Printf("Duration:     %s\n", cfg.Duration)
	fmt.Printf("Items/run:    %d (pool of %d)\n", cfg.ItemsPerRun, cfg.ItemPoolSize)
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

var stages = []string{"retrieval", "filtering", "generation", "sanitization", "submission"}

// sessionEvents builds one full session's worth of events. Roughly one in
// ten items errors mid-pipeline and one in ten is filtered out; the rest
// reach submission.
func sessionEvents(sessionID string, cfg Config, rng *rand.Rand) [][]map[string]any {
	events := make([]map[string]any, 0, cfg.ItemsPerRun*len(stages))
	for i := 0; i < cfg.ItemsPerRun; i++ {
		itemID := int64(1 + rng.Intn(cfg.ItemPoolSize))
		fate := rng.Intn(10)
		for _, stage := range stages {
			e := map[string]any{
				"session_id": sessionID,
				"item_id":    itemID,
				"item_type":  "post",
				"stage":      stage,
				"payload":    map[string]any{},
			}
			switch {
			case fate == 0 && stage == "generation":
				e["level"] = "error"
				e["payload"] = map[string]any{"message": "simulated generation failure"}
			case fate == 1 && stage == "filtering":
				e["payload"] = map[string]any{"should_index": false, "reason": "excluded by type"}
			}
			events = append(events, e)
			if (fate == 0 && stage == "generation") || (fate == 1 && stage == "filtering") {
				break
			}
		}
	}

	batches := make([][]map[string]any, 0, len(events)/cfg.BatchSize+1)
	for len(events) > 0 {
		n := cfg.BatchSize
		if n > len(events) {
			n = len(events)
		}
		batches = append(batches, events[:n])
		events = events[n:]
	}
	return batches
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			for ctx.Err() == nil {
				sessionID := uuid.New().String()
				start := time.Now()

				for _, batch := range sessionEvents(sessionID, cfg, rng) {
					if ctx.Err() != nil {
						return
					}
					postJSON(ctx, client, stats, cfg.BaseURL+"/api/v1/events", batch)
					stats.eventsSent.Add(int64(len(batch)))
				}

				end := map[string]any{
					"duration_ms":       time.Since(start).Milliseconds(),
					"memory_peak_bytes": 64 << 20,
				}
				postJSON(ctx, client, stats, cfg.BaseURL+"/api/v1/sessions/"+sessionID+"/end", end)
				stats.sessionsRun.Add(1)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func postJSON(ctx context.Context, client *http.Client, stats *Stats, url string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("encoding body: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)

	if err != nil {
		stats.RecordRequest(duration, 0, err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	stats.RecordRequest(duration, resp.StatusCode, nil)
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)
	fmt.Printf("Sessions:        %d\n", stats.sessionsRun.Load())
	fmt.Printf("Events Sent:     %d\n", stats.eventsSent.Load())

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Requests/sec:    %.2f\n", rps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := stats.statusCodes[code].Load()
		fmt.Printf("  %d: %d\n", code, count)
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
