package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/server"
	"github.com/kkkkikiki/giftcard/internal/service"
)

// PerfResult gathers aggregated metrics for the test run.
// Atomic counters are used to avoid lock-contention on hot paths.
// LatencySum & P95Latency are in nanoseconds.
type PerfResult struct {
	TotalRequests int64
	ReservedCount int64
	HandledCount  int64
	ErrorCount    int64
	DoubleAwards  int64
	LatencySum    int64
	P95Latency    int64
}

const (
	fixedWorkers   = 20
	fixedRPSTarget = 200
	fixedDuration  = 30 * time.Second
	defaultTimeout = 30 * time.Second
	fixedCards     = 2000
	fixedAmount    = 25
	// every Nth participant is saved twice concurrently
	repeatEvery = 10
)

// target program and the fields that make a participant eligible for it
var (
	programTitle   = envOr("PERF_PROGRAM", "Baseline")
	eligibleFields = map[string]string{"survey_complete": "2"}
	emailField     = envOr("PERF_EMAIL_FIELD", "email")
	baseURL        = envOr("PERF_BASE_URL", "http://localhost:8080")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	http *http.Client
	base string
}

func main() {
	rps := fixedRPSTarget
	duration := fixedDuration
	workers := fixedWorkers
	runID := uuid.NewString()[:8]

	// ─── HTTP Client & Transport ─────────────────────────────────
	transport := &http.Transport{
		MaxIdleConns:        workers * 4,
		MaxIdleConnsPerHost: workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &client{
		http: &http.Client{Transport: transport, Timeout: defaultTimeout},
		base: baseURL,
	}

	before, err := c.summary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read summary: %v\n", err)
		os.Exit(1)
	}

	// ─── Inventory ───────────────────────────────────────────────
	created, err := c.loadCards(runID, fixedCards)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load gift cards: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ loaded %d gift cards (run %s)\n", created, runID)

	// ─── Banner ──────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🚀 giftcard load test")
	fmt.Println("==========================================")
	fmt.Printf("program   : %s\n", programTitle)
	fmt.Printf("RPS       : %d\n", rps)
	fmt.Printf("duration  : %v\n", duration)
	fmt.Println("==========================================")

	// ─── Rate limiter & context ─────────────────────────────────
	burst := rps / workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var result PerfResult
	var wg sync.WaitGroup
	var seq int64

	latencyChan := make(chan time.Duration, 4096)
	p95Done := make(chan struct{})
	go func() {
		trackP95(latencyChan, &result)
		close(p95Done)
	}()

	// ─── Workers ────────────────────────────────────────────────
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				n := atomic.AddInt64(&seq, 1)
				id := fmt.Sprintf("perf-%s-%d", runID, n)
				c.saveParticipant(id, n%repeatEvery == 0, &result, latencyChan)
			}
		}()
	}

	start := time.Now()
	<-ctx.Done()

	// ─── Cleanup ────────────────────────────────────────────────
	wg.Wait()
	close(latencyChan)
	<-p95Done

	totalDur := time.Since(start)

	// ─── Report ─────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("📊 results")
	fmt.Println("==========================================")
	fmt.Printf("elapsed          : %.2fs\n", totalDur.Seconds())
	fmt.Printf("requests         : %d\n", result.TotalRequests)
	fmt.Printf("reserved         : %d\n", result.ReservedCount)
	fmt.Printf("handled (no card): %d\n", result.HandledCount)
	fmt.Printf("errors           : %d\n", result.ErrorCount)

	var avgLatency time.Duration
	if result.TotalRequests > 0 {
		avgLatency = time.Duration(result.LatencySum / result.TotalRequests)
	}
	fmt.Printf("reservations/s   : %.2f\n", float64(result.ReservedCount)/totalDur.Seconds())
	fmt.Printf("avg latency      : %v\n", avgLatency)
	fmt.Printf("P95 latency      : %v\n", time.Duration(result.P95Latency))
	fmt.Println("==========================================")

	// ─── Data Consistency Check ─────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🔍 consistency check")
	fmt.Println("==========================================")
	if err := c.verifyDataConsistency(before, int64(created), &result); err != nil {
		fmt.Printf("❌ consistency check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ no gift card was issued twice")
	fmt.Println("==========================================")
}

func (c *client) do(method, path, contentType string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	// independent context so in-flight requests finish when the test window closes
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) programPath(suffix string) string {
	return "/api/programs/" + url.PathEscape(programTitle) + suffix
}

// loadCards seeds count gift cards matching the program amount
func (c *client) loadCards(runID string, count int) (int, error) {
	cards := make([]model.NewReward, count)
	for i := range cards {
		cards[i] = model.NewReward{
			Amount:      decimal.NewFromInt(fixedAmount),
			Brand:       "PerfBrand",
			EgiftNumber: fmt.Sprintf("PERF-%s-%06d", runID, i),
		}
	}
	var resp server.LoadRewardsResponse
	if err := c.do(http.MethodPost, "/api/pool/rewards", "application/json", server.LoadRewardsRequest{Rewards: cards}, &resp); err != nil {
		return 0, err
	}
	return resp.Created, nil
}

// saveParticipant stores an eligible record, which triggers real-time processing. When repeat
// is set two callers save the same record at once.
func (c *client) saveParticipant(id string, repeat bool, result *PerfResult, latencyChan chan<- time.Duration) {
	fields := map[string]string{emailField: id + "@perf.example.org"}
	for k, v := range eligibleFields {
		fields[k] = v
	}

	var wg sync.WaitGroup
	reserved := int64(0)
	record := func(r service.Result, latency time.Duration) {
		atomic.AddInt64(&result.TotalRequests, 1)
		atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
		select {
		case latencyChan <- latency:
		default:
		}
		switch {
		case r.Outcome == service.OutcomeReserved:
			if atomic.AddInt64(&reserved, 1) > 1 {
				atomic.AddInt64(&result.DoubleAwards, 1)
			}
			atomic.AddInt64(&result.ReservedCount, 1)
		case r.Success:
			atomic.AddInt64(&result.HandledCount, 1)
		default:
			atomic.AddInt64(&result.ErrorCount, 1)
		}
	}

	callers := 1
	if repeat {
		callers = 2
	}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			var resp server.SaveParticipantResponse
			if err := c.do(http.MethodPut, "/api/participants/"+url.PathEscape(id), "application/json",
				server.SaveParticipantRequest{Fields: fields}, &resp); err != nil {
				atomic.AddInt64(&result.TotalRequests, 1)
				atomic.AddInt64(&result.ErrorCount, 1)
				return
			}
			for _, rr := range resp.Results {
				if rr.Program == programTitle && rr.Result != nil {
					record(*rr.Result, time.Since(start))
				}
			}
		}()
	}
	wg.Wait()
}

func (c *client) summary() (model.Summary, error) {
	var s model.Summary
	err := c.do(http.MethodGet, c.programPath("/summary"), "", nil, &s)
	return s, err
}

// verifyDataConsistency checks that the store awarded exactly what the clients saw reserved
func (c *client) verifyDataConsistency(before model.Summary, loaded int64, result *PerfResult) error {
	after, err := c.summary()
	if err != nil {
		return fmt.Errorf("failed to read summary: %w", err)
	}

	awarded := int64(after.Awarded - before.Awarded)
	fmt.Printf("cards loaded        : %d\n", loaded)
	fmt.Printf("awarded (store)     : %d\n", awarded)
	fmt.Printf("reserved (clients)  : %d\n", result.ReservedCount)
	fmt.Printf("available afterwards: %d\n", after.Available)

	if result.DoubleAwards > 0 {
		return fmt.Errorf("%d participants were awarded twice", result.DoubleAwards)
	}
	if awarded != result.ReservedCount {
		return fmt.Errorf("mismatch: store=%d clients=%d diff=%d", awarded, result.ReservedCount, awarded-result.ReservedCount)
	}
	if awarded > loaded+int64(before.Available) {
		return fmt.Errorf("over-issuance: awarded=%d > inventory=%d", awarded, loaded+int64(before.Available))
	}
	return nil
}

// trackP95 maintains a best-effort rolling P95 latency estimation.
func trackP95(latencies <-chan time.Duration, result *PerfResult) {
	const size = 1000
	buf := make([]int64, 0, size)

	for lat := range latencies {
		if len(buf) < size {
			buf = append(buf, lat.Nanoseconds())
		} else if idx := time.Now().UnixNano() % int64(size); idx < int64(size/10) {
			buf[idx] = lat.Nanoseconds()
		}

		if len(buf) >= 100 && len(buf)%100 == 0 {
			copyBuf := make([]int64, len(buf))
			copy(copyBuf, buf)
			quickSort(copyBuf)
			p95Index := int(float64(len(copyBuf)) * 0.95)
			if p95Index >= len(copyBuf) {
				p95Index = len(copyBuf) - 1
			}
			atomic.StoreInt64(&result.P95Latency, copyBuf[p95Index])
		}
	}
}

// quickSort sorts the array in ascending order
func quickSort(arr []int64) {
	if len(arr) < 2 {
		return
	}

	left, right := 0, len(arr)-1
	pivot := len(arr) / 2

	arr[pivot], arr[right] = arr[right], arr[pivot]

	for i := range arr {
		if arr[i] < arr[right] {
			arr[left], arr[i] = arr[i], arr[left]
			left++
		}
	}

	arr[left], arr[right] = arr[right], arr[left]

	quickSort(arr[:left])
	quickSort(arr[left+1:])
}
