// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions, optionally alongside the
// server's own Prometheus metrics.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Latency series, in report order.
const (
	SeriesConnect = "Connect"
	SeriesSession = "Session Setup"
	SeriesJoin    = "Join"
	SeriesFanout  = "Fan-out"
)

var seriesOrder = []string{SeriesConnect, SeriesSession, SeriesJoin, SeriesFanout}

// Collector is safe for concurrent use by many client goroutines.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper makes Report include server-side metrics from s.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// Observe records d in the named latency series.
func (c *Collector) Observe(series string, d time.Duration) {
	c.mu.Lock()
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// AddConnect counts a successful connection and records its dial latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.series[SeriesConnect] = append(c.series[SeriesConnect], d)
	c.mu.Unlock()
}

// AddSession records the time from dial to session_created.
func (c *Collector) AddSession(d time.Duration) { c.Observe(SeriesSession, d) }

// AddJoin records the time from join_room to room_history.
func (c *Collector) AddJoin(d time.Duration) { c.Observe(SeriesJoin, d) }

// AddMsgLatency records the delay from a message's send to its delivery.
func (c *Collector) AddMsgLatency(d time.Duration) { c.Observe(SeriesFanout, d) }

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of successful connections so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of errors so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is the distribution of one latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of samples. It sorts samples in place.
func Summarize(samples []time.Duration) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return samples[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: samples[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: samples[n-1],
	}
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.N)
}

// Report prints totals, every recorded latency series and, when a scraper
// is attached, the server metrics.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, name := range seriesOrder {
		if samples := c.series[name]; len(samples) > 0 {
			fmt.Printf("\n--- %s Latency ---\n", name)
			fmt.Printf("  %s\n", Summarize(samples))
		}
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}
