package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/voyago/chat/loadtest/client"
	"github.com/voyago/chat/loadtest/stats"
)

// runSaturate opens many idle connections, ramping up over a configurable
// duration, then holds them open while pinging often enough to stay inside
// the server's heartbeat timeout. It finds the connection capacity of one
// instance.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	common := addCommonFlags(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	pingEvery := fs.Duration("ping", 10*time.Second, "Ping interval while holding")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, common.url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(common.metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	defer scraper.Stop()

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	// -----------------------------------------------------------------------
	// Ramp-up phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Ramp-up phase ---")

	rampStart := time.Now()
	interrupted := ramp(ctx, *connections, *rampUp, *concurrency, collector, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := common.dial(connCtx, i)
		if err != nil {
			collector.AddError()
			return
		}
		m := c.GetMetrics()
		collector.AddConnect(m.ConnectLatency)
		collector.AddSession(m.SessionLatency)

		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Hold phase (skipped if ramp-up was interrupted)
	// -----------------------------------------------------------------------
	var dropped int
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")

		mu.Lock()
		held := append([]*client.Client(nil), clients...)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", len(held), *hold)

		holdTimer := time.NewTimer(*hold)
		pingTicker := time.NewTicker(*pingEvery)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-pingTicker.C:
				for _, c := range held {
					_ = c.Ping()
				}
			case <-statusTicker.C:
				alive := countAlive(held)
				dropped = len(held) - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(held), dropped)
			}
		}

		holdTimer.Stop()
		pingTicker.Stop()
		statusTicker.Stop()
		dropped = len(held) - countAlive(held)
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// countAlive returns how many clients still have an open connection.
func countAlive(clients []*client.Client) int {
	alive := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive
}
