// Package main is the entry point for the Voyago chat load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: idle connection capacity
//   - rooms:    users join shared rooms and exchange messages; measures
//     fan-out latency from send to delivery
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/voyago/chat/loadtest/client"
	"github.com/voyago/chat/loadtest/stats"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "rooms":
		runRooms(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  rooms       Room fan-out test, users join rooms and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// commonFlags are shared by every scenario.
type commonFlags struct {
	url        string
	metricsURL string
	userPrefix string
	spreadIPs  bool
	signer     client.Signer
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.StringVar(&c.metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.StringVar(&c.userPrefix, "user-prefix", "lt-user", "Prefix for simulated user ids")
	fs.StringVar(&c.signer.Secret, "secret", os.Getenv("JWT_SECRET"), "Token signing secret (defaults to $JWT_SECRET)")
	fs.StringVar(&c.signer.Issuer, "issuer", "", "Token issuer")
	fs.BoolVar(&c.spreadIPs, "spread-ips", true, "Send a distinct X-Forwarded-For per user to stay under the per-IP handshake limit")
	return c
}

// dial connects simulated user i and waits for its session.
func (c *commonFlags) dial(ctx context.Context, i int) (*client.Client, error) {
	opts := client.Options{Signer: c.signer}
	if c.spreadIPs {
		opts.ForwardedFor = fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xff, (i>>8)&0xff, i&0xff)
	}
	cl, err := client.New(ctx, c.url, fmt.Sprintf("%s-%d", c.userPrefix, i), opts)
	if err != nil {
		return nil, err
	}
	if err := cl.WaitForSession(ctx); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

// ramp launches n connect attempts spread over d with at most concurrency in
// flight, printing progress every second. It reports whether ctx was
// cancelled before all attempts were launched.
func ramp(ctx context.Context, n int, d time.Duration, concurrency int, collector *stats.Collector, connect func(i int)) bool {
	interval := d / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, n, collector.ErrorCount(), rate)
				lastCount = conns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			connect(i)
		}(i)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return interrupted
}
