// Command loadtest drives a running relay with simulated clients. It
// provides subcommands for different load testing scenarios:
//
//   - saturate: opens N idle connections and holds them
//   - chat:     N connections exchange chat or room messages
//
// Usage:
//
//	loadtest <command> [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sockrelay/chat/loadtest/client"
	"github.com/sockrelay/chat/loadtest/stats"
)

var (
	targetURL   string
	concurrency int
	rampUp      time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "loadtest",
	Short:        "Load test a sockrelay server",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&targetURL, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 50, "maximum simultaneous connection attempts")
	rootCmd.PersistentFlags().DurationVar(&rampUp, "ramp", 10*time.Second, "ramp-up duration")

	rootCmd.AddCommand(newSaturateCmd(), newChatCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// rampResult is what connectAll hands back to a scenario.
type rampResult struct {
	clients     []*client.Client
	interrupted bool
}

// connectAll opens n connections spread evenly over the ramp-up duration,
// waiting for each one's greeting. setup runs on each client right after it
// is dialed.
func connectAll(ctx context.Context, n int, collector *stats.Collector, setup func(i int, c *client.Client)) rampResult {
	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	interval := rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

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
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					current, n, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
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

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, targetURL)
			if err != nil {
				collector.AddError()
				return
			}
			if setup != nil {
				setup(i, c)
			}
			if err := c.WaitForGreeting(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().GreetingLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	ticker.Stop()
	wg.Wait()

	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	return rampResult{clients: clients, interrupted: interrupted}
}

func closeAll(clients []*client.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
