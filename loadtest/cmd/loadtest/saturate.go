package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sockrelay/chat/loadtest/stats"
)

// newSaturateCmd builds the connection saturation test. It opens the given
// number of connections, ramping up over the configured duration, then holds
// them open while counting drops. It finds the connection capacity at which
// the server starts rejecting or dropping clients.
func newSaturateCmd() *cobra.Command {
	var (
		connections int
		hold        time.Duration
		metricsURL  string
	)
	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open N idle connections and hold them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if connections < 1 {
				return fmt.Errorf("--connections must be at least 1")
			}
			fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
				connections, targetURL, rampUp, hold, concurrency)

			ctx, stop := signalContext()
			defer stop()

			collector := stats.NewCollector()
			if metricsURL != "" {
				scraper := stats.NewScraper(metricsURL, 2*time.Second)
				collector.SetScraper(scraper)
				scraper.Start(ctx)
				defer scraper.Stop()
			}

			// -----------------------------------------------------------------
			// Ramp-up phase
			// -----------------------------------------------------------------
			fmt.Println("\n--- Ramp-up phase ---")
			res := connectAll(ctx, connections, collector, nil)
			defer closeAll(res.clients)

			// -----------------------------------------------------------------
			// Hold phase (skipped if ramp-up was interrupted)
			// -----------------------------------------------------------------
			dropped := 0
			if !res.interrupted {
				fmt.Println("\n--- Hold phase ---")
				fmt.Printf("Holding %d connections for %s...\n", len(res.clients), hold)

				holdTimer := time.NewTimer(hold)
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
					case <-statusTicker.C:
						alive := 0
						for _, c := range res.clients {
							if c.Alive() {
								alive++
							}
						}
						dropped = len(res.clients) - alive
						fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(res.clients), dropped)
					}
				}

				holdTimer.Stop()
				statusTicker.Stop()
			}

			if dropped > 0 {
				fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
			}
			collector.Report(os.Stdout)
			return nil
		},
	}
	cmd.Flags().IntVar(&connections, "connections", 1000, "number of connections to open")
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "hold duration after all connections are open")
	cmd.Flags().StringVar(&metricsURL, "metrics-url", "", "Prometheus endpoint to scrape, empty to skip")
	return cmd
}
