package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/sockrelay/chat/internal/chat"
	"github.com/sockrelay/chat/internal/protocol"
	"github.com/sockrelay/chat/loadtest/client"
	"github.com/sockrelay/chat/loadtest/stats"
)

// newChatCmd builds the fan-out test. Every client sends messages at a fixed
// interval; every delivery is counted and the sender measures the round trip
// of its own messages, which carry their send time.
func newChatCmd() *cobra.Command {
	var (
		clients     int
		messages    int
		msgInterval time.Duration
		msgSize     int
		room        string
		settle      time.Duration
		metricsURL  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Exchange chat messages between N connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if clients < 1 || messages < 1 {
				return fmt.Errorf("--clients and --messages must be at least 1")
			}
			scope := "broadcast"
			if room != "" {
				scope = "room " + room
			}
			fmt.Printf("Chat test: %d clients x %d messages to %s (%s, interval=%s, msg-size=%d)\n",
				clients, messages, targetURL, scope, msgInterval, msgSize)

			ctx, stop := signalContext()
			defer stop()

			collector := stats.NewCollector()
			if metricsURL != "" {
				scraper := stats.NewScraper(metricsURL, 2*time.Second)
				collector.SetScraper(scraper)
				scraper.Start(ctx)
				defer scraper.Stop()
			}

			eventType := protocol.TypeChatMessage
			if room != "" {
				eventType = protocol.TypeRoomMessage
			}

			// -----------------------------------------------------------------
			// Phase 1: connect
			// -----------------------------------------------------------------
			fmt.Println("\n--- Phase 1: Connect ---")
			res := connectAll(ctx, clients, collector, func(i int, c *client.Client) {
				c.On(eventType, func(data json.RawMessage) {
					collector.AddDelivered()
					var msg chat.Message
					if err := json.Unmarshal(data, &msg); err != nil {
						return
					}
					if msg.OriginConnectionID != c.ID() {
						return
					}
					if sentAt, ok := parseSentAt(msg.Text); ok {
						collector.AddMsgLatency(time.Since(sentAt))
					}
				})
			})
			defer closeAll(res.clients)
			if res.interrupted || len(res.clients) == 0 {
				collector.Report(os.Stdout)
				return nil
			}

			if room != "" {
				for _, c := range res.clients {
					if err := c.Send(protocol.TypeJoinRoom, protocol.JoinRoomEvent{Room: room}); err != nil {
						collector.AddError()
					}
				}
			}
			time.Sleep(settle)

			// -----------------------------------------------------------------
			// Phase 2: exchange messages
			// -----------------------------------------------------------------
			fmt.Println("\n--- Phase 2: Exchange messages ---")
			padding := strings.Repeat("x", msgSize)
			var wg sync.WaitGroup
			for i, c := range res.clients {
				wg.Add(1)
				go func(i int, c *client.Client) {
					defer wg.Done()
					ticker := time.NewTicker(msgInterval)
					defer ticker.Stop()
					username := "lt-" + strconv.Itoa(i)
					for n := 0; n < messages; n++ {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
						}
						text := formatSentAt(time.Now(), padding)
						var err error
						if room != "" {
							err = c.Send(eventType, protocol.RoomMessageEvent{Room: room, Text: text, Username: username})
						} else {
							err = c.Send(eventType, protocol.ChatMessageEvent{Text: text, Username: username})
						}
						if err != nil {
							collector.AddError()
							return
						}
						collector.AddSent()
					}
				}(i, c)
			}
			wg.Wait()

			// Let in-flight deliveries land.
			time.Sleep(settle)

			expected := len(res.clients) * len(res.clients) * messages
			fmt.Printf("\nDeliveries: %d/%d expected\n", collector.Delivered(), expected)
			collector.Report(os.Stdout)
			return nil
		},
	}
	cmd.Flags().IntVar(&clients, "clients", 100, "number of connections")
	cmd.Flags().IntVar(&messages, "messages", 10, "messages sent per connection")
	cmd.Flags().DurationVar(&msgInterval, "msg-interval", time.Second, "interval between messages per connection")
	cmd.Flags().IntVar(&msgSize, "msg-size", 64, "padding bytes per message")
	cmd.Flags().StringVar(&room, "room", "", "send room messages to this room instead of broadcasting")
	cmd.Flags().DurationVar(&settle, "settle", time.Second, "pause after joining and after sending")
	cmd.Flags().StringVar(&metricsURL, "metrics-url", "", "Prometheus endpoint to scrape, empty to skip")
	return cmd
}

// formatSentAt prefixes the padding with the send time in nanoseconds.
func formatSentAt(t time.Time, padding string) string {
	return strconv.FormatInt(t.UnixNano(), 10) + "|" + padding
}

func parseSentAt(text string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(text, "|")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
