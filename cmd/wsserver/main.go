package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/sockrelay/chat/internal/config"
	"github.com/sockrelay/chat/internal/httpapi"
	"github.com/sockrelay/chat/internal/moderation"
	"github.com/sockrelay/chat/internal/ratelimit"
	"github.com/sockrelay/chat/internal/relay"
	"github.com/sockrelay/chat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// relayStats feeds the health endpoint.
type relayStats struct {
	server *ws.Server
	hub    *relay.Hub
}

func (s relayStats) ConnectionCount() int { return s.hub.Registry().Count() }
func (s relayStats) RoomCount() int { return s.hub.Rooms().RoomCount() }
func (s relayStats) Uptime() time.Duration { return s.server.Uptime() }

func main() {
	envFile := ".env"
	if v := os.Getenv("ENV_FILE"); v != "" {
		envFile = v
	}
	v, err := config.New(envFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg, err := config.LoadServer(v)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	wsConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr(),
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
		AllowedOrigins: cfg.ClientURLs,
	}

	log.Printf("sockrelay server starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  client_url:      %s", strings.Join(cfg.ClientURLs, ","))
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", wsConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", wsConfig.WriteTimeout)
	log.Printf("  heartbeat:       %s/%s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  message_limit:   %d/%s", cfg.MessageRateLimit, cfg.MessageRateWindow)
	log.Printf("  content_filter:  terms=%d spam=%t", len(cfg.BlockedTerms), cfg.SpamFilter)

	hub := relay.NewHub(
		relay.WithCustomHandler(func(connID string, data json.RawMessage) {
			log.Printf("[custom] conn=%s data=%s", connID, data)
		}),
		relay.WithMessageLimit(ratelimit.Rule{
			Limit:  cfg.MessageRateLimit,
			Window: cfg.MessageRateWindow,
		}),
		relay.WithContentFilter(moderation.NewFilter(cfg.BlockedTerms, cfg.SpamFilter)),
	)
	server := ws.NewServer(wsConfig, hub)
	hub.SetSender(server)

	router := httpapi.NewRouter(httpapi.Deps{
		WebSocket: server,
		Stats:     relayStats{server: server, hub: hub},
		Origins:   server.Origins(),
	})

	go func() {
		if err := server.Start(router); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"ws-server": func(ctx context.Context) error {
				return server.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("server exited with code: %d", exitCode)
	os.Exit(exitCode)
}
