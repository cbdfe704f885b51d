// Package config loads server and client settings from the environment and
// an optional .env file using viper. Environment variables take precedence
// over the file, which takes precedence over the defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys, as they appear in the environment.
const (
	KeyPort              = "PORT"
	KeyClientURL         = "CLIENT_URL"
	KeyWorkerPoolSize    = "WORKER_POOL_SIZE"
	KeyMaxConnections    = "MAX_CONNECTIONS"
	KeyReadTimeout       = "READ_TIMEOUT"
	KeyWriteTimeout      = "WRITE_TIMEOUT"
	KeyHeartbeatInterval = "HEARTBEAT_INTERVAL"
	KeyHeartbeatTimeout  = "HEARTBEAT_TIMEOUT"
	KeyMessageRateLimit  = "MESSAGE_RATE_LIMIT"
	KeyMessageRateWindow = "MESSAGE_RATE_WINDOW"
	KeyBlockedTerms      = "BLOCKED_TERMS"
	KeySpamFilter        = "SPAM_FILTER"

	KeyServerURL         = "SERVER_URL"
	KeyReconnectAttempts = "RECONNECT_ATTEMPTS"
	KeyReconnectDelay    = "RECONNECT_DELAY"
	KeyConnectTimeout    = "CONNECT_TIMEOUT"
)

var defaults = map[string]string{
	KeyPort:              "8080",
	KeyClientURL:         "http://localhost:5173",
	KeyWorkerPoolSize:    "256",
	KeyMaxConnections:    "100000",
	KeyReadTimeout:       "10s",
	KeyWriteTimeout:      "10s",
	KeyHeartbeatInterval: "30s",
	KeyHeartbeatTimeout:  "10s",
	KeyMessageRateLimit:  "0",
	KeyMessageRateWindow: "10s",
	KeyBlockedTerms:      "",
	KeySpamFilter:        "false",

	KeyServerURL:         "http://localhost:3000",
	KeyReconnectAttempts: "5",
	KeyReconnectDelay:    "1000",
	KeyConnectTimeout:    "5000",
}

// Server holds the relay server settings.
type Server struct {
	Port              int
	ClientURLs        []string // allowed browser origins; "*" allows any
	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MessageRateLimit  int // chat messages per connection per window; 0 disables
	MessageRateWindow time.Duration
	BlockedTerms      []string
	SpamFilter        bool
}

// ListenAddr returns the address the server should bind.
func (s Server) ListenAddr() string {
	return ":" + strconv.Itoa(s.Port)
}

// Client holds the chat client settings.
type Client struct {
	ServerURL         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
}

// New returns a viper instance with defaults and environment lookup set up.
// If envFile is non-empty and exists it is read as a dotenv file; a missing
// file is not an error.
func New(envFile string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if envFile == "" {
		return v, nil
	}
	if _, err := os.Stat(envFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		return nil, fmt.Errorf("config: stat %s: %w", envFile, err)
	}

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", envFile, err)
	}
	return v, nil
}

// LoadServer reads the server settings from v.
func LoadServer(v *viper.Viper) (Server, error) {
	var (
		s   Server
		err error
	)
	if s.Port, err = intValue(v, KeyPort, 1); err != nil {
		return Server{}, err
	}
	if s.Port > 65535 {
		return Server{}, fmt.Errorf("config: invalid %s %d: out of range", KeyPort, s.Port)
	}
	s.ClientURLs = splitList(v.GetString(KeyClientURL))
	if s.WorkerPoolSize, err = intValue(v, KeyWorkerPoolSize, 1); err != nil {
		return Server{}, err
	}
	if s.MaxConnections, err = intValue(v, KeyMaxConnections, 1); err != nil {
		return Server{}, err
	}
	if s.ReadTimeout, err = durationValue(v, KeyReadTimeout); err != nil {
		return Server{}, err
	}
	if s.WriteTimeout, err = durationValue(v, KeyWriteTimeout); err != nil {
		return Server{}, err
	}
	if s.HeartbeatInterval, err = durationValue(v, KeyHeartbeatInterval); err != nil {
		return Server{}, err
	}
	if s.HeartbeatTimeout, err = durationValue(v, KeyHeartbeatTimeout); err != nil {
		return Server{}, err
	}
	if s.MessageRateLimit, err = intValue(v, KeyMessageRateLimit, 0); err != nil {
		return Server{}, err
	}
	if s.MessageRateWindow, err = durationValue(v, KeyMessageRateWindow); err != nil {
		return Server{}, err
	}
	s.BlockedTerms = splitList(v.GetString(KeyBlockedTerms))
	if s.SpamFilter, err = boolValue(v, KeySpamFilter); err != nil {
		return Server{}, err
	}
	return s, nil
}

// LoadClient reads the client settings from v.
func LoadClient(v *viper.Viper) (Client, error) {
	var (
		c   Client
		err error
	)
	c.ServerURL = strings.TrimSpace(v.GetString(KeyServerURL))
	if _, err := WebSocketURL(c.ServerURL); err != nil {
		return Client{}, err
	}
	if c.ReconnectAttempts, err = intValue(v, KeyReconnectAttempts, 1); err != nil {
		return Client{}, err
	}
	if c.ReconnectDelay, err = durationValue(v, KeyReconnectDelay); err != nil {
		return Client{}, err
	}
	if c.ConnectTimeout, err = durationValue(v, KeyConnectTimeout); err != nil {
		return Client{}, err
	}
	return c, nil
}

// WebSocketURL converts a server base URL into the URL of its WebSocket
// endpoint: http becomes ws, https becomes wss, and an empty path becomes
// /ws.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("config: invalid %s %q: %w", KeyServerURL, serverURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("config: invalid %s %q: unsupported scheme", KeyServerURL, serverURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("config: invalid %s %q: missing host", KeyServerURL, serverURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func intValue(v *viper.Viper, key string, floor int) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	if n < floor {
		return 0, fmt.Errorf("config: invalid %s %d: must be at least %d", key, n, floor)
	}
	return n, nil
}

// durationValue accepts Go duration syntax ("1.5s") or a bare number of
// milliseconds ("1500").
func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("config: invalid %s %q: negative", key, raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: invalid %s %q: negative", key, raw)
	}
	return d, nil
}

func boolValue(v *viper.Viper, key string) (bool, error) {
	raw := strings.TrimSpace(v.GetString(key))
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
