package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// DefaultStreamTimeout applies when STREAM_TIMEOUT_SECONDS is 0 or unset.
const DefaultStreamTimeout = 600 * time.Second

type Config struct {
	HTTPAddr     string
	PostgresDSN  string // empty: in-memory store
	RedisAddr    string // empty: in-memory dedup
	KafkaBrokers []string
	ServiceName  string

	RemoteBaseURL   string
	RemoteStreamURL string
	RemoteToken     string
	LocationID      string

	OrderMode     string
	SeatingMode   string
	RejectPolicy  string
	StreamTimeout time.Duration

	DispatchWorkers  int
	RetryMaxAttempts int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	RemoteRatePerSec float64

	// In-memory POS seed, used without POSTGRES_DSN. Empty means remote
	// prices are trusted and any table exists.
	MemoryCatalog []string // product=price
	MemoryTables  []string

	LogLevel  string
	LogFormat string
}

// Load reads the environment, after merging a .env file when one exists.
// Values already in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		HTTPAddr:     getenv("HTTP_ADDR", ":8081"),
		PostgresDSN:  getenv("POSTGRES_DSN", ""),
		RedisAddr:    getenv("REDIS_ADDR", ""),
		KafkaBrokers: splitCSV(getenv("KAFKA_BROKERS", "")),
		ServiceName:  getenv("SERVICE_NAME", "possync"),

		RemoteBaseURL:   getenv("REMOTE_BASE_URL", "http://localhost:9000/api"),
		RemoteStreamURL: getenv("REMOTE_STREAM_URL", "ws://localhost:9000/stream"),
		RemoteToken:     getenv("REMOTE_TOKEN", ""),
		LocationID:      getenv("LOCATION_ID", ""),

		OrderMode:     getenv("ORDER_MODE", string(orders.ModeRestaurant)),
		SeatingMode:   getenv("SEATING_MODE", string(orders.SeatingRemote)),
		RejectPolicy:  getenv("REJECT_POLICY", string(orders.RejectPerItem)),
		StreamTimeout: streamTimeout(getint("STREAM_TIMEOUT_SECONDS", 0)),

		DispatchWorkers:  getint("DISPATCH_WORKERS", 8),
		RetryMaxAttempts: getint("RETRY_MAX_ATTEMPTS", 4),
		RetryInitial:     time.Duration(getint("RETRY_INITIAL_MS", 200)) * time.Millisecond,
		RetryMax:         time.Duration(getint("RETRY_MAX_MS", 5000)) * time.Millisecond,
		RemoteRatePerSec: getfloat("REMOTE_RATE_PER_SEC", 20),

		MemoryCatalog: splitCSV(getenv("MEMORY_CATALOG", "")),
		MemoryTables:  splitCSV(getenv("MEMORY_TABLES", "")),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),
	}
}

func streamTimeout(secs int) time.Duration {
	if secs <= 0 {
		return DefaultStreamTimeout
	}
	return time.Duration(secs) * time.Second
}

// Validate reports every bad setting at once.
func (c Config) Validate() error {
	var bad []string
	if _, err := orders.ParseOrderMode(c.OrderMode); err != nil {
		bad = append(bad, err.Error())
	}
	if _, err := orders.ParseSeatingMode(c.SeatingMode); err != nil {
		bad = append(bad, err.Error())
	}
	if _, err := orders.ParseRejectPolicy(c.RejectPolicy); err != nil {
		bad = append(bad, err.Error())
	}
	if c.DispatchWorkers <= 0 {
		bad = append(bad, fmt.Sprintf("DISPATCH_WORKERS must be positive, got %d", c.DispatchWorkers))
	}
	if c.RetryMaxAttempts <= 0 {
		bad = append(bad, fmt.Sprintf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts))
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		bad = append(bad, fmt.Sprintf("retry interval %s..%s is invalid", c.RetryInitial, c.RetryMax))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		bad = append(bad, err.Error())
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		bad = append(bad, fmt.Sprintf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if len(bad) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(bad, "; "))
	}
	return nil
}

// Logger builds the process logger.
func (c Config) Logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	if c.LogFormat == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	n, err := strconv.Atoi(getenv(k, ""))
	if err != nil {
		return def
	}
	return n
}

func getfloat(k string, def float64) float64 {
	f, err := strconv.ParseFloat(getenv(k, ""), 64)
	if err != nil {
		return def
	}
	return f
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
