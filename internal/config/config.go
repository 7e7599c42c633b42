// Package config loads AetherTerm's runtime configuration, spec §6's full
// bind_host/bind_port/tls/supervisor/resource-limit option set.
//
// Grounded on the teacher's main_ref.go hybrid pattern — godotenv.Load()
// for a local .env file, then flag.Parse() for CLI overrides of the options
// an operator is most likely to pass ad hoc (bind host/port) — generalized
// so every other option is environment-variable-driven per spec §6 rather
// than requiring a flag per option.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the fully resolved set of options spec §6 names.
type Config struct {
	BindHost   string
	BindPort   int
	TLSCert    string
	TLSKey     string
	RequireTLS bool

	SupervisorURL       string
	HostID              string
	ReconnectBackoffMax time.Duration

	MaxTerminalsPerHost   int
	OutputRingBytes       int
	SubscriptionHighWater int
	SubscriptionLowWater  int

	RequestTimeout time.Duration

	HeartbeatInterval time.Duration
	MaxMissedPongs    int

	InputRateLimitPerSec float64
	InputRateBurst       int
	OutboundQueueSize    int

	DisableRequestLogging bool
	EnableProcessingTime  bool
}

func withDefaults() Config {
	return Config{
		BindHost:              "0.0.0.0",
		BindPort:              8787,
		ReconnectBackoffMax:   30 * time.Second,
		MaxTerminalsPerHost:   256,
		OutputRingBytes:       64 * 1024,
		SubscriptionHighWater: 256 * 1024,
		SubscriptionLowWater:  64 * 1024,
		RequestTimeout:        15 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		MaxMissedPongs:        2,
		InputRateLimitPerSec:  500,
		InputRateBurst:        1000,
		OutboundQueueSize:     256,
	}
}

// Load reads a .env file if present, applies every AETHERTERM_* environment
// variable over the defaults, then lets -bind-host/-bind-port flags win —
// the same override order as the teacher's main_ref.go (env/file first,
// flags last).
func Load(args []string, log *logrus.Logger) Config {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using process environment only")
	}

	cfg := withDefaults()
	cfg.BindHost = envString("AETHERTERM_BIND_HOST", cfg.BindHost)
	cfg.BindPort = envInt("AETHERTERM_BIND_PORT", cfg.BindPort)
	cfg.TLSCert = envString("AETHERTERM_TLS_CERT", cfg.TLSCert)
	cfg.TLSKey = envString("AETHERTERM_TLS_KEY", cfg.TLSKey)
	cfg.RequireTLS = envBool("AETHERTERM_REQUIRE_TLS", cfg.RequireTLS)

	cfg.SupervisorURL = envString("AETHERTERM_SUPERVISOR_URL", cfg.SupervisorURL)
	cfg.HostID = envString("AETHERTERM_HOST_ID", defaultHostID())
	cfg.ReconnectBackoffMax = envDuration("AETHERTERM_RECONNECT_BACKOFF_MAX_MS", cfg.ReconnectBackoffMax)

	cfg.MaxTerminalsPerHost = envInt("AETHERTERM_MAX_TERMINALS_PER_HOST", cfg.MaxTerminalsPerHost)
	cfg.OutputRingBytes = envInt("AETHERTERM_OUTPUT_RING_BYTES", cfg.OutputRingBytes)
	cfg.SubscriptionHighWater = envInt("AETHERTERM_SUBSCRIPTION_HIGH_WATER_BYTES", cfg.SubscriptionHighWater)
	cfg.SubscriptionLowWater = envInt("AETHERTERM_SUBSCRIPTION_LOW_WATER_BYTES", cfg.SubscriptionLowWater)

	cfg.RequestTimeout = envDuration("AETHERTERM_REQUEST_TIMEOUT_MS", cfg.RequestTimeout)
	cfg.HeartbeatInterval = envDuration("AETHERTERM_HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval)
	cfg.MaxMissedPongs = envInt("AETHERTERM_MAX_MISSED_PONGS", cfg.MaxMissedPongs)

	cfg.InputRateLimitPerSec = envFloat("AETHERTERM_INPUT_RATE_LIMIT_PER_SEC", cfg.InputRateLimitPerSec)
	cfg.InputRateBurst = envInt("AETHERTERM_INPUT_RATE_BURST", cfg.InputRateBurst)
	cfg.OutboundQueueSize = envInt("AETHERTERM_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)

	cfg.DisableRequestLogging = envBool("AETHERTERM_DISABLE_REQUEST_LOGGING", cfg.DisableRequestLogging)
	cfg.EnableProcessingTime = envBool("AETHERTERM_ENABLE_PROCESSING_TIME", cfg.EnableProcessingTime)

	fs := flag.NewFlagSet("aetherterm-core", flag.ContinueOnError)
	bindHost := fs.String("bind-host", cfg.BindHost, "address to bind EdgeGateway to")
	bindPort := fs.Int("bind-port", cfg.BindPort, "port to bind EdgeGateway to")
	fs.Parse(args)
	cfg.BindHost = *bindHost
	cfg.BindPort = *bindPort

	return cfg
}

func defaultHostID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "aetherterm-core"
	}
	return hostname
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
