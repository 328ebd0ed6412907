package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 10s
	ReadTimeout     time.Duration // http.Server read timeout
	WriteTimeout    time.Duration // http.Server write timeout (streaming responses clear it per request)
	IdleTimeout     time.Duration // http.Server idle timeout

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	ServiceName     string   // name reported in traces and /healthz (ex: "tracseq-gateway")
	ServiceFile     string   // path to the services.yaml routing table
	AuthExemptPaths []string // path prefixes that never require a credential (ex: /api/auth/login)
	CORSOrigins     []string // allowed CORS origins, "*" allows any
	AdminCIDRS      []string // optional, restrict /metrics and /gateway/* to these IPs/CIDRs
	TrustProxy      bool     // true => trust X-Forwarded-For headers for client IP resolution

	// Circuit breaker
	BreakerFailureThreshold int           // consecutive failures before OPEN (default: 5)
	BreakerTimeout          time.Duration // cooldown before a HALF_OPEN probe (default: 60s)
	BreakerWindow           time.Duration // failures further apart than this restart the count (default: 60s)

	// Retry policy
	RetryMaxRetries      int           // additional attempts after the first one (default: 2)
	RetryBaseDelay       time.Duration // ex: 100ms
	RetryExponentialBase float64       // ex: 2.0
	RetryMaxDelay        time.Duration // ex: 2s

	// Rate limiting
	RateLimitAlgorithm       string  // "token_bucket" | "adaptive"
	RateLimitDefaultRPM      int     // requests/minute when a service does not set one
	RateLimitBurst           int     // default bucket depth (0 = capacity)
	RateLimitGlobalRPM       int     // gateway-wide limit, 0 disables the global scope
	RateLimitEndpointRPM     int     // per service endpoint limit, 0 disables the endpoint scope
	AdaptiveCPUThreshold     float64 // percent CPU above which capacity shrinks
	AdaptiveMemoryThreshold  float64 // percent memory above which capacity shrinks
	AdaptiveMinFactor        float64 // lower bound of the capacity multiplier
	RateLimitSweepInterval   time.Duration
	RateLimitIdleBucketTTL   time.Duration
	RateLimitDistributedKeys bool // true => store buckets in Redis (requires RedisAddr)

	// Health checks and system monitor
	HealthInterval    time.Duration // default: 30s
	HealthTimeout     time.Duration // per probe timeout
	SysmonInterval    time.Duration // default: 1s
	SysmonDiskPath    string        // mount point sampled for disk usage
	SysmonEnabled     bool
	TracingEnabled    bool
	TracingStdout     bool    // export spans as JSON lines on stdout
	TracingSampleRate float64 // 0..1

	// Redis (optional, empty address => process-local rate limiting)
	RedisAddr           string        // ex: "localhost:6379"
	RedisMasterName     string        // optional, sentinel master name
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("GATEWAY_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("GATEWAY_SHUTDOWN_TIMEOUT", 10*time.Second),
		ReadTimeout:     mustDuration("GATEWAY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    mustDuration("GATEWAY_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     mustDuration("GATEWAY_IDLE_TIMEOUT", 60*time.Second),

		// Logging
		LogLevel:  getenv("GATEWAY_LOG_LEVEL", "info"),
		PrettyLog: mustBool("GATEWAY_PRETTY_LOG", false),

		// Routing
		ServiceName:     getenv("GATEWAY_SERVICE_NAME", "tracseq-gateway"),
		ServiceFile:     getenv("GATEWAY_SERVICE_FILE", "/etc/gateway/services.yaml"),
		AuthExemptPaths: splitAndTrim(getenv("GATEWAY_AUTH_EXEMPT_PATHS", "/api/auth/login,/api/auth/refresh")),
		CORSOrigins:     splitAndTrim(getenv("GATEWAY_CORS_ORIGINS", "*")),
		AdminCIDRS:      splitAndTrim(getenv("GATEWAY_ADMIN_CIDRS", "")),
		TrustProxy:      mustBool("GATEWAY_TRUST_PROXY", false),

		// Circuit breaker
		BreakerFailureThreshold: getenvInt("GATEWAY_CB_FAILURE_THRESHOLD", 5),
		BreakerTimeout:          mustDuration("GATEWAY_CB_TIMEOUT", 60*time.Second),
		BreakerWindow:           mustDuration("GATEWAY_CB_WINDOW", 60*time.Second),

		// Retry policy
		RetryMaxRetries:      getenvInt("GATEWAY_RETRY_MAX", 2),
		RetryBaseDelay:       mustDuration("GATEWAY_RETRY_BASE_DELAY", 100*time.Millisecond),
		RetryExponentialBase: getenvFloat("GATEWAY_RETRY_EXPONENTIAL_BASE", 2.0),
		RetryMaxDelay:        mustDuration("GATEWAY_RETRY_MAX_DELAY", 2*time.Second),

		// Rate limiting
		RateLimitAlgorithm:       getenv("GATEWAY_RATE_LIMIT_ALGORITHM", "token_bucket"),
		RateLimitDefaultRPM:      getenvInt("GATEWAY_RATE_LIMIT_DEFAULT_RPM", 100),
		RateLimitBurst:           getenvInt("GATEWAY_RATE_LIMIT_BURST", 0),
		RateLimitGlobalRPM:       getenvInt("GATEWAY_RATE_LIMIT_GLOBAL_RPM", 0),
		RateLimitEndpointRPM:     getenvInt("GATEWAY_RATE_LIMIT_ENDPOINT_RPM", 0),
		AdaptiveCPUThreshold:     getenvFloat("GATEWAY_ADAPTIVE_CPU_THRESHOLD", 80),
		AdaptiveMemoryThreshold:  getenvFloat("GATEWAY_ADAPTIVE_MEMORY_THRESHOLD", 85),
		AdaptiveMinFactor:        getenvFloat("GATEWAY_ADAPTIVE_MIN_FACTOR", 0.25),
		RateLimitSweepInterval:   mustDuration("GATEWAY_RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
		RateLimitIdleBucketTTL:   mustDuration("GATEWAY_RATE_LIMIT_IDLE_TTL", 15*time.Minute),
		RateLimitDistributedKeys: mustBool("GATEWAY_RATE_LIMIT_DISTRIBUTED", true),

		// Health and system monitor
		HealthInterval:    mustDuration("GATEWAY_HEALTH_INTERVAL", 30*time.Second),
		HealthTimeout:     mustDuration("GATEWAY_HEALTH_TIMEOUT", 5*time.Second),
		SysmonInterval:    mustDuration("GATEWAY_SYSMON_INTERVAL", time.Second),
		SysmonDiskPath:    getenv("GATEWAY_SYSMON_DISK_PATH", "/"),
		SysmonEnabled:     mustBool("GATEWAY_SYSMON_ENABLED", true),
		TracingEnabled:    mustBool("GATEWAY_TRACING_ENABLED", true),
		TracingStdout:     mustBool("GATEWAY_TRACING_STDOUT", false),
		TracingSampleRate: getenvFloat("GATEWAY_TRACING_SAMPLE_RATE", 1.0),

		// Redis settings
		RedisAddr:           getenv("GATEWAY_REDIS_ADDR", ""),
		RedisMasterName:     getenv("GATEWAY_REDIS_MASTER_NAME", ""),
		RedisUser:           getenv("GATEWAY_REDIS_USERNAME", ""),
		RedisPassword:       getenv("GATEWAY_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("GATEWAY_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),
	}

	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("❌ FATAL: %v", err))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfg.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// Distributed reports whether rate-limit buckets live in Redis.
func (c *Config) Distributed() bool {
	return c.RedisAddr != "" && c.RateLimitDistributedKeys
}

// RedisAddrs splits GATEWAY_REDIS_ADDR: one address for a single node, several
// comma separated addresses for a cluster.
func (c *Config) RedisAddrs() []string {
	return splitAndTrim(c.RedisAddr)
}

func (c *Config) validate() error {
	switch c.RateLimitAlgorithm {
	case "token_bucket", "adaptive":
	default:
		return fmt.Errorf("GATEWAY_RATE_LIMIT_ALGORITHM must be token_bucket or adaptive, got %q", c.RateLimitAlgorithm)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("GATEWAY_CB_FAILURE_THRESHOLD must be >= 1, got %d", c.BreakerFailureThreshold)
	}
	if c.RetryMaxRetries < 0 {
		return fmt.Errorf("GATEWAY_RETRY_MAX must be >= 0, got %d", c.RetryMaxRetries)
	}
	if c.RetryExponentialBase < 1 {
		return fmt.Errorf("GATEWAY_RETRY_EXPONENTIAL_BASE must be >= 1, got %v", c.RetryExponentialBase)
	}
	if c.AdaptiveMinFactor <= 0 || c.AdaptiveMinFactor > 1 {
		return fmt.Errorf("GATEWAY_ADAPTIVE_MIN_FACTOR must be in (0, 1], got %v", c.AdaptiveMinFactor)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("GATEWAY_TRACING_SAMPLE_RATE must be in [0, 1], got %v", c.TracingSampleRate)
	}
	return nil
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
