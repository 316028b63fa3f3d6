// Package config manages Argus configuration from environment variables.
//
// A .env file next to the working directory is honoured for local
// development; real deployments set the variables directly. Tool paths are
// resolved under ToolRoot and may be refreshed at runtime via the watcher.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenHost string
	ListenPort int
	DataPath   string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Scheduler settings
	WorkerCount        int           // scheduler.worker_count
	InflightCap        int           // scheduler.inflight_cap
	SubmitRateLimit    int           // admissions per principal per window
	SubmitRateWindow   time.Duration // rate-limit window
	DefaultMaxRetries  int
	DefaultRetryDelay  time.Duration
	MaxExecutionTime   time.Duration // upper bound accepted at submission
	CancelHardDeadline time.Duration

	// Engine settings
	MaxSubprocessesPerTask int
	ToolRoot               string // discovery root for tool binaries
	StageTimeouts          map[string]time.Duration

	// API-security settings
	APIMaxConcurrentRequests int
	APIMaxJSFiles            int
	APIHTTPTimeout           time.Duration

	// SSRF settings
	SSRFAllowedSchemes []string
	SSRFAllowedPorts   []int
	SSRFHostDenylist   []string
	DNSResolverTimeout time.Duration

	// Merger settings
	MergerEvidenceCap         int
	MergerRemediationPriority []string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	// Best effort; missing .env is the normal case in production
	_ = godotenv.Load()

	cfg := &Config{
		ListenHost: getEnv("ARGUS_HOST", "0.0.0.0"),
		ListenPort: getEnvInt("ARGUS_PORT", 7800),
		DataPath:   getEnv("ARGUS_DATA_PATH", "/var/lib/argus"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "auto"),

		WorkerCount:        getEnvInt("SCHEDULER_WORKER_COUNT", 8),
		InflightCap:        getEnvInt("SCHEDULER_INFLIGHT_CAP", 64),
		SubmitRateLimit:    getEnvInt("SCHEDULER_SUBMIT_RATE_LIMIT", 5),
		SubmitRateWindow:   getEnvDuration("SCHEDULER_SUBMIT_RATE_WINDOW", time.Minute),
		DefaultMaxRetries:  getEnvInt("SCHEDULER_MAX_RETRIES", 3),
		DefaultRetryDelay:  getEnvDuration("SCHEDULER_RETRY_DELAY", 30*time.Second),
		MaxExecutionTime:   getEnvDuration("SCHEDULER_MAX_EXECUTION_TIME", 4*time.Hour),
		CancelHardDeadline: getEnvDuration("SCHEDULER_CANCEL_HARD_DEADLINE", 60*time.Second),

		MaxSubprocessesPerTask: getEnvInt("ENGINE_MAX_SUBPROCESSES_PER_TASK", 4),
		ToolRoot:               getEnv("ENGINE_TOOL_ROOT", "/usr/local/bin"),
		StageTimeouts:          parseStageTimeouts(os.Getenv("ENGINE_STAGE_TIMEOUTS")),

		APIMaxConcurrentRequests: getEnvInt("API_SECURITY_MAX_CONCURRENT_REQUESTS", 10),
		APIMaxJSFiles:            getEnvInt("API_SECURITY_MAX_JS_FILES", 100),
		APIHTTPTimeout:           getEnvDuration("API_SECURITY_HTTP_TIMEOUT", 30*time.Second),

		SSRFAllowedSchemes: getEnvList("SSRF_ALLOWED_SCHEMES", []string{"http", "https"}),
		SSRFAllowedPorts:   getEnvIntList("SSRF_ALLOWED_PORTS", []int{80, 443, 8080, 8443}),
		SSRFHostDenylist:   getEnvList("SSRF_HOST_DENYLIST", nil),
		DNSResolverTimeout: getEnvDuration("DNS_RESOLVER_TIMEOUT", 5*time.Second),

		MergerEvidenceCap:         getEnvInt("MERGER_EVIDENCE_CAP_PER_SOURCE", 5),
		MergerRemediationPriority: getEnvList("MERGER_REMEDIATION_PRIORITY", []string{"pattern", "template", "header-scan"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("scheduler worker count must be >= 1, got %d", c.WorkerCount)
	}
	if c.InflightCap < c.WorkerCount {
		return fmt.Errorf("inflight cap %d must be >= worker count %d", c.InflightCap, c.WorkerCount)
	}
	if c.MaxExecutionTime <= 0 {
		return fmt.Errorf("max execution time must be positive")
	}
	if c.MaxSubprocessesPerTask < 1 {
		return fmt.Errorf("max subprocesses per task must be >= 1")
	}
	return nil
}

// StageTimeout returns the configured timeout for a stage id, falling back
// to stage-type defaults.
func (c *Config) StageTimeout(stage string) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok {
		return d
	}
	switch stage {
	case "port-probe":
		return 15 * time.Minute
	case "subdomain-enum":
		return 10 * time.Minute
	case "template-scan":
		return 30 * time.Minute
	case "crawl":
		return 20 * time.Minute
	default:
		return 10 * time.Minute
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvIntList(key string, fallback []int) []int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			log.Warn().Str("key", key).Str("value", p).Msg("Invalid integer in list, skipping")
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// parseStageTimeouts parses "stage=duration,stage=duration" pairs.
func parseStageTimeouts(v string) map[string]time.Duration {
	out := map[string]time.Duration{}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(kv[1]))
		if err != nil {
			log.Warn().Str("stage", kv[0]).Str("value", kv[1]).Msg("Invalid stage timeout, skipping")
			continue
		}
		out[strings.TrimSpace(kv[0])] = d
	}
	return out
}
