// Package config handles YAML configuration loading with environment
// variable expansion, AI_GATEWAY__ environment overrides, and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/eugener/shadowfax/internal/model"
)

// Config is the top-level gateway configuration.
type Config struct {
	DeploymentTarget    string              `yaml:"deployment-target"`
	Server              ServerConfig        `yaml:"server"`
	Dispatcher          DispatcherConfig    `yaml:"dispatcher"`
	Auth                AuthConfig          `yaml:"auth"`
	Providers           map[string]Provider `yaml:"providers"`
	Routers             map[string]Router   `yaml:"routers"`
	Global              Global              `yaml:"global"`
	DefaultModelMapping map[string][]string `yaml:"default-model-mapping"`
	RateLimitStore      RateLimitStore      `yaml:"rate-limit-store"`
	CacheStore          CacheStore          `yaml:"cache-store"`
	Health              Health              `yaml:"health"`
	ResponseHeaders     ResponseHeaders     `yaml:"response-headers"`
	Telemetry           TelemetryConfig     `yaml:"telemetry"`
	LogSink             LogSinkConfig       `yaml:"log-sink"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	Port            int           `yaml:"port"`
	TLS             *TLSConfig    `yaml:"tls"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	BufferSize      int           `yaml:"buffer-size"` // in-flight request cap
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// TLSConfig enables HTTPS when both files are set.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// DispatcherConfig bounds upstream calls.
type DispatcherConfig struct {
	ConnectionTimeout time.Duration `yaml:"connection-timeout"`
	Timeout           time.Duration `yaml:"timeout"`
}

// AuthConfig seeds the embedded auth oracle. When Require is unset it
// defaults to true iff keys are configured.
type AuthConfig struct {
	Require *bool      `yaml:"require"`
	Keys    []KeyEntry `yaml:"keys"`
}

// Required reports the resolved auth requirement.
func (a AuthConfig) Required() bool {
	if a.Require != nil {
		return *a.Require
	}
	return len(a.Keys) > 0
}

// KeyEntry is one accepted bearer credential for the embedded oracle.
type KeyEntry struct {
	Key    string   `yaml:"key"` // plaintext or ${ENV}
	UserID string   `yaml:"user-id"`
	OrgID  string   `yaml:"org-id"`
	Scopes []string `yaml:"scopes"`
}

// Provider configures one upstream.
type Provider struct {
	BaseURL string   `yaml:"base-url"`
	Models  []string `yaml:"models"`
	Version string   `yaml:"version"` // anthropic-version header value
	APIKey  string   `yaml:"api-key"`
	Hosting string   `yaml:"hosting"` // gemini: "" or "vertex"
	Region  string   `yaml:"region"`  // bedrock / vertex
	Project string   `yaml:"project"` // vertex

	// Optional static AWS credentials for Bedrock; the default chain is
	// used when absent.
	AccessKeyID     string `yaml:"access-key-id"`
	SecretAccessKey string `yaml:"secret-access-key"`
}

// Router configures one router id.
type Router struct {
	LoadBalance   map[string]Balance  `yaml:"load-balance"` // keyed by endpoint type
	Cache         *Cache              `yaml:"cache"`
	RateLimit     *RateLimit          `yaml:"rate-limit"`
	ModelMappings map[string][]string `yaml:"model-mappings"`
	Retries       *Retries            `yaml:"retries"`
	RequestStyle  string              `yaml:"request-style"` // dialect clients speak, default openai
	AuthRequired  *bool               `yaml:"auth-required"`

	// EndpointRateLimit admits per (endpoint type, subject) after the
	// endpoint is resolved, with state independent of the router layer.
	EndpointRateLimit *RateLimit `yaml:"endpoint-rate-limit"`
}

// Balance selects the balancing strategy for one endpoint type.
type Balance struct {
	Strategy  string           `yaml:"strategy"` // "latency" or "weighted"
	Providers []string         `yaml:"providers"`
	Targets   []WeightedTarget `yaml:"targets"`
}

// WeightedTarget pairs a provider with a weight in (0, 1]. Weights need
// not sum to 1.
type WeightedTarget struct {
	Provider string  `yaml:"provider"`
	Weight   float64 `yaml:"weight"`
}

// Cache is the cache intent at one position (global or per-router).
type Cache struct {
	Enabled   *bool  `yaml:"enabled"`
	Directive string `yaml:"directive"` // default Cache-Control when the client sends none
	Buckets   int    `yaml:"buckets"`   // 1..=32
	Seed      string `yaml:"seed"`
}

// On reports the resolved enable flag; a present Cache block defaults on.
func (c *Cache) On() bool {
	if c == nil {
		return false
	}
	return c.Enabled == nil || *c.Enabled
}

// RateLimit is one GCRA layer: capacity requests admitted per period.
type RateLimit struct {
	Per      string        `yaml:"per"` // "user" or "api-key"
	Capacity int64         `yaml:"capacity"`
	Period   time.Duration `yaml:"period"`
}

// Retries wraps the balancer call in exponential backoff for non-streaming
// requests.
type Retries struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max-attempts"`
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
}

// Global holds the shell-position cache and rate-limit layers.
type Global struct {
	Cache     *Cache     `yaml:"cache"`
	RateLimit *RateLimit `yaml:"rate-limit"`
}

// RateLimitStore selects the GCRA state backend shared by every layer.
type RateLimitStore struct {
	Type            string        `yaml:"type"` // "in-memory", "redis", "disabled"
	URL             string        `yaml:"url"`
	CleanupInterval time.Duration `yaml:"cleanup-interval"`
}

// CacheStore bounds the shared response cache.
type CacheStore struct {
	MaxSize    int64         `yaml:"max-size"` // bytes
	MaxEntries int           `yaml:"max-entries"`
	TTL        time.Duration `yaml:"ttl"` // upper bound on entry lifetime
}

// Health tunes the endpoint monitors.
type Health struct {
	Interval       time.Duration `yaml:"interval"`
	MinRequests    int64         `yaml:"min-requests"`
	ErrorRatio     float64       `yaml:"error-ratio"`
	Window         time.Duration `yaml:"window"`
	CooldownBuffer time.Duration `yaml:"cooldown-buffer"` // added to upstream Retry-After
}

// ResponseHeaders toggles gateway response header injection.
type ResponseHeaders struct {
	Provider *bool `yaml:"provider"` // helicone-provider / helicone-provider-req-id
}

// InjectProvider reports whether provider headers are injected (default on).
func (r ResponseHeaders) InjectProvider() bool {
	return r.Provider == nil || *r.Provider
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample-rate"` // 0.0 to 1.0
	Propagate  bool    `yaml:"propagate"`   // honor inbound trace-context headers
}

// LogSinkConfig configures the embedded SQLite log sink.
type LogSinkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      string        `yaml:"database"`
	BufferSize    int           `yaml:"buffer-size"`
	BatchSize     int           `yaml:"batch-size"`
	FlushInterval time.Duration `yaml:"flush-interval"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads a YAML config file, expands ${VAR} references, applies
// AI_GATEWAY__ environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, os.Environ())
}

// Parse is Load without the file read; environ supplies the override
// variables.
func Parse(data []byte, environ []string) (*Config, error) {
	data = expandEnv(data)

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	applyEnvOverrides(raw, environ)

	merged, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(merged, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DeploymentTarget: "self-hosted",
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			BufferSize:      1024,
		},
		Dispatcher: DispatcherConfig{
			ConnectionTimeout: 10 * time.Second,
			Timeout:           2 * time.Minute,
		},
		RateLimitStore: RateLimitStore{
			Type:            "in-memory",
			CleanupInterval: 5 * time.Minute,
		},
		CacheStore: CacheStore{
			MaxSize:    64 << 20,
			MaxEntries: 8192,
			TTL:        time.Hour,
		},
		Health: Health{
			Interval:       5 * time.Second,
			MinRequests:    20,
			ErrorRatio:     0.15,
			Window:         60 * time.Second,
			CooldownBuffer: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 0.1},
		},
		LogSink: LogSinkConfig{
			Database:      "shadowfax.db",
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
	}
}

// defaultBaseURLs fills provider base URLs left empty. Bedrock's host is
// region-dependent and resolved in normalize.
var defaultBaseURLs = map[model.InferenceProvider]string{
	model.ProviderOpenAI:    "https://api.openai.com",
	model.ProviderAnthropic: "https://api.anthropic.com",
	model.ProviderGemini:    "https://generativelanguage.googleapis.com",
	model.ProviderOllama:    "http://localhost:11434",
}

// normalize fills per-entry defaults that cannot be pre-set before
// unmarshal (map values are only known afterwards).
func (c *Config) normalize() {
	for name, p := range c.Providers {
		prov, err := model.ParseProvider(name)
		if err != nil {
			continue // Validate reports it
		}
		if p.BaseURL == "" {
			if prov == model.ProviderBedrock {
				region := p.Region
				if region == "" {
					region = "us-east-1"
					p.Region = region
				}
				p.BaseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
			} else {
				p.BaseURL = defaultBaseURLs[prov]
			}
		}
		if prov == model.ProviderAnthropic && p.Version == "" {
			p.Version = "2023-06-01"
		}
		c.Providers[name] = p
	}

	for id, r := range c.Routers {
		if r.RequestStyle == "" {
			r.RequestStyle = string(model.ProviderOpenAI)
		}
		if len(r.LoadBalance) == 0 {
			all := make([]string, 0, len(c.Providers))
			for _, p := range model.Providers {
				if _, ok := c.Providers[string(p)]; ok {
					all = append(all, string(p))
				}
			}
			r.LoadBalance = map[string]Balance{
				string(model.EndpointChat): {Strategy: "latency", Providers: all},
			}
		}
		if r.Cache != nil && r.Cache.Buckets == 0 {
			r.Cache.Buckets = 1
		}
		if r.RateLimit != nil && r.RateLimit.Per == "" {
			r.RateLimit.Per = "api-key"
		}
		if r.EndpointRateLimit != nil && r.EndpointRateLimit.Per == "" {
			r.EndpointRateLimit.Per = "api-key"
		}
		if r.Retries != nil {
			if r.Retries.MaxAttempts == 0 {
				r.Retries.MaxAttempts = 2
			}
			if r.Retries.Base == 0 {
				r.Retries.Base = 100 * time.Millisecond
			}
			if r.Retries.Max == 0 {
				r.Retries.Max = 2 * time.Second
			}
		}
		c.Routers[id] = r
	}

	if c.Global.Cache != nil && c.Global.Cache.Buckets == 0 {
		c.Global.Cache.Buckets = 1
	}
	if c.Global.RateLimit != nil && c.Global.RateLimit.Per == "" {
		c.Global.RateLimit.Per = "api-key"
	}
}
