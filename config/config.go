// Package config loads mcprpc settings from YAML and converts them into the
// options of the packages they configure.
package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/localrivet/mcprpc/auth"
	"github.com/localrivet/mcprpc/correlation"
	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/router"
	"github.com/localrivet/mcprpc/telemetry"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// Config is the root of a configuration file.
type Config struct {
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Trace       TraceConfig       `yaml:"trace" mapstructure:"trace"`
	Correlation CorrelationConfig `yaml:"correlation" mapstructure:"correlation"`
	Router      RouterConfig      `yaml:"router" mapstructure:"router"`
	Transport   TransportConfig   `yaml:"transport" mapstructure:"transport"`
	Auth        AuthConfig        `yaml:"auth" mapstructure:"auth"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // console or json
}

type TraceConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Exporter string `yaml:"exporter" mapstructure:"exporter"` // stdout or noop
}

type CorrelationConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	MaxPending     int           `yaml:"max_pending" mapstructure:"max_pending"`
	Shards         int           `yaml:"shards" mapstructure:"shards"`
}

type RouterConfig struct {
	RequestTimeout        time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxConcurrentHandlers int64         `yaml:"max_concurrent_handlers" mapstructure:"max_concurrent_handlers"`
	// RateLimit is inbound requests per second. Zero disables limiting.
	RateLimit       float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst       int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	ProtocolVersion string  `yaml:"protocol_version" mapstructure:"protocol_version"`
	Instructions    string  `yaml:"instructions" mapstructure:"instructions"`
}

type TransportConfig struct {
	Type         string `yaml:"type" mapstructure:"type"` // stdio, http, ws, tcp, unix or grpc
	Address      string `yaml:"address" mapstructure:"address"` // host:port, or a socket path for unix
	Path         string `yaml:"path" mapstructure:"path"`
	MaxFrameSize int    `yaml:"max_frame_size" mapstructure:"max_frame_size"`
	// TLS files for the grpc listener. Plaintext when TLSCert is empty.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key"`
	TLSCA   string `yaml:"tls_ca" mapstructure:"tls_ca"`
}

type AuthConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	Issuer     string        `yaml:"issuer" mapstructure:"issuer"`
	Audience   string        `yaml:"audience" mapstructure:"audience"`
	JWKSURL    string        `yaml:"jwks_url" mapstructure:"jwks_url"`
	Secret     string        `yaml:"secret" mapstructure:"secret"`
	Algorithms []string      `yaml:"algorithms" mapstructure:"algorithms"`
	Leeway     time.Duration `yaml:"leeway" mapstructure:"leeway"`
	// Scopes replaces the default method-to-scope table when non-empty.
	Scopes        []auth.ScopeMapping `yaml:"scopes" mapstructure:"scopes"`
	AllowUnmapped bool                `yaml:"allow_unmapped" mapstructure:"allow_unmapped"`
	Public        []string            `yaml:"public" mapstructure:"public"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	corr := correlation.DefaultConfig()
	return Config{
		Log:   LogConfig{Level: "info", Format: "console"},
		Trace: TraceConfig{Exporter: "noop"},
		Correlation: CorrelationConfig{
			DefaultTimeout: corr.DefaultTimeout,
			SweepInterval:  corr.SweepInterval,
			MaxPending:     corr.MaxPending,
			Shards:         corr.Shards,
		},
		Router: RouterConfig{
			ShutdownTimeout: router.DefaultShutdownTimeout,
			ProtocolVersion: protocol.LatestProtocolVersion,
		},
		Transport: TransportConfig{
			Type:         "stdio",
			Address:      "127.0.0.1:8080",
			Path:         "/mcp",
			MaxFrameSize: transport.DefaultMaxFrameSize,
		},
		Auth: AuthConfig{Public: []string{protocol.MethodPing}},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if _, err := logx.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	switch c.Trace.Exporter {
	case "stdout", "noop", "":
	default:
		return fmt.Errorf("trace.exporter must be stdout or noop, got %q", c.Trace.Exporter)
	}
	if c.Correlation.DefaultTimeout <= 0 {
		return fmt.Errorf("correlation.default_timeout must be positive")
	}
	if c.Correlation.SweepInterval < 0 || c.Correlation.MaxPending < 0 || c.Correlation.Shards < 0 {
		return fmt.Errorf("correlation settings must not be negative")
	}
	if c.Router.RequestTimeout < 0 || c.Router.ShutdownTimeout < 0 {
		return fmt.Errorf("router timeouts must not be negative")
	}
	if c.Router.MaxConcurrentHandlers < 0 || c.Router.RateLimit < 0 || c.Router.RateBurst < 0 {
		return fmt.Errorf("router limits must not be negative")
	}
	if c.Router.RateLimit > 0 && c.Router.RateBurst == 0 {
		return fmt.Errorf("router.rate_burst must be set when router.rate_limit is")
	}
	if c.Router.ProtocolVersion != "" && !protocol.IsSupportedVersion(c.Router.ProtocolVersion) {
		return fmt.Errorf("router.protocol_version %q is not supported (want one of %s)",
			c.Router.ProtocolVersion, strings.Join(protocol.SupportedProtocolVersions, ", "))
	}
	switch c.Transport.Type {
	case "stdio", "http", "ws", "tcp", "unix", "grpc":
	default:
		return fmt.Errorf("transport.type must be stdio, http, ws, tcp, unix or grpc, got %q", c.Transport.Type)
	}
	if c.Transport.Type != "stdio" && c.Transport.Address == "" {
		return fmt.Errorf("transport.address is required for %s", c.Transport.Type)
	}
	if c.Transport.MaxFrameSize < 0 {
		return fmt.Errorf("transport.max_frame_size must not be negative")
	}
	if (c.Transport.TLSCert == "") != (c.Transport.TLSKey == "") {
		return fmt.Errorf("transport.tls_cert and transport.tls_key must be set together")
	}
	if c.Auth.Enabled {
		if c.Auth.JWKSURL == "" && c.Auth.Secret == "" {
			return fmt.Errorf("auth requires jwks_url or secret")
		}
		for _, m := range c.Auth.Scopes {
			if m.Method == "" || m.Scope == "" {
				return fmt.Errorf("auth.scopes entries need method and scope")
			}
		}
	}
	return nil
}

// Logger builds the configured zerolog-backed logger.
func (c LogConfig) Logger() (*logx.DefaultLogger, error) {
	return logx.New(logx.Options{Level: c.Level, Format: c.Format})
}

// Telemetry returns the tracing setup config.
func (c TraceConfig) Telemetry() telemetry.Config {
	return telemetry.Config{Enabled: c.Enabled, Exporter: c.Exporter}
}

// Manager returns the correlation manager config.
func (c CorrelationConfig) Manager() correlation.Config {
	return correlation.Config{
		DefaultTimeout: c.DefaultTimeout,
		SweepInterval:  c.SweepInterval,
		MaxPending:     c.MaxPending,
		Shards:         c.Shards,
	}
}

// Options returns the carrier options.
func (c TransportConfig) Options(logger types.Logger) transport.Options {
	return transport.Options{MaxFrameSize: c.MaxFrameSize, Logger: logger}
}

// RouterOptions returns router options for every configured setting.
func (c Config) RouterOptions(logger types.Logger) []router.Option {
	opts := []router.Option{
		router.WithLogger(logger),
		router.WithCorrelationConfig(c.Correlation.Manager()),
		router.WithRequestTimeout(c.Router.RequestTimeout),
		router.WithShutdownTimeout(c.Router.ShutdownTimeout),
	}
	if c.Router.ProtocolVersion != "" {
		opts = append(opts, router.WithProtocolVersion(c.Router.ProtocolVersion))
	}
	if c.Router.Instructions != "" {
		opts = append(opts, router.WithInstructions(c.Router.Instructions))
	}
	if c.Router.MaxConcurrentHandlers > 0 {
		opts = append(opts, router.WithMaxConcurrentHandlers(c.Router.MaxConcurrentHandlers))
	}
	if c.Router.RateLimit > 0 {
		opts = append(opts, router.WithRateLimit(rate.Limit(c.Router.RateLimit), c.Router.RateBurst))
	}
	return opts
}

// Authorizer builds the bearer-token authorizer, or returns nil when auth
// is disabled. A JWKS key source keeps refreshing until ctx is done.
func (c AuthConfig) Authorizer(ctx context.Context, client *http.Client, logger types.Logger) (*auth.Authorizer, error) {
	if !c.Enabled {
		return nil, nil
	}

	var keys auth.KeySource
	if c.JWKSURL != "" {
		jwks, err := auth.NewJWKSKeySource(ctx, auth.JWKSConfig{JWKSURL: c.JWKSURL}, client)
		if err != nil {
			return nil, err
		}
		keys = jwks
	} else {
		keys = auth.StaticKey([]byte(c.Secret))
	}

	validator := auth.NewJWTValidator(keys, auth.JWTConfig{
		Issuer:     c.Issuer,
		Audience:   c.Audience,
		Leeway:     c.Leeway,
		Algorithms: c.Algorithms,
	})

	mappings := c.Scopes
	if len(mappings) == 0 {
		mappings = auth.DefaultScopeMappings()
	}
	policy := auth.NewScopePolicy(mappings)
	policy.AllowUnmapped = c.AllowUnmapped

	a := auth.NewAuthorizer(validator, policy, logger)
	if c.Public != nil {
		a.Public = c.Public
	}
	return a, nil
}
