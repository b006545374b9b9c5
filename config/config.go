// Package config loads pbserver and pbclient settings from a TOML or YAML
// file, chosen by extension, then applies PROCBRIDGE_* environment overrides.
//
// Keys absent from the file keep their defaults. Unknown keys are an error.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"procbridge/loadbalance"
	"procbridge/protocol"
)

// Environment overrides, applied after the file.
const (
	EnvHost          = "PROCBRIDGE_HOST"
	EnvPort          = "PROCBRIDGE_PORT"
	EnvTimeout       = "PROCBRIDGE_TIMEOUT"
	EnvMetricsAddr   = "PROCBRIDGE_METRICS_ADDR"
	EnvEtcdEndpoints = "PROCBRIDGE_ETCD_ENDPOINTS"
)

// Rate limit scopes.
const (
	RateLimitPerAPI = "per_api"
	RateLimitGlobal = "global"
)

// RegistryConfig enables etcd service discovery when Endpoints is non-empty.
type RegistryConfig struct {
	Endpoints []string
	Service   string
	Advertise string // server only; empty means the bound address
	TTL       int64  // seconds, server only
	Balancer  string // client only
}

func (r RegistryConfig) Enabled() bool {
	return len(r.Endpoints) > 0
}

type ServerConfig struct {
	Host            string
	Port            int
	MaxPayloadBytes uint32
	HandlerTimeout  time.Duration // 0 disables
	RateLimit       float64       // requests per second, 0 disables
	RateBurst       int
	RateLimitScope  string // "per_api" (one bucket per api) or "global"
	MetricsAddr     string // empty disables the /metrics listener
	LogLevel        string
	Registry        RegistryConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "127.0.0.1",
		Port:            8000,
		MaxPayloadBytes: protocol.DefaultMaxPayloadBytes,
		RateLimitScope:  RateLimitPerAPI,
		LogLevel:        "info",
		Registry: RegistryConfig{
			Service: "procbridge",
			TTL:     10,
		},
	}
}

func (c ServerConfig) Limits() protocol.Limits {
	return protocol.Limits{MaxPayloadBytes: c.MaxPayloadBytes}
}

func (c ServerConfig) Validate() error {
	if err := validatePort(c.Port, true); err != nil {
		return err
	}
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("handler_timeout must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("rate_burst must be positive when rate_limit is set")
	}
	if c.RateLimitScope != RateLimitPerAPI && c.RateLimitScope != RateLimitGlobal {
		return fmt.Errorf("rate_limit_scope must be %q or %q, got %q", RateLimitPerAPI, RateLimitGlobal, c.RateLimitScope)
	}
	if c.Registry.Enabled() {
		if strings.TrimSpace(c.Registry.Service) == "" {
			return fmt.Errorf("registry.service required when registry.endpoints is set")
		}
		if c.Registry.TTL <= 0 {
			return fmt.Errorf("registry.ttl must be positive")
		}
	}
	return nil
}

type ClientConfig struct {
	Host            string
	Port            int
	Timeout         time.Duration // 0 waits indefinitely
	MaxPayloadBytes uint32
	Retries         int
	RetryDelay      time.Duration
	Registry        RegistryConfig
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:            "127.0.0.1",
		Port:            8000,
		MaxPayloadBytes: protocol.DefaultMaxPayloadBytes,
		RetryDelay:      100 * time.Millisecond,
		Registry: RegistryConfig{
			Service:  "procbridge",
			Balancer: "round_robin",
		},
	}
}

func (c ClientConfig) Limits() protocol.Limits {
	return protocol.Limits{MaxPayloadBytes: c.MaxPayloadBytes}
}

func (c ClientConfig) Validate() error {
	if !c.Registry.Enabled() {
		if err := validatePort(c.Port, false); err != nil {
			return err
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.Registry.Enabled() {
		if strings.TrimSpace(c.Registry.Service) == "" {
			return fmt.Errorf("registry.service required when registry.endpoints is set")
		}
		if _, err := loadbalance.New(c.Registry.Balancer); err != nil {
			return err
		}
	}
	return nil
}

func validatePort(port int, allowZero bool) error {
	if port < 0 || port > 65535 || (port == 0 && !allowZero) {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

// fileRegistry and the file* structs mirror the config types with pointer
// fields, so a key set to its zero value is told apart from an absent key.
type fileRegistry struct {
	Endpoints []string `toml:"endpoints" yaml:"endpoints"`
	Service   *string  `toml:"service" yaml:"service"`
	Advertise *string  `toml:"advertise" yaml:"advertise"`
	TTL       *int64   `toml:"ttl" yaml:"ttl"`
	Balancer  *string  `toml:"balancer" yaml:"balancer"`
}

type fileServer struct {
	Host            *string      `toml:"host" yaml:"host"`
	Port            *int         `toml:"port" yaml:"port"`
	MaxPayloadBytes *uint32      `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
	HandlerTimeout  *string      `toml:"handler_timeout" yaml:"handler_timeout"`
	RateLimit       *float64     `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst       *int         `toml:"rate_burst" yaml:"rate_burst"`
	RateLimitScope  *string      `toml:"rate_limit_scope" yaml:"rate_limit_scope"`
	MetricsAddr     *string      `toml:"metrics_addr" yaml:"metrics_addr"`
	LogLevel        *string      `toml:"log_level" yaml:"log_level"`
	Registry        fileRegistry `toml:"registry" yaml:"registry"`
}

type fileClient struct {
	Host            *string      `toml:"host" yaml:"host"`
	Port            *int         `toml:"port" yaml:"port"`
	Timeout         *string      `toml:"timeout" yaml:"timeout"`
	MaxPayloadBytes *uint32      `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
	Retries         *int         `toml:"retries" yaml:"retries"`
	RetryDelay      *string      `toml:"retry_delay" yaml:"retry_delay"`
	Registry        fileRegistry `toml:"registry" yaml:"registry"`
}

// LoadServer reads path (empty: defaults only), applies environment
// overrides and validates the result.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		var raw fileServer
		if err := decodeFile(path, &raw); err != nil {
			return ServerConfig{}, err
		}
		if err := raw.apply(&cfg); err != nil {
			return ServerConfig{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg.Host, &cfg.Port, &cfg.Registry.Endpoints); err != nil {
		return ServerConfig{}, err
	}
	if v, ok := lookupEnv(EnvMetricsAddr); ok {
		cfg.MetricsAddr = v
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

// LoadClient is LoadServer for the client settings.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path != "" {
		var raw fileClient
		if err := decodeFile(path, &raw); err != nil {
			return ClientConfig{}, err
		}
		if err := raw.apply(&cfg); err != nil {
			return ClientConfig{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg.Host, &cfg.Port, &cfg.Registry.Endpoints); err != nil {
		return ClientConfig{}, err
	}
	if v, ok := lookupEnv(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse %s: %w", EnvTimeout, err)
		}
		cfg.Timeout = d
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("invalid client config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), out)
		if err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document decodes to io.EOF; treat it as "nothing set".
		if err := dec.Decode(out); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return fmt.Errorf("config load failed (%s): unsupported extension %q", path, ext)
	}
	return nil
}

func (raw fileServer) apply(cfg *ServerConfig) error {
	setString(&cfg.Host, raw.Host)
	setValue(&cfg.Port, raw.Port)
	setValue(&cfg.MaxPayloadBytes, raw.MaxPayloadBytes)
	if err := setDuration(&cfg.HandlerTimeout, raw.HandlerTimeout, "handler_timeout"); err != nil {
		return err
	}
	setValue(&cfg.RateLimit, raw.RateLimit)
	setValue(&cfg.RateBurst, raw.RateBurst)
	setString(&cfg.RateLimitScope, raw.RateLimitScope)
	setString(&cfg.MetricsAddr, raw.MetricsAddr)
	setString(&cfg.LogLevel, raw.LogLevel)
	raw.Registry.apply(&cfg.Registry)
	return nil
}

func (raw fileClient) apply(cfg *ClientConfig) error {
	setString(&cfg.Host, raw.Host)
	setValue(&cfg.Port, raw.Port)
	if err := setDuration(&cfg.Timeout, raw.Timeout, "timeout"); err != nil {
		return err
	}
	setValue(&cfg.MaxPayloadBytes, raw.MaxPayloadBytes)
	setValue(&cfg.Retries, raw.Retries)
	if err := setDuration(&cfg.RetryDelay, raw.RetryDelay, "retry_delay"); err != nil {
		return err
	}
	raw.Registry.apply(&cfg.Registry)
	return nil
}

func (raw fileRegistry) apply(cfg *RegistryConfig) {
	if raw.Endpoints != nil {
		cfg.Endpoints = normalizeList(raw.Endpoints)
	}
	setString(&cfg.Service, raw.Service)
	setString(&cfg.Advertise, raw.Advertise)
	setValue(&cfg.TTL, raw.TTL)
	setString(&cfg.Balancer, raw.Balancer)
}

func setValue[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setDuration(dst *time.Duration, src *string, key string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*src))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func applyEnv(host *string, port *int, endpoints *[]string) error {
	if v, ok := lookupEnv(EnvHost); ok {
		*host = v
	}
	if v, ok := lookupEnv(EnvPort); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		*port = p
	}
	if v, ok := lookupEnv(EnvEtcdEndpoints); ok {
		*endpoints = normalizeList(strings.Split(v, ","))
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
