package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bffd/tokens"
)

// Hardcoded session and login defaults
const (
	DefaultSessionTTL     = 7 * 24 * time.Hour
	DefaultLoginStateTTL  = 10 * time.Minute
	DefaultCookieName     = "BffCookie"
	DefaultCallbackPath   = "/bff/callback"
	DefaultPostLogoutPath = "/"
	DefaultUpstreamTimout = 30 * time.Second
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type", "X-Requested-With", "X-CSRF"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OIDC    OIDCConfig    `yaml:"oidc"`
	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
	Refresh RefreshConfig `yaml:"refresh"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the BFF with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// OIDCConfig describes the single upstream provider and the public SPA client.
type OIDCConfig struct {
	Authority          string        `yaml:"authority"`
	ClientID           string        `yaml:"client_id"`
	Scopes             []string      `yaml:"scopes"`
	CallbackPath       string        `yaml:"callback_path"`
	PostLogoutRedirect string        `yaml:"post_logout_redirect"`
	TokenEndpoint      string        `yaml:"token_endpoint"`
	UserinfoEndpoint   string        `yaml:"userinfo_endpoint"`
	Timeout            time.Duration `yaml:"timeout"`
}

// SessionConfig controls the browser identity cookie.
type SessionConfig struct {
	Secret        string        `yaml:"secret"`
	CookieName    string        `yaml:"cookie_name"`
	TTL           time.Duration `yaml:"ttl"`
	LoginStateTTL time.Duration `yaml:"login_state_ttl"`
}

// StoreConfig selects the session token store backend.
type StoreConfig struct {
	Driver    string        `yaml:"driver"`
	Retention time.Duration `yaml:"retention"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis driver.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RefreshConfig tunes the token refresher.
type RefreshConfig struct {
	Skew      time.Duration `yaml:"skew"`
	Serialize bool          `yaml:"serialize"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		OIDC: OIDCConfig{
			ClientID:           "spa",
			Scopes:             []string{"openid", "profile", "offline_access"},
			CallbackPath:       DefaultCallbackPath,
			PostLogoutRedirect: DefaultPostLogoutPath,
			Timeout:            DefaultUpstreamTimout,
		},
		Session: SessionConfig{
			CookieName:    DefaultCookieName,
			TTL:           DefaultSessionTTL,
			LoginStateTTL: DefaultLoginStateTTL,
		},
		Store: StoreConfig{
			Driver:    "memory",
			Retention: tokens.DefaultRetention,
		},
		Refresh: RefreshConfig{
			Skew: tokens.DefaultSkew,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"BFFD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"BFFD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"BFFD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"BFFD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"BFFD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BFFD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BFFD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"BFFD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"BFFD_SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"BFFD_OIDC_AUTHORITY":           func(v string) { cfg.OIDC.Authority = v },
		"BFFD_OIDC_CLIENT_ID":           func(v string) { cfg.OIDC.ClientID = v },
		"BFFD_SESSION_SECRET":           func(v string) { cfg.Session.Secret = v },
		"BFFD_SESSION_TTL":              func(v string) { cfg.Session.TTL = parseDuration(v, cfg.Session.TTL) },
		"BFFD_STORE_DRIVER":             func(v string) { cfg.Store.Driver = v },
		"BFFD_STORE_RETENTION":          func(v string) { cfg.Store.Retention = parseDuration(v, cfg.Store.Retention) },
		"BFFD_STORE_REDIS_ADDR":         func(v string) { cfg.Store.Redis.Addr = v },
		"BFFD_STORE_REDIS_PASSWORD":     func(v string) { cfg.Store.Redis.Password = v },
		"BFFD_STORE_REDIS_DB":           func(v string) { cfg.Store.Redis.DB = parseInt(v, cfg.Store.Redis.DB) },
		"BFFD_REFRESH_SERIALIZE":        func(v string) { cfg.Refresh.Serialize = parseBool(v, cfg.Refresh.Serialize) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.OIDC.Authority != "" && !strings.HasPrefix(c.OIDC.Authority, "http://") && !strings.HasPrefix(c.OIDC.Authority, "https://") {
		slog.Error("Invalid configuration value", "field", "oidc.authority", "value", c.OIDC.Authority, "reason", "must start with http:// or https://")
		return fmt.Errorf("oidc.authority must start with http:// or https://, got: %s", c.OIDC.Authority)
	}

	// A missing authority is tolerated in dev mode; affected requests fail with a 500.
	if !c.Server.DevMode && c.OIDC.Authority == "" {
		slog.Error("Missing required provider configuration", "field", "oidc.authority", "reason", "required in production mode")
		return errors.New("oidc.authority is required in production mode")
	}

	if c.OIDC.ClientID == "" {
		slog.Error("Missing required configuration", "field", "oidc.client_id")
		return errors.New("oidc.client_id is required")
	}

	if !strings.HasPrefix(c.OIDC.CallbackPath, "/") {
		return fmt.Errorf("oidc.callback_path must be an absolute path, got: %q", c.OIDC.CallbackPath)
	}

	if c.OIDC.PostLogoutRedirect != "" && LocalURL(c.OIDC.PostLogoutRedirect) != c.OIDC.PostLogoutRedirect {
		return fmt.Errorf("oidc.post_logout_redirect must be a local path, got: %q", c.OIDC.PostLogoutRedirect)
	}

	if c.Session.Secret != "" && len(c.Session.Secret) < 32 {
		slog.Error("Session secret too short", "field", "session.secret", "min_length", 32)
		return errors.New("session.secret must be at least 32 characters")
	}

	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}

	switch c.Store.Driver {
	case "", "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			slog.Error("Missing redis address", "field", "store.redis.addr")
			return errors.New("store.redis.addr is required when store.driver is redis")
		}
	default:
		return fmt.Errorf("store.driver must be 'memory' or 'redis', got: %s", c.Store.Driver)
	}

	return nil
}

// TokenEndpointURL resolves the provider token endpoint, or "" when unconfigured.
func (c OIDCConfig) TokenEndpointURL() string {
	if c.TokenEndpoint != "" {
		return c.TokenEndpoint
	}
	if c.Authority == "" {
		return ""
	}
	return strings.TrimSuffix(c.Authority, "/") + "/connect/token"
}

// UserinfoEndpointURL resolves the provider userinfo endpoint, or "" when unconfigured.
func (c OIDCConfig) UserinfoEndpointURL() string {
	if c.UserinfoEndpoint != "" {
		return c.UserinfoEndpoint
	}
	if c.Authority == "" {
		return ""
	}
	return strings.TrimSuffix(c.Authority, "/") + "/connect/userinfo"
}

// CallbackURL is the absolute redirect_uri registered with the provider.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.OIDC.CallbackPath
}

// PostLogoutPath is the app path the browser lands on after signout.
// The "~/" form is resolved to a root-relative path.
func (c Config) PostLogoutPath() string {
	path := c.OIDC.PostLogoutRedirect
	if path == "" {
		path = DefaultPostLogoutPath
	}
	return appPath(LocalURL(path))
}

// PostLogoutURL is the absolute post_logout_redirect_uri.
func (c Config) PostLogoutURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.PostLogoutPath()
}

func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
