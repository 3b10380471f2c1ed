package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"bffd/chat"
	"bffd/tokens"
)

const sessionKeyFile = "session.key"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Store       tokens.Store
	Sessions    *SessionManager
	LoginStates *LoginStateManager
	Bridge      *SessionBridge
	Refresher   *tokens.Refresher
	Userinfo    *UserinfoRelay
	Chats       *chat.MemoryService
	Hub         *Hub
	Metrics     *Metrics
}

// Deps lets callers supply pre-built collaborators; zero fields are built from config.
type Deps struct {
	Store      tokens.Store
	Provider   Provider
	HTTPClient *http.Client
	Secret     []byte
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := Deps{Store: store}

	redirect := cfg.CallbackURL()
	provider, err := NewOIDCProvider(ctx, cfg.OIDC, redirect, logger)
	switch {
	case err == nil:
		deps.Provider = provider
	case cfg.Server.DevMode:
		logger.Warn("provider init failed, login disabled", "authority", cfg.OIDC.Authority, "error", err)
	default:
		closeStore(store)
		return nil, err
	}

	app, err := NewAppWithDeps(cfg, logger, deps)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	return app, nil
}

// NewAppWithDeps builds the App around the given collaborators.
func NewAppWithDeps(cfg Config, logger *slog.Logger, deps Deps) (*App, error) {
	store := deps.Store
	if store == nil {
		store = tokens.NewMemoryStore(tokens.WithRetention(cfg.Store.Retention))
	}

	secret := deps.Secret
	if len(secret) == 0 {
		var err error
		secret, err = loadOrCreateSecret(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	sessions, err := NewSessionManager(cfg, secret, logger)
	if err != nil {
		return nil, err
	}
	loginStates, err := NewLoginStateManager(cfg, secret)
	if err != nil {
		return nil, err
	}

	client := deps.HTTPClient
	if client == nil {
		client = newUpstreamClient(cfg.OIDC.Timeout)
	}

	metrics := NewMetrics()
	refresher := tokens.NewRefresher(tokens.RefresherConfig{
		TokenEndpoint: cfg.OIDC.TokenEndpointURL(),
		ClientID:      cfg.OIDC.ClientID,
		Skew:          cfg.Refresh.Skew,
		Serialize:     cfg.Refresh.Serialize,
	}, store, logger,
		tokens.WithHTTPClient(client),
		tokens.WithOutcomeCounter(metrics.RefreshOutcomes),
	)

	chats := chat.NewMemoryService()

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Sessions:    sessions,
		LoginStates: loginStates,
		Bridge:      NewSessionBridge(cfg, deps.Provider, store, logger),
		Refresher:   refresher,
		Userinfo:    NewUserinfoRelay(cfg.OIDC.UserinfoEndpointURL(), client, logger),
		Chats:       chats,
		Hub:         NewHub(chats, cfg.Server.CORS.AllowedOrigins, metrics.HubConnections, logger),
		Metrics:     metrics,
	}, nil
}

// NewStore builds the session token store selected by store.driver.
func NewStore(ctx context.Context, cfg Config) (tokens.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return tokens.NewMemoryStore(tokens.WithRetention(cfg.Store.Retention)), nil
	case "redis":
		store, err := tokens.NewRedisStore(ctx, tokens.RedisConfig{
			Addr:      cfg.Store.Redis.Addr,
			Username:  cfg.Store.Redis.Username,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
			Retention: cfg.Store.Retention,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Close releases the store.
func (a *App) Close() error {
	return closeStore(a.Store)
}

func closeStore(store tokens.Store) error {
	if c, ok := store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// loadOrCreateSecret prefers session.secret, then a persisted key under secrets_path,
// generating one on first start so cookies survive restarts.
func loadOrCreateSecret(cfg Config, logger *slog.Logger) ([]byte, error) {
	if cfg.Session.Secret != "" {
		return []byte(cfg.Session.Secret), nil
	}

	if cfg.Server.SecretsPath == "" {
		logger.Warn("no session secret configured, identity cookies will not survive restart")
		return randomSecret()
	}

	path := filepath.Join(cfg.Server.SecretsPath, sessionKeyFile)
	if b, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil || len(key) < 32 {
			return nil, fmt.Errorf("invalid session key file %s", path)
		}
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read session key: %w", err)
	}

	key, err := randomSecret()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Server.SecretsPath, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write session key: %w", err)
	}
	logger.Info("generated session key", "path", path)
	return key, nil
}

func randomSecret() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
