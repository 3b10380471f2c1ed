package server

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidIdentity is returned when the identity cookie cannot be decoded or has expired.
var ErrInvalidIdentity = errors.New("invalid identity cookie")

const (
	identityKeyInfo   = "bffd identity cookie v1"
	loginStateKeyInfo = "bffd login state v1"
)

// deriveKey expands the session secret into a purpose-bound 32 byte key.
func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// SessionManager issues and reads the encrypted identity cookie.
type SessionManager struct {
	logger       *slog.Logger
	key          []byte
	cookieName   string
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, secret []byte, logger *slog.Logger) (*SessionManager, error) {
	key, err := deriveKey(secret, identityKeyInfo)
	if err != nil {
		return nil, err
	}

	name := cfg.Session.CookieName
	if name == "" {
		name = DefaultCookieName
	}
	ttl := cfg.Session.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &SessionManager{
		logger:       logger,
		key:          key,
		cookieName:   name,
		ttl:          ttl,
		secure:       !cfg.Server.DevMode,
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}, nil
}

// CookieName reports the identity cookie name.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// Encode seals an identity into the compact JWE cookie value.
func (sm *SessionManager) Encode(id Identity) (string, error) {
	payload, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("marshal identity: %w", err)
	}
	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: sm.key},
		(&jose.EncrypterOptions{}).WithContentType("JWT"))
	if err != nil {
		return "", fmt.Errorf("init encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt identity: %w", err)
	}
	return obj.CompactSerialize()
}

// Decode opens a cookie value and checks its expiry.
func (sm *SessionManager) Decode(value string) (*Identity, error) {
	obj, err := jose.ParseEncrypted(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	plain, err := obj.Decrypt(sm.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	var id Identity
	if err := json.Unmarshal(plain, &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if id.ExpiresAt != 0 && sm.now().Unix() >= id.ExpiresAt {
		return nil, fmt.Errorf("%w: expired", ErrInvalidIdentity)
	}
	return &id, nil
}

// Fetch returns the identity carried by the request cookie. A request without
// the cookie yields (nil, nil).
func (sm *SessionManager) Fetch(r *http.Request) (*Identity, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	return sm.Decode(cookie.Value)
}

// Issue stamps the identity lifetime and sets the cookie.
func (sm *SessionManager) Issue(w http.ResponseWriter, id Identity) error {
	now := sm.now()
	id.IssuedAt = now.Unix()
	id.ExpiresAt = now.Add(sm.ttl).Unix()

	value, err := sm.Encode(id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Slide re-issues the cookie once more than half of its lifetime has elapsed.
func (sm *SessionManager) Slide(w http.ResponseWriter, id *Identity) {
	if id == nil || id.IssuedAt == 0 {
		return
	}
	if sm.now().Sub(id.issuedAt()) < sm.ttl/2 {
		return
	}
	if err := sm.Issue(w, *id); err != nil {
		sm.logger.Warn("identity cookie renewal failed", "error", err)
	}
}

// Clear removes the identity cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
