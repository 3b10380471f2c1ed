package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const loginStateCookieName = "bff_login"

// ErrInvalidLoginState is returned when the login state cookie is missing, forged, or expired.
var ErrInvalidLoginState = errors.New("invalid login state")

type loginStateClaims struct {
	Nonce     string `json:"nonce"`
	Verifier  string `json:"pkce"`
	ReturnURL string `json:"return_url"`
	jwt.RegisteredClaims
}

// LoginStateManager seals LoginState into a short-lived HS256 cookie scoped to the callback path.
type LoginStateManager struct {
	key    []byte
	ttl    time.Duration
	path   string
	secure bool
	now    func() time.Time
}

// NewLoginStateManager derives its signing key from the session secret.
func NewLoginStateManager(cfg Config, secret []byte) (*LoginStateManager, error) {
	key, err := deriveKey(secret, loginStateKeyInfo)
	if err != nil {
		return nil, err
	}
	ttl := cfg.Session.LoginStateTTL
	if ttl <= 0 {
		ttl = DefaultLoginStateTTL
	}
	return &LoginStateManager{
		key:    key,
		ttl:    ttl,
		path:   cfg.OIDC.CallbackPath,
		secure: !cfg.Server.DevMode,
		now:    time.Now,
	}, nil
}

// Sign serializes the state as a compact JWT.
func (m *LoginStateManager) Sign(ls LoginState) (string, error) {
	now := m.now()
	claims := loginStateClaims{
		Nonce:     ls.Nonce,
		Verifier:  ls.Verifier,
		ReturnURL: ls.ReturnURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ls.State,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign login state: %w", err)
	}
	return signed, nil
}

// Parse verifies a signed state.
func (m *LoginStateManager) Parse(raw string) (LoginState, error) {
	var claims loginStateClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return LoginState{}, fmt.Errorf("%w: %v", ErrInvalidLoginState, err)
	}
	if claims.ID == "" {
		return LoginState{}, fmt.Errorf("%w: missing state", ErrInvalidLoginState)
	}
	return LoginState{
		State:     claims.ID,
		Nonce:     claims.Nonce,
		Verifier:  claims.Verifier,
		ReturnURL: claims.ReturnURL,
	}, nil
}

// Issue sets the login state cookie.
func (m *LoginStateManager) Issue(w http.ResponseWriter, ls LoginState) error {
	signed, err := m.Sign(ls)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginStateCookieName,
		Value:    signed,
		Path:     m.path,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.ttl.Seconds()),
	})
	return nil
}

// Fetch reads and verifies the login state cookie.
func (m *LoginStateManager) Fetch(r *http.Request) (LoginState, error) {
	cookie, err := r.Cookie(loginStateCookieName)
	if err != nil || cookie.Value == "" {
		return LoginState{}, fmt.Errorf("%w: cookie missing", ErrInvalidLoginState)
	}
	return m.Parse(cookie.Value)
}

// Clear drops the login state cookie once the callback has been handled.
func (m *LoginStateManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     loginStateCookieName,
		Value:    "",
		Path:     m.path,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
