package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"bffd/tokens"
)

// ErrAccessTokenMissing is returned when the token response carried no access token.
var ErrAccessTokenMissing = errors.New("access token missing in token response")

// LoginChallenge is the outcome of BeginLogin: where to send the browser and what to remember.
type LoginChallenge struct {
	RedirectURL string
	State       LoginState
}

// SessionBridge connects the browser sign-in lifecycle to the session token store.
type SessionBridge struct {
	provider      Provider
	store         tokens.Store
	logger        *slog.Logger
	postLogoutURL string
	postLogoutTo  string
	now           func() time.Time
}

// NewSessionBridge builds a bridge. A nil provider leaves login unavailable.
func NewSessionBridge(cfg Config, provider Provider, store tokens.Store, logger *slog.Logger) *SessionBridge {
	return &SessionBridge{
		provider:      provider,
		store:         store,
		logger:        logger,
		postLogoutURL: cfg.PostLogoutURL(),
		postLogoutTo:  cfg.PostLogoutPath(),
		now:           time.Now,
	}
}

// BeginLogin prepares an authorization request. reauth forces the provider to prompt again.
func (b *SessionBridge) BeginLogin(returnURL string, reauth bool) (LoginChallenge, error) {
	if b.provider == nil {
		return LoginChallenge{}, ErrProviderNotConfigured
	}
	state, err := randomToken(16)
	if err != nil {
		return LoginChallenge{}, err
	}
	nonce, err := randomToken(16)
	if err != nil {
		return LoginChallenge{}, err
	}

	ls := LoginState{
		State:     state,
		Nonce:     nonce,
		Verifier:  oauth2.GenerateVerifier(),
		ReturnURL: LocalURL(returnURL),
	}
	prompt := ""
	if reauth {
		prompt = "login"
	}
	return LoginChallenge{
		RedirectURL: b.provider.AuthCodeURL(ls.State, ls.Nonce, ls.Verifier, prompt),
		State:       ls,
	}, nil
}

// CompleteLogin redeems the authorization code and opens the session.
func (b *SessionBridge) CompleteLogin(ctx context.Context, ls LoginState, code string) (Identity, error) {
	if b.provider == nil {
		return Identity{}, ErrProviderNotConfigured
	}
	if code == "" {
		return Identity{}, errors.New("authorization code missing")
	}
	auth, err := b.provider.Exchange(ctx, code, ls.Verifier, ls.Nonce)
	if err != nil {
		return Identity{}, err
	}
	return b.TokenValidated(ctx, auth)
}

// TokenValidated turns a verified provider authentication into a minimal identity and
// records its tokens under a fresh session id.
func (b *SessionBridge) TokenValidated(ctx context.Context, auth Authentication) (Identity, error) {
	if auth.AccessToken == "" {
		b.logger.Error("token response without access token", "sub", auth.Subject)
		return Identity{}, ErrAccessTokenMissing
	}

	sid, err := NewSessionID()
	if err != nil {
		return Identity{}, err
	}

	name := auth.Name
	if name == "" {
		name = displayName(auth.Claims)
	}
	id := Identity{Subject: auth.Subject, Name: name, SID: sid}

	ts := tokens.NewTokenSet(auth.AccessToken, auth.RefreshToken, tokens.ParseExpiresIn(auth.ExpiresIn), b.now())
	if err := b.store.Save(ctx, sid, ts); err != nil {
		return Identity{}, fmt.Errorf("save session tokens: %w", err)
	}

	b.logger.Info("session established",
		"sid", tokens.ShortSID(sid),
		"sub", id.Subject,
		"has_refresh_token", ts.HasRefreshToken(),
		"expires_at", ts.ExpiresAt)
	return id, nil
}

// BeginLogout removes the session record and returns where the browser goes next.
// The record is gone before this returns, even when the provider has no end-session endpoint.
func (b *SessionBridge) BeginLogout(ctx context.Context, id *Identity) (string, error) {
	var deleteErr error
	if id != nil && id.SID != "" {
		if err := b.store.Delete(ctx, id.SID); err != nil {
			deleteErr = fmt.Errorf("delete session tokens: %w", err)
			b.logger.Error("session record delete failed", "sid", tokens.ShortSID(id.SID), "error", err)
		} else {
			b.logger.Info("session record deleted", "sid", tokens.ShortSID(id.SID))
		}
	}

	target := b.postLogoutTo
	if b.provider != nil {
		if endSession := b.provider.EndSessionURL(b.postLogoutURL); endSession != "" {
			target = endSession
		}
	}
	return target, deleteErr
}

// NewSessionID returns 32 random bytes, base64url encoded.
func NewSessionID() (string, error) {
	return randomToken(32)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
