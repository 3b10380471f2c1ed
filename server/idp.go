package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrProviderNotConfigured is returned when no OIDC authority is configured.
var ErrProviderNotConfigured = errors.New("OIDC authority not configured")

// Provider is the upstream OpenID Connect provider as seen by the session bridge.
type Provider interface {
	AuthCodeURL(state, nonce, verifier, prompt string) string
	Exchange(ctx context.Context, code, verifier, nonce string) (Authentication, error)
	EndSessionURL(postLogoutRedirect string) string
}

// OIDCProvider wraps the upstream discovery document, the oauth2 client and an ID token verifier.
type OIDCProvider struct {
	clientID    string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	endSession  string
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Authority == "" {
		return nil, ErrProviderNotConfigured
	}

	op, err := oidc.NewProvider(ctx, cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", cfg.Authority, err)
	}

	var meta struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := op.Claims(&meta); err != nil {
		logger.Warn("provider metadata unreadable", "authority", cfg.Authority, "error", err)
	}

	// Public client: no secret, client_id travels in the form body.
	endpoint := op.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if cfg.TokenEndpoint != "" {
		endpoint.TokenURL = cfg.TokenEndpoint
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", oidc.ScopeOfflineAccess}
	}

	return &OIDCProvider{
		clientID: cfg.ClientID,
		oauthConfig: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: redirect,
			Endpoint:    endpoint,
			Scopes:      scopes,
		},
		verifier:   op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		endSession: meta.EndSessionEndpoint,
		logger:     logger,
	}, nil
}

// AuthCodeURL constructs the authorization request with nonce and S256 PKCE.
func (p *OIDCProvider) AuthCodeURL(state, nonce, verifier, prompt string) string {
	opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	if prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", prompt))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange redeems the authorization code and verifies the returned ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier, nonce string) (Authentication, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := p.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return Authentication{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Authentication{}, errors.New("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Authentication{}, fmt.Errorf("verify id_token: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return Authentication{}, errors.New("nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Authentication{}, fmt.Errorf("parse claims: %w", err)
	}

	auth := Authentication{
		Subject:      idToken.Subject,
		Claims:       claims,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.Extra("expires_in"),
		IDToken:      rawIDToken,
	}
	auth.Name = displayName(claims)
	return auth, nil
}

// EndSessionURL builds the RP-initiated logout URL, or "" when the provider has none.
func (p *OIDCProvider) EndSessionURL(postLogoutRedirect string) string {
	if p.endSession == "" {
		return ""
	}
	u, err := url.Parse(p.endSession)
	if err != nil {
		p.logger.Warn("invalid end_session_endpoint", "endpoint", p.endSession, "error", err)
		return ""
	}
	q := u.Query()
	q.Set("client_id", p.clientID)
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func displayName(claims map[string]any) string {
	if name, ok := claims["name"].(string); ok && name != "" {
		return name
	}
	if preferred, ok := claims["preferred_username"].(string); ok {
		return preferred
	}
	return ""
}
