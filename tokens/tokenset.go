// Package tokens holds the server-side OAuth2 token state for browser sessions.
package tokens

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DefaultExpiresIn is used when the provider omits or garbles expires_in.
const DefaultExpiresIn = 300

// TokenSet is the access/refresh token pair held for one session.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NewTokenSet stamps the expiry relative to the local receipt time.
func NewTokenSet(access, refresh string, expiresIn int, now time.Time) TokenSet {
	return TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
	}
}

// HasRefreshToken reports whether a refresh grant is possible.
func (ts TokenSet) HasRefreshToken() bool {
	return ts.RefreshToken != ""
}

// ValidFor reports whether the access token outlives now+skew.
func (ts TokenSet) ValidFor(now time.Time, skew time.Duration) bool {
	return ts.ExpiresAt.After(now.Add(skew))
}

// ParseExpiresIn converts a token endpoint expires_in value to whole seconds.
func ParseExpiresIn(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int64(val)) {
			return int(val)
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return DefaultExpiresIn
}
