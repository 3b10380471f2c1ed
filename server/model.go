package server

import "time"

// SIDClaimType names the claim that links an identity to its server-side token record.
const SIDClaimType = "bff.sid"

// Identity is the minimal authenticated principal carried by the browser cookie.
type Identity struct {
	Subject   string `json:"sub"`
	Name      string `json:"name,omitempty"`
	SID       string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Claim is a single type/value pair as rendered by the whoami endpoint.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Claims flattens the identity into claim pairs, including the internal sid claim.
func (id Identity) Claims() []Claim {
	claims := []Claim{{Type: "sub", Value: id.Subject}}
	if id.Name != "" {
		claims = append(claims, Claim{Type: "name", Value: id.Name})
	}
	if id.SID != "" {
		claims = append(claims, Claim{Type: SIDClaimType, Value: id.SID})
	}
	return claims
}

// PublicClaims is Claims without the sid claim.
func (id Identity) PublicClaims() []Claim {
	all := id.Claims()
	out := make([]Claim, 0, len(all))
	for _, c := range all {
		if c.Type == SIDClaimType {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (id Identity) issuedAt() time.Time {
	return time.Unix(id.IssuedAt, 0)
}

// Authentication is the result of a successful code exchange with the provider.
type Authentication struct {
	Subject      string
	Name         string
	Claims       map[string]any
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the raw expires_in value from the token response.
	ExpiresIn any
	IDToken   string
}

// LoginState is the per-attempt data carried across the provider round trip.
type LoginState struct {
	State     string
	Nonce     string
	Verifier  string
	ReturnURL string
}

// WhoAmI is the /bff/user response body.
type WhoAmI struct {
	Name   string  `json:"name"`
	Claims []Claim `json:"claims"`
}
