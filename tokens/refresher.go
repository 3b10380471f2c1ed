package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// DefaultSkew is the safety margin before expiry at which a refresh is attempted.
const DefaultSkew = 60 * time.Second

const maxTokenResponseBytes = 1 << 20

// Refresh outcome labels.
const (
	OutcomeFresh     = "fresh"
	OutcomeRefreshed = "refreshed"
	OutcomeNoRefresh = "no_refresh_token"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeCanceled  = "canceled"
)

// RefresherConfig describes the provider token endpoint and refresh policy.
type RefresherConfig struct {
	TokenEndpoint string
	ClientID      string
	Skew          time.Duration
	// Serialize collapses concurrent refreshes of the same sid into one call.
	Serialize bool
}

// Refresher guarantees a usable access token for a session, refreshing it
// through the provider's token endpoint when it is about to expire.
type Refresher struct {
	cfg      RefresherConfig
	store    Store
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
	outcomes *prometheus.CounterVec
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) {
		if c != nil {
			r.client = c
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) {
		r.now = now
	}
}

// WithOutcomeCounter records every EnsureValid outcome on the given counter,
// which must have a single "outcome" label.
func WithOutcomeCounter(c *prometheus.CounterVec) RefresherOption {
	return func(r *Refresher) {
		r.outcomes = c
	}
}

// NewRefresher builds a Refresher bound to the given store.
func NewRefresher(cfg RefresherConfig, store Store, logger *slog.Logger, opts ...RefresherOption) *Refresher {
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	r := &Refresher{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type refreshResult struct {
	tokens TokenSet
	ok     bool
}

// EnsureValid returns tokens that are valid for at least the skew margin.
//
// ok=false means the session must be treated as unauthenticated; the store is
// left untouched in that case. A non-nil error is only ever returned when the
// caller's context was cancelled.
func (r *Refresher) EnsureValid(ctx context.Context, sid string, ts TokenSet) (TokenSet, bool, error) {
	if ts.ValidFor(r.now(), r.cfg.Skew) {
		r.observe(OutcomeFresh)
		return ts, true, nil
	}

	if !ts.HasRefreshToken() {
		r.logger.Info("no refresh token available", "sid", ShortSID(sid))
		r.observe(OutcomeNoRefresh)
		return ts, false, nil
	}

	if !r.cfg.Serialize {
		return r.refresh(ctx, sid, ts)
	}

	// The shared call outlives any single waiter; the HTTP client timeout
	// bounds it. Each caller gives up only through its own ctx.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(sid, func() (any, error) {
		updated, ok, err := r.refresh(shared, sid, ts)
		return refreshResult{tokens: updated, ok: ok}, err
	})
	select {
	case <-ctx.Done():
		r.observe(OutcomeCanceled)
		return ts, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.logger.Error("shared refresh failed", "sid", ShortSID(sid), "error", res.Err)
			return ts, false, nil
		}
		out := res.Val.(refreshResult)
		if !out.ok {
			return ts, false, nil
		}
		return out.tokens, true, nil
	}
}

func (r *Refresher) refresh(ctx context.Context, sid string, ts TokenSet) (TokenSet, bool, error) {
	if r.cfg.TokenEndpoint == "" {
		r.logger.Error("oidc token endpoint is not configured")
		r.observe(OutcomeError)
		return ts, false, nil
	}

	updated, err := r.requestRefresh(ctx, sid, ts)
	if err != nil {
		if isCancellation(ctx, err) {
			r.observe(OutcomeCanceled)
			return ts, false, cancellationErr(ctx, err)
		}
		var rejected *rejectedError
		if errors.As(err, &rejected) {
			r.logger.Warn("refresh token rejected",
				"sid", ShortSID(sid),
				"status", rejected.status,
				"body", rejected.body,
			)
			r.observe(OutcomeRejected)
			return ts, false, nil
		}
		r.logger.Error("error refreshing tokens", "sid", ShortSID(sid), "error", err)
		r.observe(OutcomeError)
		return ts, false, nil
	}

	if err := r.store.Save(ctx, sid, updated); err != nil {
		if isCancellation(ctx, err) {
			r.observe(OutcomeCanceled)
			return ts, false, cancellationErr(ctx, err)
		}
		r.logger.Error("persist refreshed tokens", "sid", ShortSID(sid), "error", err)
		r.observe(OutcomeError)
		return ts, false, nil
	}

	r.logger.Info("refreshed tokens", "sid", ShortSID(sid), "expires_at", updated.ExpiresAt)
	r.observe(OutcomeRefreshed)
	return updated, true, nil
}

type rejectedError struct {
	status int
	body   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("token endpoint returned %d", e.status)
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    any    `json:"expires_in"`
}

func (r *Refresher) requestRefresh(ctx context.Context, sid string, ts TokenSet) (TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {ts.RefreshToken},
		"client_id":     {r.cfg.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxTokenResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(body)
		return TokenSet{}, &rejectedError{status: resp.StatusCode, body: string(b)}
	}

	dec := json.NewDecoder(body)
	dec.UseNumber()
	var payload refreshResponse
	if err := dec.Decode(&payload); err != nil {
		return TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return TokenSet{}, errors.New("token response missing access_token")
	}

	refresh := payload.RefreshToken
	if refresh == "" {
		refresh = ts.RefreshToken
	}
	return NewTokenSet(payload.AccessToken, refresh, ParseExpiresIn(payload.ExpiresIn), r.now()), nil
}

func (r *Refresher) observe(outcome string) {
	if r.outcomes != nil {
		r.outcomes.WithLabelValues(outcome).Inc()
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func cancellationErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
