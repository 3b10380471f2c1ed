package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenEndpoint struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newTokenEndpoint(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int32)) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{}
	te.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := te.calls.Add(1)
		handler(w, r, n)
	}))
	t.Cleanup(te.srv.Close)
	return te
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

func newTestRefresher(t *testing.T, endpoint string, store Store, now time.Time, opts ...RefresherOption) *Refresher {
	t.Helper()
	cfg := RefresherConfig{TokenEndpoint: endpoint, ClientID: "spa"}
	opts = append([]RefresherOption{WithClock(fixedClock(now))}, opts...)
	return NewRefresher(cfg, store, discardLogger(), opts...)
}

func TestEnsureValidFastPathSkipsNetwork(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		t.Errorf("unexpected token endpoint call")
	})
	store := NewMemoryStore(WithCleanupInterval(0))
	r := newTestRefresher(t, te.srv.URL, store, now)

	in := TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(10 * time.Minute)}
	out, ok, err := r.EnsureValid(context.Background(), "sid-1", in)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)
	assert.Zero(t, te.calls.Load())
}

func TestEnsureValidExpiryBoundary(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-at","expires_in":3600}`)
	})
	store := NewMemoryStore(WithCleanupInterval(0))
	r := newTestRefresher(t, te.srv.URL, store, now)

	_, ok, err := r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(61 * time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, te.calls.Load(), "61s remaining must not refresh")

	out, ok, err := r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(59 * time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, te.calls.Load(), "59s remaining must refresh")
	assert.Equal(t, "new-at", out.AccessToken)
}

func TestEnsureValidWithoutRefreshTokenFails(t *testing.T) {
	now := time.Now()
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		t.Errorf("unexpected token endpoint call")
	})
	store := NewMemoryStore(WithCleanupInterval(0))
	r := newTestRefresher(t, te.srv.URL, store, now)

	in := TokenSet{AccessToken: "at", ExpiresAt: now.Add(-time.Minute)}
	out, ok, err := r.EnsureValid(context.Background(), "sid", in)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, in, out)
	assert.Zero(t, te.calls.Load())
}

func TestEnsureValidRejectedLeavesStoreUntouched(t *testing.T) {
	now := time.Now()
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})
	store := NewMemoryStore(WithCleanupInterval(0))
	before := TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(-time.Minute)}
	require.NoError(t, store.Save(context.Background(), "sid", before))

	r := newTestRefresher(t, te.srv.URL, store, now)
	_, ok, err := r.EnsureValid(context.Background(), "sid", before)
	require.NoError(t, err)
	assert.False(t, ok)

	after, found, err := store.Get(context.Background(), "sid")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, before, after)
}

func TestEnsureValidMissingAccessTokenFails(t *testing.T) {
	now := time.Now()
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		fmt.Fprint(w, `{"refresh_token":"rt2"}`)
	})
	store := NewMemoryStore(WithCleanupInterval(0))
	r := newTestRefresher(t, te.srv.URL, store, now)

	_, ok, err := r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now})
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, _ := store.Get(context.Background(), "sid")
	assert.False(t, found)
}

func TestEnsureValidSendsPublicClientRefreshGrant(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "spa", r.PostForm.Get("client_id"))
		assert.Empty(t, r.PostForm.Get("client_secret"))
		fmt.Fprint(w, `{"access_token":"at2","expires_in":"garbage"}`)
	})
	store := NewMemoryStore(WithCleanupInterval(0))
	r := newTestRefresher(t, te.srv.URL, store, now)

	out, ok, err := r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at2", out.AccessToken)
	assert.Equal(t, "rt", out.RefreshToken, "refresh token kept when not rotated")
	assert.Equal(t, now.Add(DefaultExpiresIn*time.Second), out.ExpiresAt)

	stored, found, err := store.Get(context.Background(), "sid")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, out, stored)
}

func TestEnsureValidRotatesRefreshToken(t *testing.T) {
	now := time.Now()
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at2",
			"refresh_token": "rt2",
			"expires_in":    120,
		})
	})
	r := newTestRefresher(t, te.srv.URL, NewMemoryStore(WithCleanupInterval(0)), now)

	out, ok, err := r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rt2", out.RefreshToken)
	assert.Equal(t, now.Add(120*time.Second), out.ExpiresAt)
}

func TestEnsureValidPropagatesCancellation(t *testing.T) {
	now := time.Now()
	release := make(chan struct{})
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	store := NewMemoryStore(WithCleanupInterval(0))
	before := TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now}
	require.NoError(t, store.Save(context.Background(), "sid", before))
	r := newTestRefresher(t, te.srv.URL, store, now)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, ok, err := r.EnsureValid(ctx, "sid", before)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)

	after, found, _ := store.Get(context.Background(), "sid")
	require.True(t, found)
	assert.Equal(t, before, after)
}

func TestEnsureValidNetworkErrorIsNotCancellation(t *testing.T) {
	now := time.Now()
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {})
	endpoint := te.srv.URL
	te.srv.Close()

	r := newTestRefresher(t, endpoint, NewMemoryStore(WithCleanupInterval(0)), now)
	_, ok, err := r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureValidMissingEndpointFails(t *testing.T) {
	now := time.Now()
	r := newTestRefresher(t, "", NewMemoryStore(WithCleanupInterval(0)), now)
	_, ok, err := r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureValidConcurrentRefresh(t *testing.T) {
	for _, serialize := range []bool{false, true} {
		t.Run(fmt.Sprintf("serialize=%v", serialize), func(t *testing.T) {
			now := time.Now()
			te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
				time.Sleep(20 * time.Millisecond)
				fmt.Fprintf(w, `{"access_token":"at-%d","refresh_token":"rt-%d","expires_in":600}`, n, n)
			})
			store := NewMemoryStore(WithCleanupInterval(0))
			expired := TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(-time.Second)}
			require.NoError(t, store.Save(context.Background(), "sid", expired))

			r := NewRefresher(RefresherConfig{TokenEndpoint: te.srv.URL, ClientID: "spa", Serialize: serialize},
				store, discardLogger(), WithClock(fixedClock(now)))

			var wg sync.WaitGroup
			results := make([]TokenSet, 2)
			oks := make([]bool, 2)
			errs := make([]error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], oks[i], errs[i] = r.EnsureValid(context.Background(), "sid", expired)
				}(i)
			}
			wg.Wait()

			for i := 0; i < 2; i++ {
				require.NoError(t, errs[i])
				require.True(t, oks[i])
			}
			stored, found, err := store.Get(context.Background(), "sid")
			require.NoError(t, err)
			require.True(t, found)
			assert.Contains(t, results, stored)
		})
	}
}

func TestEnsureValidSerializedSurvivesFirstCallerCancel(t *testing.T) {
	now := time.Now()
	started := make(chan struct{}, 1)
	te := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		started <- struct{}{}
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"access_token":"new-at","refresh_token":"new-rt","expires_in":600}`)
	})
	store := NewMemoryStore(WithCleanupInterval(0))
	expired := TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(-time.Second)}
	require.NoError(t, store.Save(context.Background(), "sid", expired))

	r := NewRefresher(RefresherConfig{TokenEndpoint: te.srv.URL, ClientID: "spa", Serialize: true},
		store, discardLogger(), WithClock(fixedClock(now)))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := r.EnsureValid(firstCtx, "sid", expired)
		firstErr <- err
	}()
	<-started

	type result struct {
		ts  TokenSet
		ok  bool
		err error
	}
	second := make(chan result, 1)
	go func() {
		ts, ok, err := r.EnsureValid(context.Background(), "sid", expired)
		second <- result{ts, ok, err}
	}()

	time.Sleep(30 * time.Millisecond)
	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	res := <-second
	require.NoError(t, res.err)
	require.True(t, res.ok)
	assert.Equal(t, "new-at", res.ts.AccessToken)
	assert.Equal(t, int32(1), te.calls.Load())

	stored, found, err := store.Get(context.Background(), "sid")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new-rt", stored.RefreshToken)
}

func TestEnsureValidRecordsOutcomes(t *testing.T) {
	now := time.Now()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_refresh_total"}, []string{"outcome"})
	r := newTestRefresher(t, "", NewMemoryStore(WithCleanupInterval(0)), now, WithOutcomeCounter(counter))

	_, _, _ = r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", ExpiresAt: now.Add(time.Hour)})
	_, _, _ = r.EnsureValid(context.Background(), "sid", TokenSet{AccessToken: "at", ExpiresAt: now})

	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues(OutcomeFresh)))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues(OutcomeNoRefresh)))
}
