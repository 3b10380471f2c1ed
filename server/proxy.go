package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// UserinfoRelay forwards the browser's userinfo call to the provider with a bearer token
// and copies status, content type and body back unchanged.
type UserinfoRelay struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewUserinfoRelay builds a relay for endpoint. An empty endpoint means the authority is unset.
func NewUserinfoRelay(endpoint string, client *http.Client, logger *slog.Logger) *UserinfoRelay {
	if client == nil {
		client = newUpstreamClient(DefaultUpstreamTimout)
	}
	return &UserinfoRelay{endpoint: endpoint, client: client, logger: logger}
}

// Configured reports whether an upstream endpoint is known.
func (u *UserinfoRelay) Configured() bool {
	return u.endpoint != ""
}

// Relay performs the upstream GET using the request context and writes the response.
// Transport failures return an error without writing anything.
func (u *UserinfoRelay) Relay(ctx context.Context, w http.ResponseWriter, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		u.logger.Warn("userinfo body relay interrupted", "status", resp.StatusCode, "error", err)
	}
	return nil
}

func newUpstreamClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
