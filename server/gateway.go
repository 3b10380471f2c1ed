package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bffd/tokens"
)

const loginErrorRedirect = "/?loginError=1"

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reauth := strings.EqualFold(q.Get("reauth"), "true")

	challenge, err := a.Bridge.BeginLogin(q.Get("returnUrl"), reauth)
	if err != nil {
		a.Logger.Error("login unavailable", "error", err)
		http.Error(w, "Authentication is not configured.", http.StatusInternalServerError)
		return
	}
	if err := a.LoginStates.Issue(w, challenge.State); err != nil {
		a.Logger.Error("login state cookie", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	a.Logger.Debug("login challenge issued", "return_url", challenge.State.ReturnURL, "reauth", reauth)
	http.Redirect(w, r, challenge.RedirectURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// The state cookie is single use whatever the outcome.
	a.LoginStates.Clear(w)

	if providerErr := q.Get("error"); providerErr != "" {
		a.Logger.Warn("provider returned error", "error", providerErr, "description", q.Get("error_description"))
		a.loginFailed(w, r, "provider_error")
		return
	}

	ls, err := a.LoginStates.Fetch(r)
	if err != nil {
		a.Logger.Warn("login state rejected", "error", err)
		a.loginFailed(w, r, "invalid_state")
		return
	}
	if q.Get("state") != ls.State {
		a.Logger.Warn("login state mismatch")
		a.loginFailed(w, r, "invalid_state")
		return
	}

	id, err := a.Bridge.CompleteLogin(r.Context(), ls, q.Get("code"))
	if err != nil {
		if errors.Is(err, ErrProviderNotConfigured) {
			a.Logger.Error("callback without provider", "error", err)
			http.Error(w, "Authentication is not configured.", http.StatusInternalServerError)
			return
		}
		a.Logger.Warn("login failed", "error", err)
		a.loginFailed(w, r, "exchange_failed")
		return
	}

	if err := a.Sessions.Issue(w, id); err != nil {
		a.Logger.Error("identity cookie", "error", err)
		a.loginFailed(w, r, "cookie_failed")
		return
	}
	a.Metrics.Logins.WithLabelValues("success").Inc()
	http.Redirect(w, r, appPath(LocalURL(ls.ReturnURL)), http.StatusFound)
}

func (a *App) loginFailed(w http.ResponseWriter, r *http.Request, reason string) {
	a.Metrics.Logins.WithLabelValues(reason).Inc()
	http.Redirect(w, r, loginErrorRedirect, http.StatusFound)
}

// handleUser is the whoami endpoint. The sid claim is never part of the response.
func (a *App) handleUser(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id == nil {
		writeUnauthorized(w)
		return
	}
	writeJSON(w, WhoAmI{Name: id.Name, Claims: id.PublicClaims()})
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := IdentityFromContext(ctx)
	if id == nil || id.SID == "" {
		writeUnauthorized(w)
		return
	}
	log := a.Logger.With("sid", tokens.ShortSID(id.SID))

	ts, found, err := a.Store.Get(ctx, id.SID)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("userinfo canceled during store read")
			return
		}
		log.Error("session store read failed", "error", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if !found {
		log.Info("no session record")
		writeUnauthorized(w)
		return
	}

	ts, ok, err := a.Refresher.EnsureValid(ctx, id.SID, ts)
	if err != nil {
		log.Debug("userinfo canceled during refresh", "error", err)
		return
	}
	if !ok {
		writeUnauthorized(w)
		return
	}

	if !a.Userinfo.Configured() {
		log.Error("userinfo requested without authority")
		http.Error(w, "OIDC authority not configured.", http.StatusInternalServerError)
		return
	}

	rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	if err := a.Userinfo.Relay(ctx, rec, ts.AccessToken); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Debug("userinfo canceled by caller")
			return
		}
		log.Error("userinfo upstream failed", "error", err)
		a.Metrics.UserinfoProxied.WithLabelValues("502").Inc()
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	a.Metrics.UserinfoProxied.WithLabelValues(strconv.Itoa(rec.status)).Inc()
}

// handleSignout works with or without a valid cookie and always ends at a redirect.
func (a *App) handleSignout(w http.ResponseWriter, r *http.Request) {
	id, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Debug("signout with unreadable identity", "error", err)
	}

	target, err := a.Bridge.BeginLogout(r.Context(), id)
	if err != nil {
		a.Logger.Warn("signout continued after store error", "error", err)
	}
	a.Sessions.Clear(w)
	a.Metrics.Logouts.Inc()
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
