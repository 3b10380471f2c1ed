package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the BFF, realtime and ops endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware(a.hstsMaxAge()))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Get("/bff/login", a.handleLogin)
	r.Get(a.Config.OIDC.CallbackPath, a.handleCallback)
	r.Get("/bff/signout", a.handleSignout)
	r.Get("/signout", a.handleSignout)

	r.Group(func(r chi.Router) {
		r.Use(a.RequireIdentity)
		r.Get("/bff/user", a.handleUser)
		r.Get("/bff/userinfo", a.handleUserInfo)
	})

	r.With(a.RealtimeAuthGate).Method(http.MethodGet, "/hubs/chat", a.Hub)

	return r
}

func (a *App) hstsMaxAge() int {
	if a.Config.Server.DevMode {
		return 0
	}
	return a.Config.Server.TLS.HSTSMaxAge
}
