package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/wickhamlabs/authgate/internal/rp/provider"
	"github.com/wickhamlabs/authgate/internal/rp/service"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/pkg/httpx"
	"github.com/wickhamlabs/authgate/pkg/slogx"
)

// Pinger is implemented by durable stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	logger       *slog.Logger
	buildVersion string
	startTime    time.Time

	Provider *provider.Provider
	Sessions store.SessionStore
	Tokens   store.TokenStore
	Pinger   Pinger

	AssertionService *service.ClientAssertionService
	LogoutService    *service.BackchannelLogoutService
	RefreshService   *service.TokenRefreshService

	Login *LoginHandler
}

func NewRouter(buildVersion string, logger *slog.Logger) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		logger:       logger,
		buildVersion: buildVersion,
		startTime:    time.Now(),
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	// Signing key publication, only when assertion auth is configured.
	if r.AssertionService.Configured() {
		r.Mux.Handle("GET /.well-known/jwks",
			httpx.Chain(JWKSHandler(r.AssertionService),
				httpx.RateLimitByIP(httpx.PublicLimit),
			),
		)
	}

	// Provider-initiated logout callbacks arrive unauthenticated from the
	// provider's backchannel, so they get the strict limit.
	r.Mux.Handle("POST /signout-backchannel-oidc",
		httpx.Chain(&BackchannelLogoutHandler{Logout: r.LogoutService},
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	if r.Login != nil {
		r.Mux.Handle("GET /login",
			httpx.Chain(http.HandlerFunc(r.Login.HandleLogin),
				httpx.RateLimitByIP(httpx.StrictLimit),
			),
		)
		r.Mux.Handle("GET /callback",
			httpx.Chain(http.HandlerFunc(r.Login.HandleCallback),
				httpx.RateLimitByIP(httpx.StrictLimit),
			),
		)
	}

	sessionHandler := &SessionHandler{
		Sessions: r.Sessions,
		Tokens:   r.Tokens,
		Refresh:  r.RefreshService,
	}
	r.Mux.Handle("GET /session", sessionHandler)
	r.Mux.Handle("POST /logout", http.HandlerFunc(sessionHandler.HandleLogout))

	r.Mux.HandleFunc("GET /livez", LivezHandler(r.startTime, r.buildVersion))
	r.Mux.HandleFunc("GET /readyz", ReadyzHandler(r.Pinger))
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}
