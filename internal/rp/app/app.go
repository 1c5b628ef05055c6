package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	httpapi "github.com/wickhamlabs/authgate/internal/rp/http"
	"github.com/wickhamlabs/authgate/internal/rp/provider"
	"github.com/wickhamlabs/authgate/internal/rp/service"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/internal/rp/store/cached"
	"github.com/wickhamlabs/authgate/internal/rp/store/drivers/sqlite"
	"github.com/wickhamlabs/authgate/internal/rp/store/memory"
	"github.com/wickhamlabs/authgate/pkg/jwtx"
	"github.com/wickhamlabs/authgate/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application wires the relying-party service together: stores, upstream
// provider, services and the HTTP server.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db       *sqlite.Store // nil when running on the memory backend
	sessions store.SessionStore
	tokens   store.TokenStore
	provider *provider.Provider

	assertionService *service.ClientAssertionService
	logoutService    *service.BackchannelLogoutService
	refreshService   *service.TokenRefreshService

	server *http.Server
	router *httpapi.Router
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "authgate",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initStores(); err != nil {
		return nil, err
	}
	if err := app.initProvider(); err != nil {
		return nil, err
	}
	if err := app.initServices(); err != nil {
		return nil, err
	}
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.logger.Info("authgate starting",
		"port", app.cfg.Port,
		"version", BuildVersion,
		"issuer", app.cfg.Issuer,
		"backend", app.cfg.SessionBackend,
		"assertion_auth", app.assertionService.Configured(),
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down authgate...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			return err
		}
	}

	app.logger.Info("authgate stopped")
	return nil
}

// initStores selects the storage backend. The sqlite backend is wrapped with
// the in-process session mirror so authenticated requests skip the storage
// round trip.
func (app *Application) initStores() error {
	if app.cfg.SessionBackend == "memory" {
		app.sessions = memory.NewSessionStore()
		app.tokens = memory.NewTokenStore()
		app.logger.Info("using in-memory session storage")
		return nil
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	app.logger.Info("database migrations applied successfully")

	app.sessions = cached.NewSessionStore(db.Sessions())
	app.tokens = db.Tokens()
	return nil
}

func (app *Application) initProvider() error {
	p, err := provider.New(provider.Config{
		Issuer:         app.cfg.Issuer,
		ClientID:       app.cfg.ClientID,
		MetadataMaxAge: app.cfg.DiscoveryMaxAge,
	})
	if err != nil {
		return err
	}
	app.provider = p
	return nil
}

func (app *Application) initServices() error {
	app.assertionService = &service.ClientAssertionService{
		ClientID:  app.cfg.ClientID,
		Authority: app.cfg.Issuer,
	}

	// Key material is optional; without it token requests fall back to the
	// shared client secret. A present but unusable key is fatal.
	if app.cfg.SigningKeyFile != "" {
		keyPEM, err := os.ReadFile(app.cfg.SigningKeyFile)
		if err != nil {
			return fmt.Errorf("read signing key: %w", err)
		}
		certPEM, err := os.ReadFile(app.cfg.CertificateFile)
		if err != nil {
			return fmt.Errorf("read certificate: %w", err)
		}
		signer, err := jwtx.NewAssertionSigner(keyPEM, certPEM)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		app.assertionService.Signer = signer
		app.logger.Info("client assertion signing enabled", "kid", signer.KID())
	}

	app.logoutService = &service.BackchannelLogoutService{
		Provider: app.provider,
		Sessions: app.sessions,
		Tokens:   app.tokens,
	}

	app.refreshService = &service.TokenRefreshService{
		Provider:     app.provider,
		Sessions:     app.sessions,
		Tokens:       app.tokens,
		Assertions:   app.assertionService,
		ClientID:     app.cfg.ClientID,
		ClientSecret: app.cfg.ClientSecret,
		Scope:        strings.Join(app.cfg.Scopes, " "),
	}

	return nil
}

func (app *Application) initHTTP() {
	router := httpapi.NewRouter(BuildVersion, app.logger)
	router.Provider = app.provider
	router.Sessions = app.sessions
	router.Tokens = app.tokens
	router.AssertionService = app.assertionService
	router.LogoutService = app.logoutService
	router.RefreshService = app.refreshService
	if app.db != nil {
		router.Pinger = app.db
	}

	if app.cfg.RedirectURL != "" {
		router.Login = &httpapi.LoginHandler{
			Provider:     app.provider,
			Sessions:     app.sessions,
			Tokens:       app.tokens,
			ClientID:     app.cfg.ClientID,
			ClientSecret: app.cfg.ClientSecret,
			RedirectURL:  app.cfg.RedirectURL,
			Scopes:       app.cfg.Scopes,
		}
	}

	router.ApplyRoutes()
	app.router = router

	app.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.cfg.Port),
		Handler: router,
	}
}
