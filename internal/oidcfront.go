// Package internal wires the oidc-front application together: the decision
// engine, the session ticket store, the user directory, and the HTTP surface.
package internal

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/oidc-front/internal/config"
	"github.com/dgellow/oidc-front/internal/crypto"
	"github.com/dgellow/oidc-front/internal/engine"
	"github.com/dgellow/oidc-front/internal/log"
	"github.com/dgellow/oidc-front/internal/server"
	"github.com/dgellow/oidc-front/internal/session"
	"github.com/dgellow/oidc-front/internal/users"
	"golang.org/x/sync/errgroup"
)

const csrfTokenTTL = 10 * time.Minute

// OIDCFront represents the complete authorization front application
type OIDCFront struct {
	config     config.Config
	httpServer *server.HTTPServer
	sessions   session.Store
	closers    []func() error

	// sweep reclaims expired session documents for backends without
	// server-side expiry
	sweep func(ctx context.Context) error
}

// NewOIDCFront creates the application with all dependencies built
func NewOIDCFront(ctx context.Context, cfg config.Config) (*OIDCFront, error) {
	log.LogInfoWithFields("oidcfront", "Building authorization front", map[string]any{
		"addr":     cfg.Addr,
		"engine":   string(cfg.Engine.Kind),
		"sessions": string(cfg.Sessions.Store),
	})

	app := &OIDCFront{config: cfg}

	eng, err := setupEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup decision engine: %w", err)
	}

	if err := app.setupSessions(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to setup session store: %w", err)
	}

	userConfigs := cfg.Users
	if len(userConfigs) == 0 {
		log.LogWarnWithFields("oidcfront", "No users configured, using development defaults", nil)
		userConfigs = users.DefaultUsers()
	}
	directory, err := users.NewDirectory(userConfigs)
	if err != nil {
		return nil, fmt.Errorf("failed to build user directory: %w", err)
	}

	csrfKey := []byte(cfg.CSRFKey)
	if len(csrfKey) == 0 {
		generated, err := crypto.GenerateSecureToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
		}
		csrfKey = []byte(generated)
		log.LogWarnWithFields("oidcfront", "No CSRF key configured, generated an ephemeral one", nil)
	}
	csrf := crypto.NewCSRFProtection(csrfKey, csrfTokenTTL)

	mux := buildHTTPHandler(eng, app.sessions, directory, csrf, cfg.Sessions.TTL.Std())
	app.httpServer = server.NewHTTPServer(mux, cfg.Addr)

	return app, nil
}

// Run starts the application and blocks until shutdown
func (o *OIDCFront) Run() error {
	log.LogInfoWithFields("oidcfront", "Starting authorization front", map[string]any{
		"addr": o.config.Addr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := o.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if o.sweep != nil {
		group.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := o.sweep(groupCtx); err != nil {
						log.LogWarnWithFields("oidcfront", "Session sweep failed", map[string]any{
							"error": err.Error(),
						})
					}
				case <-groupCtx.Done():
					return nil
				}
			}
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		log.LogInfoWithFields("oidcfront", "Starting graceful shutdown", map[string]any{
			"timeout": "30s",
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return o.httpServer.Stop(shutdownCtx)
	})

	err := group.Wait()

	for _, closer := range o.closers {
		if closeErr := closer(); closeErr != nil {
			log.LogWarnWithFields("oidcfront", "Cleanup error", map[string]any{
				"error": closeErr.Error(),
			})
		}
	}

	log.LogInfoWithFields("oidcfront", "Application shutdown complete", nil)
	return err
}

// setupEngine selects the decision engine implementation from configuration.
// The choice is made once, here; nothing downstream knows which one it got.
func setupEngine(cfg config.Config) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case config.EngineKindHTTP:
		log.LogInfoWithFields("engine", "Using remote decision engine", map[string]any{
			"baseURL":   cfg.Engine.BaseURL,
			"serviceId": cfg.Engine.ServiceID,
		})
		return engine.NewHTTPEngine(cfg.Engine.BaseURL, cfg.Engine.ServiceID, string(cfg.Engine.Bearer)), nil

	case config.EngineKindLocal:
		signingKey := []byte(cfg.Engine.SigningKey)
		if len(signingKey) == 0 {
			generated, err := crypto.GenerateSecureToken()
			if err != nil {
				return nil, fmt.Errorf("failed to generate signing key: %w", err)
			}
			signingKey = []byte(generated)
			log.LogWarnWithFields("engine", "No signing key configured, generated an ephemeral one", nil)
		}

		clients := make([]engine.LocalClient, 0, len(cfg.Engine.Clients))
		for _, c := range cfg.Engine.Clients {
			clients = append(clients, engine.LocalClient{
				ID:           c.ID,
				Name:         c.Name,
				Secret:       string(c.Secret),
				RedirectURIs: c.RedirectURIs,
				Scopes:       c.Scopes,
			})
		}

		log.LogInfoWithFields("engine", "Using local decision engine", map[string]any{
			"clients": len(clients),
		})
		return engine.NewLocalEngine(engine.LocalConfig{
			Issuer:     cfg.Issuer,
			SigningKey: signingKey,
			TokenTTL:   cfg.Engine.TokenTTL.Std(),
			Clients:    clients,
		})

	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Engine.Kind)
	}
}

// setupSessions creates the session ticket store from configuration
func (o *OIDCFront) setupSessions(ctx context.Context, cfg config.Config) error {
	ttl := cfg.Sessions.TTL.Std()

	switch cfg.Sessions.Store {
	case config.SessionStoreMemory, "":
		log.LogInfoWithFields("session", "Using in-memory session store", nil)
		store := session.NewMemoryStore(ttl)
		o.sessions = store
		o.closers = append(o.closers, func() error {
			store.Close()
			return nil
		})
		return nil

	case config.SessionStoreRedis:
		log.LogInfoWithFields("session", "Using Redis session store", map[string]any{
			"addr": cfg.Sessions.RedisAddr,
		})
		store, err := session.NewRedisStore(ctx, cfg.Sessions.RedisAddr, string(cfg.Sessions.RedisPassword), ttl)
		if err != nil {
			return err
		}
		o.sessions = store
		o.closers = append(o.closers, store.Close)
		return nil

	case config.SessionStoreFirestore:
		log.LogInfoWithFields("session", "Using Firestore session store", map[string]any{
			"project":    cfg.Sessions.GCPProject,
			"database":   cfg.Sessions.FirestoreDatabase,
			"collection": cfg.Sessions.FirestoreCollection,
		})
		store, err := session.NewFirestoreStore(
			ctx,
			cfg.Sessions.GCPProject,
			cfg.Sessions.FirestoreDatabase,
			cfg.Sessions.FirestoreCollection,
			ttl,
		)
		if err != nil {
			return err
		}
		o.sessions = store
		o.sweep = store.Sweep
		o.closers = append(o.closers, store.Close)
		return nil

	default:
		return fmt.Errorf("unknown session store %q", cfg.Sessions.Store)
	}
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(
	eng engine.Engine,
	sessions session.Store,
	directory *users.Directory,
	csrf crypto.CSRFProtection,
	sessionTTL time.Duration,
) http.Handler {
	mux := http.NewServeMux()

	authLogger := server.NewLoggerMiddleware("auth")
	tokenLogger := server.NewLoggerMiddleware("token")
	authRecover := server.NewRecoverMiddleware("auth")
	tokenRecover := server.NewRecoverMiddleware("token")

	mux.Handle("/health", server.NewHealthHandler())

	authHandlers := server.NewAuthHandlers(eng, sessions, directory, csrf, sessionTTL)
	authMiddleware := []server.MiddlewareFunc{authLogger, authRecover}

	mux.Handle("GET /authorize", server.ChainMiddleware(http.HandlerFunc(authHandlers.AuthorizeHandler), authMiddleware...))
	mux.Handle("POST /authorize", server.ChainMiddleware(http.HandlerFunc(authHandlers.AuthorizeHandler), authMiddleware...))
	mux.Handle("POST /login", server.ChainMiddleware(http.HandlerFunc(authHandlers.LoginHandler), authMiddleware...))
	mux.Handle("POST /auth/decision", server.ChainMiddleware(http.HandlerFunc(authHandlers.DecisionHandler), authMiddleware...))

	tokenHandlers := server.NewTokenHandlers(eng, directory)
	mux.Handle("POST /token", server.ChainMiddleware(http.HandlerFunc(tokenHandlers.TokenHandler), tokenLogger, tokenRecover))

	return mux
}
