package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/memberboard/apiserver/config"
	"github.com/memberboard/apiserver/internal/admin"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/db"
	"github.com/memberboard/apiserver/internal/guard"
	"github.com/memberboard/apiserver/internal/handlers"
	"github.com/memberboard/apiserver/internal/metrics"
	"github.com/memberboard/apiserver/internal/mq"
	"github.com/memberboard/apiserver/internal/services"
	"github.com/memberboard/apiserver/internal/sso"
	"github.com/memberboard/apiserver/internal/storage"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/redis/go-redis/v9"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	redis      *redis.Client
	events     *mq.Publisher
}

// New wires storage, the authorization core and the HTTP routes.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	codec, err := auth.NewSessionCodec(cfg.Session.Secret)
	if err != nil {
		return nil, fmt.Errorf("SESSION_SECRET: %w", err)
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{db: dbConn}

	if err := s.build(ctx, cfg, codec); err != nil {
		_ = s.Shutdown(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, cfg config.Config, codec *auth.SessionCodec) error {
	m := metrics.New()

	identityRepo := store.NewIdentityRepository(s.db)
	postRepo := store.NewPostRepository(s.db)
	sessionRepo := store.NewSessionRepository(s.db)
	accountRepo := store.NewAccountRepository(s.db)
	verificationRepo := store.NewVerificationRepository(s.db)

	hasher := auth.NewHasher(cfg.Session.BcryptCost)
	verifier, err := auth.NewVerifier(identityRepo, hasher, m)
	if err != nil {
		return err
	}

	backend, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		return fmt.Errorf("open mq: %w", err)
	}
	s.events = mq.NewPublisher(backend)

	objects, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	avatars := storage.NewAvatars(objects)

	limiter, err := s.rateLimiter(ctx, cfg)
	if err != nil {
		return err
	}

	userService := services.NewUserService(identityRepo, verificationRepo, sessionRepo, hasher, s.events, avatars, cfg.BaseURL)
	sessionService := services.NewSessionService(verifier, codec, identityRepo, accountRepo, sessionRepo)
	postService := services.NewPostService(postRepo)
	gate := admin.NewGate(identityRepo, avatars, s.events, m)

	var provider *sso.Provider
	if cfg.OIDC.Enabled() {
		provider, err = sso.NewProvider(ctx, cfg.OIDC, cfg.Session.Secret)
		if err != nil {
			return err
		}
	}

	routeGuard := guard.New(guard.Options{
		Sessions:         codec,
		Identities:       identityRepo,
		Limiter:          limiter,
		Metrics:          m,
		AdminRoleRecheck: cfg.Session.AdminRoleRecheck,
	})

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Handle("/metrics", m.Handler())

	router.Group(func(r chi.Router) {
		r.Use(routeGuard.Middleware)

		oidcName := ""
		if provider != nil {
			oidcName = provider.Name()
		}
		handlers.PageRouter(r, oidcName)

		r.Route("/api", func(r chi.Router) {
			r.Route("/auth", func(r chi.Router) {
				handlers.AuthRouter(r, userService, sessionService, cfg.Session.CookieSecure)
				if provider != nil {
					r.Route("/oidc", func(r chi.Router) {
						handlers.OIDCRouter(r, provider, sessionService, cfg.Session.CookieSecure)
					})
				}
			})
			r.Route("/posts", func(r chi.Router) {
				handlers.PostRouter(r, postService)
			})
			r.Route("/profile", func(r chi.Router) {
				handlers.ProfileRouter(r, userService, sessionService, cfg.Session.CookieSecure)
			})
			r.Route("/users", func(r chi.Router) {
				handlers.AvatarRouter(r, userService)
			})
			r.Route("/admin", func(r chi.Router) {
				handlers.AdminRouter(r, gate, userService)
			})
		})
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

// rateLimiter picks Redis when REDIS_URL is set and the in-process window
// otherwise. It returns nil when rate limiting is disabled.
func (s *Server) rateLimiter(ctx context.Context, cfg config.Config) (guard.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	if cfg.Redis.URL == "" {
		return guard.NewMemoryLimiter(), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	s.redis = redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		slog.Default().WarnContext(ctx, "redis unreachable at startup; rate limiting fails open until it recovers",
			"module", "server",
			"operation", "connect_redis",
			"error", err,
		)
	}
	return guard.NewRedisLimiter(s.redis, "memberboard:ratelimit"), nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	slog.Default().Info("server listening", "module", "server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	if s.events != nil {
		errs = append(errs, s.events.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
