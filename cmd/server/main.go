package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"schoolhub/identity/internal/audit"
	"schoolhub/identity/internal/auth"
	"schoolhub/identity/internal/config"
	"schoolhub/identity/internal/crypto"
	"schoolhub/identity/internal/csrf"
	"schoolhub/identity/internal/db"
	identitygrpc "schoolhub/identity/internal/grpc"
	internalhttp "schoolhub/identity/internal/http"
	"schoolhub/identity/internal/jobs"
	"schoolhub/identity/internal/logging"
	"schoolhub/identity/internal/metrics"
	"schoolhub/identity/internal/ratelimit"
	"schoolhub/identity/internal/repository"
	"schoolhub/identity/internal/session"
)

type credentialStore interface {
	session.Store
	jobs.RefreshTokenPurger
}

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store credentialStore
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn("using in-memory store; data is lost on restart")
		store = repository.NewMemoryStore()
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("db connection failed")
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			log.WithError(err).Fatal("db migration failed")
		}
		store = repository.NewStore(pool)
	}

	issuer, err := newIssuer(cfg)
	if err != nil {
		log.WithError(err).Fatal("token issuer init failed")
	}
	hasher := crypto.NewPasswordHasher(crypto.Argon2Params{
		MemoryKiB:   cfg.Argon2MemoryKiB,
		Iterations:  cfg.Argon2Iterations,
		Parallelism: cfg.Argon2Parallelism,
	})
	m := metrics.New()

	sessions, err := session.NewService(store, hasher, issuer, audit.NewLogger(log), session.Config{
		RefreshTokenTTL:   cfg.RefreshTokenTTL,
		MinPasswordLength: cfg.MinPasswordLength,
	})
	if err != nil {
		log.WithError(err).Fatal("session service init failed")
	}

	guard, err := csrf.NewGuard(cfg.CSRFSecret,
		csrf.WithSecureCookie(cfg.CookieSecure),
		csrf.WithCookieDomain(cfg.CookieDomain),
		csrf.WithRejectHook(func(_ *http.Request, reason string) { m.CSRFRejected(reason) }),
	)
	if err != nil {
		log.WithError(err).Fatal("csrf guard init failed")
	}

	var loginLimiter, refreshLimiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.WithError(err).Fatal("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Warn("redis close error")
			}
		}()
		loginLimiter = ratelimit.NewRedisLimiter(redisClient, cfg.LoginRateLimit, cfg.RateLimitWindow, "identity:ratelimit:login")
		refreshLimiter = ratelimit.NewRedisLimiter(redisClient, cfg.RefreshRateLimit, cfg.RateLimitWindow, "identity:ratelimit:refresh")
	}

	server, err := internalhttp.NewServer(cfg, internalhttp.Deps{
		Sessions:       sessions,
		Issuer:         issuer,
		CSRF:           guard,
		Metrics:        m,
		Logger:         log,
		LoginLimiter:   loginLimiter,
		RefreshLimiter: refreshLimiter,
	})
	if err != nil {
		log.WithError(err).Fatal("server init failed")
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.ServiceAuthToken != "" {
		serviceAuthInterceptor, err := identitygrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken, log)
		if err != nil {
			log.WithError(err).Fatal("grpc service auth init failed")
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(serviceAuthInterceptor))
		identitygrpc.RegisterIdentityService(grpcServer, identitygrpc.NewIdentityServer(sessions, log))
	} else {
		log.Warn("SERVICE_AUTH_TOKEN not set; grpc api disabled")
	}

	jobs.StartRefreshPurgeJob(ctx, cfg, store, log, m.RefreshTokensPurged)

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("identity http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server error")
		}
	}()

	if grpcServer != nil {
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				log.WithError(err).Fatal("grpc listen error")
			}
			log.WithField("addr", cfg.GRPCAddr).Info("identity grpc listening")
			if err := grpcServer.Serve(listener); err != nil {
				log.WithError(err).Fatal("grpc server error")
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}

// newIssuer prefers RS256 when a key pair is configured so other services
// can verify tokens from the published JWKS.
func newIssuer(cfg config.Config) (*auth.Issuer, error) {
	if cfg.JWTPrivateKey != "" && cfg.JWTPublicKey != "" {
		return auth.NewRSAIssuer(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.AccessTokenTTL)
	}
	return auth.NewHMACIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL)
}
