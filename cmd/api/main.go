package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/config"
	"thefolder.dev/internal/httpapi"
	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/orchestrator"
	"thefolder.dev/internal/provider"
	"thefolder.dev/internal/ratelimit"
	"thefolder.dev/internal/store/pg"
	"thefolder.dev/internal/usage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backends struct {
	auth  auth.Store
	usage usage.Store
	chat  chat.Repository
	db    *pg.Store
}

func main() {
	configPath := flag.String("config", "", "Path to an optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	obs.Configure(os.Stdout, cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.OpenAI.Model)
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	ready := httpapi.ReadyProbe{}
	if be.db != nil {
		ready.DB = be.db.DB()
		defer be.db.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	var limiter ratelimit.Limiter
	if cfg.Redis.URL != "" {
		client, err := ratelimit.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		limiter = ratelimit.NewRedis(client, cfg.Redis.Prefix)
		ready.Checks = append(ready.Checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	} else {
		local := ratelimit.NewLocal()
		g.Go(func() error {
			local.RunSweeper(gctx, time.Minute)
			return nil
		})
		limiter = local
	}

	var authOpts []auth.ServiceOption
	if cfg.Auth.JWTSecret != "" {
		var jwtOpts []auth.JWTOption
		if cfg.Auth.JWTIssuer != "" {
			jwtOpts = append(jwtOpts, auth.WithIssuer(cfg.Auth.JWTIssuer))
		}
		if cfg.Auth.JWTAudience != "" {
			jwtOpts = append(jwtOpts, auth.WithAudience(cfg.Auth.JWTAudience))
		}
		jwtOpts = append(jwtOpts, auth.WithLeeway(cfg.Auth.JWTLeeway))
		jp, err := auth.NewJWTProvider(cfg.Auth.JWTSecret, jwtOpts...)
		if err != nil {
			log.Fatalf("jwt: %v", err)
		}
		authOpts = append(authOpts, auth.WithIdentityProvider(jp))
	}
	authSvc, err := auth.NewService(be.auth, authOpts...)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	ledger := usage.NewLedger(be.usage)
	llm := provider.NewOpenAI(cfg.OpenAI.APIKey, provider.WithBaseURL(cfg.OpenAI.BaseURL))
	orch, err := orchestrator.New(ledger, be.chat, llm,
		orchestrator.WithDefaults(orchestrator.Defaults{
			Model:       cfg.OpenAI.Model,
			Temperature: &cfg.OpenAI.Temperature,
			MaxTokens:   cfg.OpenAI.MaxTokens,
		}),
		orchestrator.WithTimeout(cfg.Chat.Timeout),
	)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	if be.db == nil {
		if err := seedDevIdentity(ctx, authSvc, be); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:         authSvc,
		Orchestrator: orch,
		Ledger:       ledger,
		Chat:         be.chat,
		Limiter:      limiter,
		Ready:        ready,
	},
		httpapi.WithBasePath(cfg.HTTP.BasePath),
		httpapi.WithVersion(version),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		httpapi.WithIPLimit(cfg.RateLimit.PerMinute()),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithRouteLimits(httpapi.RouteLimits{
			Completion: cfg.RateLimit.Completion,
			Stream:     cfg.RateLimit.Stream,
			Messages:   cfg.RateLimit.Messages,
		}),
	)
	if err != nil {
		log.Fatalf("httpapi: %v", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// streams stay open for up to the provider timeout
		WriteTimeout: cfg.Chat.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCServer(ready).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr, "version", version, "base_path", cfg.HTTP.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc health listening", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func openBackends(ctx context.Context, cfg *config.Config) (backends, error) {
	if cfg.Database.URL == "" {
		obs.Logger().Warn("DATABASE_URL not set, using in-memory storage")
		return backends{
			auth:  auth.NewInMemory(),
			usage: usage.NewInMemory(),
			chat:  chat.NewInMemory(),
		}, nil
	}
	db, err := pg.Open(cfg.Database.URL)
	if err != nil {
		return backends{}, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		_ = db.Close()
		return backends{}, fmt.Errorf("ping database: %w", err)
	}
	return backends{
		auth:  auth.NewPGStore(db.DB()),
		usage: db.Usage(),
		chat:  db.Chat(),
		db:    db,
	}, nil
}

// seedDevIdentity creates a local account and prints its API key once.
func seedDevIdentity(ctx context.Context, svc *auth.Service, be backends) error {
	ident := &auth.Identity{
		Email:             "dev@thefolder.local",
		FullName:          "Local Developer",
		Active:            true,
		SubscriptionTier:  "free",
		MonthlyUsageLimit: 1000,
	}
	if err := be.auth.Identities(ctx).Create(ctx, ident); err != nil {
		return err
	}
	if mem, ok := be.usage.(*usage.InMemory); ok {
		mem.SetLimit(ident.ID, ident.MonthlyUsageLimit)
	}
	issued, err := svc.IssueAPIKey(ctx, ident.ID, "development")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "development identity %s, API key: %s\n", ident.ID, issued.Secret)
	return nil
}
