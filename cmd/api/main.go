package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"churchops.org/internal/access"
	"churchops.org/internal/ai"
	"churchops.org/internal/auth"
	"churchops.org/internal/config"
	"churchops.org/internal/events"
	"churchops.org/internal/httpapi"
	"churchops.org/internal/obs"
	"churchops.org/internal/store/cache"
	"churchops.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(); err != nil {
		obs.Error("api exited", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.PGDSN == "" {
		return errors.New("CHURCHOPS_PG_DSN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, auth.WithIssuer(cfg.JWTIssuer), auth.WithTokenTTL(cfg.JWTTTL))
	if err != nil {
		return err
	}

	idemCache := cache.New(ctx, cfg.RedisAddr)
	hub := events.NewHub()
	publishers := events.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return err
		}
		defer kp.Close()
		publishers = append(publishers, kp)
	}

	provider, err := buildProvider(cfg.AI)
	if err != nil {
		return err
	}
	usage := ai.NewUsageService(store,
		ai.WithLimits(cfg.AI.MessageLimit, cfg.AI.TokenLimit),
		ai.WithTokenEstimate(cfg.AI.TokenEstimate),
	)
	tools := ai.NewReadOnlyService(ai.NewCatalog(), store)
	chat := ai.NewChatService(ai.NewPolicy(), usage, provider, store,
		ai.WithTools(tools),
		ai.WithPublisher(publishers),
	)

	ready := httpapi.ReadyProbe{"db": store}
	if p, ok := idemCache.(httpapi.Pinger); ok {
		ready["cache"] = p
	}

	api := httpapi.New(httpapi.Deps{
		Guard:          access.NewGuard(tokens, store, store),
		Users:          store,
		Tokens:         tokens,
		Records:        store,
		Chat:           chat,
		Tools:          tools,
		Usage:          usage,
		Idempotency:    ai.NewIdempotency(idemCache, cfg.AI.IdempotencyTTL),
		Hub:            hub,
		Ready:          ready,
		Version:        version,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		// chat calls wait on the provider
		WriteTimeout: cfg.AI.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	health := httpapi.NewGRPCHealth(ready)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	go health.Run(ctx, 10*time.Second)

	errs := make(chan error, 2)
	go func() {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		obs.Info("grpc listening", map[string]any{"addr": cfg.GRPCAddr})
		if err := grpcSrv.Serve(lis); err != nil {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errs:
		obs.Error("server failed", map[string]any{"error": err.Error()})
	}
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		obs.Warn("http shutdown", map[string]any{"error": serr.Error()})
	}
	obs.Info("stopped", nil)
	return err
}

// buildProvider routes to the configured primary and falls back to the
// other provider when it differs.
func buildProvider(cfg config.AIConfig) (ai.Provider, error) {
	creds, err := ai.NewCredentials(map[string]string{
		ai.ProviderOpenAI: cfg.OpenAIKey,
		ai.ProviderGemini: cfg.GeminiKey,
	}, cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	providers := map[string]ai.Provider{
		ai.ProviderOpenAI: ai.NewOpenAIProvider(creds,
			ai.WithBaseURL(cfg.OpenAIBaseURL), ai.WithModel(cfg.OpenAIModel), ai.WithTimeout(cfg.ProviderTimeout)),
		ai.ProviderGemini: ai.NewGeminiProvider(creds,
			ai.WithBaseURL(cfg.GeminiBaseURL), ai.WithModel(cfg.GeminiModel), ai.WithTimeout(cfg.ProviderTimeout)),
	}
	primary, ok := providers[cfg.PrimaryProvider]
	if !ok {
		return nil, errors.New("unknown CHURCHOPS_AI_PROVIDER " + cfg.PrimaryProvider)
	}
	var fallback ai.Provider
	if cfg.FallbackProvider != cfg.PrimaryProvider {
		fallback = providers[cfg.FallbackProvider]
	}
	return ai.NewRouter(primary, fallback), nil
}
