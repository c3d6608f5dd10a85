package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/anthropic-gateway/internal/admin"
	"github.com/HanTheDev/anthropic-gateway/internal/auth"
	"github.com/HanTheDev/anthropic-gateway/internal/cache"
	"github.com/HanTheDev/anthropic-gateway/internal/config"
	"github.com/HanTheDev/anthropic-gateway/internal/crypto"
	"github.com/HanTheDev/anthropic-gateway/internal/gateway"
	"github.com/HanTheDev/anthropic-gateway/internal/models"
	"github.com/HanTheDev/anthropic-gateway/internal/ratelimit"
	"github.com/HanTheDev/anthropic-gateway/internal/store"
	"github.com/HanTheDev/anthropic-gateway/internal/tenant"
	"github.com/HanTheDev/anthropic-gateway/internal/upstreamclient"
	"github.com/HanTheDev/anthropic-gateway/internal/upstreampool"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cryptoSvc := crypto.NewService(cfg.CryptoCurrentKeyVer)
	if cfg.CryptoMasterKeyPath != "" {
		if err := cryptoSvc.LoadMasterKey(cfg.CryptoMasterKeyPath, cfg.CryptoCurrentKeyVer); err != nil {
			log.Fatal().Err(err).Msg("failed to load master key")
		}
	}

	var db *store.Store
	if cfg.UseDatabase {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
	}

	redisCache, err := cache.New(cfg.RedisURL, cfg.CacheKeyPrefix, cfg.CacheAPIKeyTTL, cfg.CacheQuotaPolicyTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache")
	}
	defer redisCache.Close()

	pool := upstreampool.New(db, cryptoSvc, cfg.UseDatabase, cfg.UpstreamAPIKeys)
	if _, err := pool.Refresh(ctx); err != nil {
		log.Fatal().Err(err).Msg("upstream key pool is empty at startup")
	}

	staticTable := make(map[string]tenant.StaticEntry, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		staticTable[t.Credential] = tenant.StaticEntry{
			TenantID: t.TenantID,
			UserID:   t.UserID,
			Plan:     models.Plan(t.Plan),
		}
	}

	var credStore tenant.CredentialStore
	if db != nil {
		credStore = db
	}
	resolver := tenant.New(tenant.Config{
		UseYamlFallback: cfg.UseYamlFallback,
		UseDatabase:     cfg.UseDatabase,
		StaticTable:     staticTable,
		Store:           credStore,
		Cache:           redisCache,
		DefaultRPM:      cfg.DefaultRPM,
	})

	limiter := ratelimit.New()
	upstreamCli := upstreamclient.New(cfg.UpstreamBaseURL, cfg.AnthropicVersion, pool, cfg.RequestTimeout)
	gatewayHandler := gateway.New(resolver, limiter, upstreamCli, cfg.MaxBodyBytes, cfg.RequestTimeout)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.Handle("/anthropic/v1/messages", gatewayHandler).Methods(http.MethodPost)

	if db != nil {
		adminAuth := auth.NewMiddleware(cfg.AdminAPIKeyHeader, cfg.AdminAPIKeys, cfg.AdminSessionSecret)
		adminHandler := admin.New(db, redisCache, pool)
		adminRouter := router.PathPrefix("/admin").Subrouter()
		adminRouter.Use(adminAuth.Authenticate)
		adminHandler.RegisterRoutes(adminRouter)
	} else {
		log.Warn().Str("component", "main").Msg("database disabled: admin surface is not mounted")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: 0, // streaming responses may run longer than a fixed write deadline
	}

	go func() {
		log.Info().Str("component", "main").Str("port", cfg.ServerPort).
			Int("upstream_keys", pool.Size()).Msg("gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Str("component", "main").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
