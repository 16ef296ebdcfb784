// Command orchestrator is the CECI bot-chain's composition root: it wires
// configuration, Redis-backed (or in-memory) state, the stage dispatcher,
// and the pipeline planner into one HTTP server, then serves until a
// termination signal arrives.
//
// Grounded on the teacher's core.BaseAgent.Start/Stop lifecycle (server
// construction from timeouts in Config, signal-driven graceful shutdown
// with a bounded shutdown context).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/cache"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/convstore"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/dispatcher"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/httpapi"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/planner"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/telemetry"
)

// Version is overridden at build time via -ldflags.
var (
	Version   = "development"
	BuildDate = "development"
	GitCommit = "unknown"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if err := core.LoadStagesConfig(cfg); err != nil {
		log.Fatalf("loading stages config: %v", err)
	}

	logger := telemetry.NewTelemetryLogger("ceci-bot-chain-orchestrator")

	store, cacheImpl, closeStores := buildStores(cfg, logger)
	defer closeStores()

	disp := dispatcher.New(nil, logger)
	corpusStore := dispatcher.StubCorpusStore{}
	bypass := cache.NewBypassTracker()

	plan := planner.New(cfg, store, cacheImpl, bypass, disp, corpusStore, logger)

	router := httpapi.NewRouter(cfg, plan, logger, Version)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", map[string]interface{}{
			"port":       cfg.Port,
			"version":    Version,
			"git_commit": GitCommit,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// buildStores wires the conversation store and response cache to Redis
// when RedisURL is reachable, falling back to the in-memory
// implementations behind the same interfaces otherwise — the orchestrator
// degrades rather than refusing to start, mirroring the planner's own
// store-degraded handling of a mid-request Redis outage.
func buildStores(cfg *core.Config, logger core.Logger) (convstore.Store, cache.Cache, func()) {
	convClient, convErr := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBConversation,
		Namespace: cfg.SessionIDKeyPrefix,
		Logger:    logger,
	})
	cacheClient, cacheErr := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBCache,
		Namespace: "cache",
		Logger:    logger,
	})

	if convErr != nil || cacheErr != nil {
		logger.Warn("redis unavailable, falling back to in-memory conversation store and cache", map[string]interface{}{
			"conv_error":  errString(convErr),
			"cache_error": errString(cacheErr),
		})
		memStore := convstore.NewMemoryStore(cfg.MaxTurnsPerConversation, cfg.ConversationTTL)
		memCache := cache.NewMemoryCache(cfg.CacheHardCapEntries, time.Minute)
		return memStore, memCache, func() {
			memStore.Close()
			memCache.Stop()
		}
	}

	redisStore := convstore.NewRedisStore(convClient, cfg.SessionIDKeyPrefix, cfg.MaxTurnsPerConversation, cfg.ConversationTTL, cfg.ConvBusyWait, cfg.SlowOpThresholdMS, logger)
	redisCache := cache.NewRedisCache(cacheClient, "respcache")
	return redisStore, redisCache, func() {
		convClient.Close()
		cacheClient.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
