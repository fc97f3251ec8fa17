package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast-client/internal/gateway"
	"livecast-client/internal/lifecycle"
	"livecast-client/internal/platform/config"
	"livecast-client/internal/platform/logger"
	"livecast-client/internal/platform/metrics"
	"livecast-client/internal/readiness"
	"livecast-client/internal/swarm"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	apiBaseURL := config.GetEnv("API_BASE_URL", "http://localhost:8000/api")
	apiToken := config.GetEnv("API_TOKEN", "")
	sessionID := config.GetEnv("SESSION_ID", "")
	originURL := config.GetEnv("ORIGIN_BASE_URL", apiBaseURL)
	autoHarvest := config.GetEnvBool("AUTO_HARVEST", true)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)
	if sessionID == "" {
		log.Error("SESSION_ID is required")
		os.Exit(1)
	}

	pollOpts := readiness.Options{
		InitialDelay:   config.GetEnvDuration("POLL_INITIAL_DELAY", readiness.DefaultInitialDelay),
		MaxAttempts:    config.GetEnvInt("POLL_MAX_ATTEMPTS", 0),
		AttemptTimeout: config.GetEnvDuration("POLL_ATTEMPT_TIMEOUT", readiness.DefaultAttemptTimeout),
	}

	p2p := swarm.Config{
		IsP2PEnabled:   config.GetEnvBool("P2P_ENABLED", false),
		STUNServerURLs: config.GetEnvList("STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		TrackerURLs:    config.GetEnvList("TRACKER_URLS", nil),
	}
	if path := config.GetEnv("P2P_CONFIG_FILE", ""); path != "" {
		cfg, err := swarm.LoadConfig(path)
		if err != nil {
			log.Error("p2p config", "error", err)
			os.Exit(1)
		}
		p2p = cfg
	}

	met := metrics.New()
	sup := swarm.NewSupervisor(p2p, swarm.NewRTCFactory(p2p, log, met), nil, log, met)
	sup.OnHealthChange(func(id string, h swarm.Health) {
		log.Warn("swarm health changed", "session_id", id, "health", string(h))
	})
	gw := gateway.NewClient(apiBaseURL, nil, gateway.StaticToken(apiToken), log, met)
	poller := readiness.NewPoller(nil, log, met)

	opts := lifecycle.Options{
		OriginURL:   originURL,
		Poll:        pollOpts,
		AutoHarvest: autoHarvest,
		Log:         log,
		Metrics:     met,
	}
	ctrl := lifecycle.NewController(sessionID, gw, poller, sup, opts)
	restore := func(s lifecycle.Session) (*lifecycle.Controller, error) {
		return lifecycle.Restore(s, gw, poller, sup, opts)
	}
	h := lifecycle.NewHandler(ctrl, restore, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(sup.UpdateMetrics).ServeHTTP(w, r)
	})
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/start", h.Start)
		r.Post("/playing", h.ConfirmPlayback)
		r.Post("/stop", h.Stop)
		r.Post("/harvest", h.Harvest)
		r.Post("/harvest/retry", h.RetryHarvest)
		r.Post("/publish", h.Publish)
		r.Patch("/page", h.NavigatePage)
	})
	r.Get("/segments/*", h.GetSegment)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("harness starting",
		"port", port,
		"session_id", sessionID,
		"api_base_url", apiBaseURL,
		"p2p_enabled", p2p.IsP2PEnabled,
		"auto_harvest", autoHarvest,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	h.Controller().Close()

	log.Info("harness stopped")
}
