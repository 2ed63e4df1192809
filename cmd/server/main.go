package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"codeshare/internal/api"
	"codeshare/internal/bus"
	"codeshare/internal/config"
	"codeshare/internal/exec"
	"codeshare/internal/history"
	"codeshare/internal/metrics"
	"codeshare/internal/store"
	"codeshare/internal/ws"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	cfg := config.Load()
	logger := config.NewLogger(cfg.Env)

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hist, err := history.New(cfg.DBPath)
	if err != nil {
		logger.Error("history database init", "path", cfg.DBPath, "err", err)
		os.Exit(1)
	}
	defer hist.Close()

	pruner := history.NewPruner(hist, history.PrunerConfig{
		Interval:  cfg.PruneInterval,
		KeepCount: cfg.PruneKeep,
	}, logger)
	pruner.Start()
	defer pruner.Stop()

	roomStore := store.NewMemoryStore()
	runner := exec.NewClient(cfg.ExecURL, cfg.ExecTimeout)

	hub := ws.NewHub(logger, roomStore, runner, hist)
	hub.SetMessageBudget(cfg.MessageRate, cfg.MessageBurst)

	// Optional redis fanout for multi-instance deployments
	if cfg.RedisAddr != "" {
		b, err := bus.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisDB, logger)
		if err != nil {
			logger.Error("redis connect", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		defer b.Close()
		hub.AttachBus(b)
		logger.Info("cross-instance bus enabled", "addr", cfg.RedisAddr)
	}

	go hub.Run(ctx)

	apiHandler := api.New(hub, roomStore, hist, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/stats", apiHandler.StatsHandler)
	mux.HandleFunc("/api/rooms", apiHandler.RoomsRouter)
	mux.HandleFunc("/api/rooms/", apiHandler.RoomsRouter)
	mux.Handle("/metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllow,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			"addr", cfg.HTTPAddr, "exec_url", cfg.ExecURL, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server crashed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}
