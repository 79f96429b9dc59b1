package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"ms-gatekeeper/internal/cleanup"
	"ms-gatekeeper/internal/config"
	"ms-gatekeeper/internal/events"
	"ms-gatekeeper/internal/fetch"
	"ms-gatekeeper/internal/gate_api"
	"ms-gatekeeper/internal/logger"
	"ms-gatekeeper/internal/store"
	"ms-gatekeeper/internal/syncer"
	"ms-gatekeeper/internal/ticketref"
	"ms-gatekeeper/internal/validator"
)

func main() {
	_ = godotenv.Load() // Loads .env file if present

	log := logger.New()
	defer log.Close()

	configPath := os.Getenv("GATE_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg := config.Load(configPath, log)

	st, err := store.Open(cfg.Gate.DBPath)
	if err != nil {
		log.Fatal(logger.CategoryStore, fmt.Sprintf("cannot open gate database: %v", err))
	}
	defer st.Close()
	log.Info(logger.CategoryStore, fmt.Sprintf("gate database ready at %s", cfg.Gate.DBPath))

	v := validator.New(st, cfg.Gate.Tag, cfg.Gate.ScanCooldown, log)
	log.Info(logger.CategoryService, fmt.Sprintf("gate configured for attraction %s", cfg.Gate.Tag))

	var producer *events.Producer
	if cfg.Events.Enabled {
		producer = events.NewProducer(cfg.Events.Brokers, cfg.Events.Topic, log)
		defer producer.Close()
		v.Events = producer
		log.Info(logger.CategoryEvents,
			fmt.Sprintf("publishing scan events to %s on %v", cfg.Events.Topic, cfg.Events.Brokers))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Services.FetchEnabled {
		go fetch.New(cfg, st, log).Run(ctx)
	} else {
		log.Warn(logger.CategoryFetch, "fetch service disabled")
	}
	if cfg.Services.SyncEnabled {
		go syncer.New(cfg, st, log).Run(ctx)
	} else {
		log.Warn(logger.CategorySync, "sync service disabled")
	}
	if cfg.Cleanup.Enabled {
		go cleanup.New(cfg, st, log).Run(ctx)
	} else {
		log.Warn(logger.CategoryCleanup, "cleanup service disabled")
	}

	var parser *ticketref.Parser
	if cfg.Gate.VerifyCodes {
		parser = ticketref.NewParser(cfg.Gate.HMACSecret, nil)
		log.Info(logger.CategoryAPI, "ticket code verification enabled")
	}
	handler := gate_api.NewHandler(v, st, parser, log)

	r := chi.NewRouter()
	r.Mount("/gate", handler.Routes())

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info(logger.CategoryService, fmt.Sprintf("gate service listening on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(logger.CategoryService, fmt.Sprintf("HTTP error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(ctxShutdown)
	log.Info(logger.CategoryService, "gate service shutdown complete")
}
