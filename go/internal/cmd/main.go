package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robocomp/fieldhub/go/internal/live/gateway"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	cfg, err := loadConfig(getEnv("FIELDHUB_CONFIG", "fieldhub.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	port := getEnv("FIELDHUB_PORT", cfg.Server.Port)
	if port == "" {
		port = "8080"
	}
	natsURL := getEnv("NATS_URL", "nats://localhost:4222")

	svcCfg := gateway.DefaultConfig()
	svcCfg.Bus.URL = natsURL
	svcCfg.BusEnabled = cfg.Bus.Enabled
	if cfg.Bus.Stream != "" {
		svcCfg.Bus.StreamName = cfg.Bus.Stream
	}
	if cfg.Bus.Consumer != "" {
		svcCfg.Bus.ConsumerName = cfg.Bus.Consumer
	}
	if cfg.Bus.SubjectFilter != "" {
		svcCfg.Bus.SubjectFilter = cfg.Bus.SubjectFilter
	}
	if cfg.Hub.InboxDepth > 0 {
		svcCfg.InboxDepth = cfg.Hub.InboxDepth
	}
	if depth := getEnvAsInt("FIELDHUB_INBOX_DEPTH", 0); depth > 0 {
		svcCfg.InboxDepth = depth
	}
	if cfg.Hub.SendQueueDepth > 0 {
		svcCfg.Connection.SendQueueDepth = cfg.Hub.SendQueueDepth
	}
	svcCfg.TickInterval = msOrDefault(cfg.Hub.TickIntervalMs, time.Second)
	svcCfg.Connection.WriteTimeout = msOrDefault(cfg.WS.WriteTimeoutMs, svcCfg.Connection.WriteTimeout)
	svcCfg.Connection.ReadTimeout = msOrDefault(cfg.WS.ReadTimeoutMs, svcCfg.Connection.ReadTimeout)
	svcCfg.Connection.PingInterval = msOrDefault(cfg.WS.PingIntervalMs, svcCfg.Connection.PingInterval)

	log.Info().
		Str("port", port).
		Str("nats_url", natsURL).
		Bool("bus_enabled", svcCfg.BusEnabled).
		Msg("starting fieldhub")

	service, err := gateway.NewService(svcCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway service")
	}

	mux := http.NewServeMux()
	service.RegisterRoutes(mux)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}).Handler(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()
	time.Sleep(500 * time.Millisecond)

	log.Info().Msg("fieldhub shutdown complete")
}
