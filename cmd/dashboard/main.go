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
	"github.com/kastrel/kastrel-dashboard/internal/analytics"
	"github.com/kastrel/kastrel-dashboard/internal/config"
	"github.com/kastrel/kastrel-dashboard/internal/demo"
	"github.com/kastrel/kastrel-dashboard/internal/jetstream"
	"github.com/kastrel/kastrel-dashboard/internal/notify"
	"github.com/kastrel/kastrel-dashboard/internal/perch"
	"github.com/kastrel/kastrel-dashboard/internal/relay"
	"github.com/kastrel/kastrel-dashboard/internal/storage"
	"github.com/kastrel/kastrel-dashboard/internal/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// .env is a dev convenience; absence is not an error.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	ctx := context.Background()
	pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if err := storage.RunMigrations(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	natsServer, err := jetstream.NewServer(cfg.NATSStoreDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start embedded NATS")
	}

	nc, err := natsServer.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to embedded NATS")
	}
	defer nc.Drain()

	js, err := nc.JetStream()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get JetStream context")
	}
	if err := jetstream.EnsureStream(js); err != nil {
		log.Fatal().Err(err).Msg("failed to create JetStream stream")
	}

	writer := storage.NewBatchWriter(pool, cfg.WriterBufferSize, cfg.WriterBatchSize, cfg.WriterFlushMs)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	if err := analytics.New(writer).Start(consumerCtx, js); err != nil {
		log.Fatal().Err(err).Msg("failed to start analytics consumer")
	}

	handler := relay.NewHandler(cfg,
		demo.NewDirectory(cfg.DemoDataDir),
		perch.NewClient(cfg.PerchBaseURL, cfg.PerchConnectTimeout()),
		writer,
		js,
		notify.NewLogNotifier(),
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: handler.Router(),
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().
			Int("port", cfg.Port).
			Str("perch", cfg.PerchBaseURL).
			Str("version", version.Version).
			Msg("kastrel dashboard started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-done
	log.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.Shutdown(shutdownCtx)
	consumerCancel()
	nc.Drain()
	natsServer.Shutdown()
	writer.Shutdown()
	log.Info().Msg("shutdown complete")
}
