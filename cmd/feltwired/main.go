package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/feltwire/feltwire"
	"github.com/feltwire/feltwire/internal/config"
	"github.com/feltwire/feltwire/ws"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg)

	var authFn feltwire.AuthFunc
	if cfg.JWTSecret != "" {
		authFn = ws.JWTAuth([]byte(cfg.JWTSecret))
	} else {
		logger.Warn().Msg("no JWT secret configured, authentication disabled")
	}

	checkOrigin := ws.AllOrigins()
	if len(cfg.AllowedOrigins) > 0 {
		checkOrigin = ws.Origins(cfg.AllowedOrigins...)
	} else if !cfg.IsDevelopment() {
		logger.Warn().Msg("no allowed origins configured, accepting all origins")
	}

	broker := ws.New(&ws.ServerConfig{
		Addr: cfg.Addr,
		Path: cfg.Path,
		RateLimit: &ws.RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.MessagesPerSecond),
			Burst:             cfg.Burst,
			MaxViolations:     cfg.MaxViolations,
			BlockDuration:     cfg.BlockDuration,
			IdleTTL:           cfg.IdleTTL,
			Enabled:           true,
		},
		CheckOrigin:    checkOrigin,
		Auth:           authFn,
		DisplacePolicy: cfg.Policy(),
		QueueSize:      cfg.QueueSize,
		SendBuffer:     cfg.SendBuffer,
		SweepInterval:  cfg.SweepInterval,
		Logger:         &logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := broker.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start broker")
	}
	logger.Info().Str("addr", cfg.Addr).Str("path", cfg.Path).Msg("broker running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := broker.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stdout
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	return logger
}
