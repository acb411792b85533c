package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/wampd/internal/broker"
	"github.com/adred-codev/wampd/internal/config"
	"github.com/adred-codev/wampd/internal/logging"
	"github.com/adred-codev/wampd/internal/router"
	"github.com/adred-codev/wampd/internal/transport"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		logger := logging.New(logging.Config{Level: "error", Format: "json"})
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	brokerOpts := broker.Options{
		PubSubTimeout:   cfg.PubSubTimeout,
		RecycleInterval: cfg.RecycleInterval,
		Logger:          logger,
	}
	if cfg.BusEnabled() {
		brokerOpts.Redis = &broker.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
	}

	rt := router.New(router.Options{
		Logger: logger,
		Broker: brokerOpts,
	})
	logger.Info().Str("node_id", rt.Topics().NodeID()).Msg("Router initialized")

	srv := transport.NewServer(transport.Config{
		Addr:            cfg.Addr,
		MaxConnections:  cfg.MaxConnections,
		SendBufferSize:  cfg.SendBufferSize,
		FrameRate:       cfg.FrameRate,
		FrameBurst:      cfg.FrameBurst,
		ConnRate:        cfg.ConnRate,
		ConnBurst:       cfg.ConnBurst,
		ConnGlobalRate:  cfg.ConnGlobalRate,
		ConnGlobalBurst: cfg.ConnGlobalBurst,
	}, rt, transport.AllowAll, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
