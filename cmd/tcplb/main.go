package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"tcplb/internal/balancer"
	"tcplb/internal/config"
	"tcplb/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (env TCPLB_CONFIG)")
	logLevel := flag.String("log-level", "", "override logging.level (env TCPLB_LOG_LEVEL)")
	logFormat := flag.String("log-format", "", "override logging.format (env TCPLB_LOG_FORMAT)")
	logFile := flag.String("log-file", "", "override logging.path (env TCPLB_LOG_FILE)")
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("TCPLB")
	v.AutomaticEnv()
	v.SetDefault("config", "config.yaml")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	for key, val := range map[string]string{"config": *configPath, "log_level": *logLevel, "log_format": *logFormat, "log_file": *logFile} {
		if val != "" {
			v.Set(key, val)
		}
	}

	if err := logging.Setup("info", "console"); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	path := v.GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("fatal error config file")
	}

	level, format := cfg.Logging.Level, cfg.Logging.Format
	if v.IsSet("log_level") {
		level = v.GetString("log_level")
	}
	if v.IsSet("log_format") {
		format = v.GetString("log_format")
	}
	logPath := cfg.Logging.Path
	if v.IsSet("log_file") {
		logPath = v.GetString("log_file")
	}
	var out io.Writer = os.Stderr
	if logPath != "" {
		f, err := logging.Open(logging.FileOptions{
			Path:      logPath,
			Rotate:    cfg.Logging.RotateLogs(),
			MaxSizeMB: cfg.Logging.MaxSize(),
		})
		if err != nil {
			log.Fatal().Err(err).Str("file", logPath).Msg("failed to open log file")
		}
		defer f.Close()
		out = f
	}
	if err := logging.SetupWriter(out, level, format); err != nil {
		log.Fatal().Err(err).Msg("invalid logging settings")
	}
	log.Debug().Any("config", cfg).Msg("configuration loaded")

	lb, err := balancer.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build load balancer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := lb.HealthChecker()
	go checker.Start(ctx)

	go func() {
		err := config.Watch(ctx, path, func(next *config.Config) {
			restart, err := lb.ApplyConfig(next)
			if err != nil {
				log.Error().Err(err).Msg("error applying config")
				return
			}
			if !v.IsSet("log_level") {
				if err := logging.SetLevel(next.Logging.Level); err != nil {
					log.Error().Err(err).Msg("error applying log level")
				}
			}
			if restart {
				log.Warn().Msg("listener, strategy and backend changes take effect after a restart")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("config hot reload disabled")
		}
	}()

	if err := lb.Serve(ctx); err != nil {
		log.Fatal().Err(err).Msg("load balancer failed")
	}

	log.Info().Msg("shutting down, draining open connections")
	checker.Stop()

	drained := make(chan struct{})
	go func() {
		lb.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info().Msg("shutdown complete")
	case <-time.After(v.GetDuration("shutdown_timeout")):
		log.Warn().Msg("shutdown timeout reached, dropping open connections")
	}
}
