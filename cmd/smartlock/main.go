package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/dbehnke/smartlock/internal/config"
	"github.com/dbehnke/smartlock/internal/logging"
)

const VERSION = "1.0.0"

func main() {
	var (
		configFile = flag.String("config", getDefaultConfig(), "Configuration file path")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("SmartLock v%s\n", VERSION)
		return
	}

	// Handle non-flag arguments (config file)
	if flag.NArg() > 0 {
		*configFile = flag.Arg(0)
	}

	cfg := config.NewConfig(*configFile)
	if err := cfg.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Configure(logging.Options{
		App:    "smartlock",
		Level:  cfg.GetLogLevel(),
		Format: cfg.GetLogFormat(),
	})
	logger.Info().Str("version", VERSION).Str("config", *configFile).Str("device", cfg.GetDeviceName()).Msg("SmartLock starting")

	ctrl, err := NewController(cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create controller")
	}

	if err := ctrl.Run(); err != nil {
		log.Fatal().Err(err).Msg("controller error")
	}
}

// getDefaultConfig returns the default configuration file path
func getDefaultConfig() string {
	if _, err := os.Stat("smartlock.toml"); err == nil {
		return "smartlock.toml"
	}

	systemConfig := "/etc/smartlock.toml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig
	}

	return "smartlock.toml"
}
