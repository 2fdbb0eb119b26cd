package main

import (
	"context"
	"fmt"
	"os"

	"skyguide/internal/cli"
	"skyguide/internal/config"
	"skyguide/internal/logging"
	"skyguide/internal/storage"
)

func main() {
	cfgPath, err := config.Path()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	store, err := storage.Open(cfg.Paths.DatabaseDriver, cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("database unavailable, calibrations will not persist",
			"path", cfg.Paths.DatabasePath, "error", err)
	} else {
		defer store.Close()
	}

	root := cli.NewRootCmd(cfg, cfgPath, logger, store)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
