// Apex Agent Payroll System - orchestration kernel for autonomous agents
package main

import (
	"context"
	"errors"
	"os"

	"github.com/apexsystems/apex-payroll-kernel/internal/config"
	"github.com/apexsystems/apex-payroll-kernel/internal/kernel"
	"github.com/apexsystems/apex-payroll-kernel/internal/logging"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)
	logger.Info("starting apex",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"root", cfg.Root,
	)

	k, err := kernel.New(cfg, logger)
	if err != nil {
		var exitErr *kernel.ExitError
		if errors.As(err, &exitErr) {
			logger.Error("kernel failed to start", "error", exitErr.Reason, "exit_code", exitErr.Code)
			os.Exit(exitErr.Code)
		}
		logger.Error("kernel failed to start", "error", err)
		os.Exit(1)
	}

	if err := k.Run(context.Background()); err != nil {
		var exitErr *kernel.ExitError
		if errors.As(err, &exitErr) {
			logger.Error("kernel exited", "error", exitErr.Reason, "exit_code", exitErr.Code)
			os.Exit(exitErr.Code)
		}
		logger.Error("kernel exited with error", "error", err)
		os.Exit(1)
	}
}
