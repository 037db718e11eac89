// Package main provides the entry point for the cvmfs X.509 authorization
// helper. The helper is spawned by the cvmfs client, speaks the authz
// protocol on stdin/stdout, and fetches proxy credentials on behalf of the
// client processes it is asked about.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DrDaveD/cvmfs-x509-helper/internal/authz"
	"github.com/DrDaveD/cvmfs-x509-helper/internal/config"
	"github.com/DrDaveD/cvmfs-x509-helper/internal/logging"
	"github.com/DrDaveD/cvmfs-x509-helper/internal/privilege"
	"github.com/DrDaveD/cvmfs-x509-helper/internal/proxy"
)

var (
	configPath = flag.String("config", "", "path to TOML config file")
	logLevel   = flag.String("log-level", "", "log level (debug, info, warn, error); overrides config")
	debugLog   = flag.String("debug-log", "", "path to debug log file; overrides config")
)

func main() {
	// Generate run ID early for error handling
	runID := logging.GenerateRunID()

	if err := run(runID); err != nil {
		var preExecErr *logging.PreExecutionError
		if errors.As(err, &preExecErr) {
			logging.HandlePreExecutionError(preExecErr.Type, preExecErr.Message, preExecErr.Component, runID)
		} else {
			logging.HandlePreExecutionError(logging.ErrorTypeSystemError, err.Error(), "main", runID)
		}
		os.Exit(1)
	}
}

func run(runID string) error {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		return &logging.PreExecutionError{
			Type:      logging.ErrorTypeConfigParsing,
			Message:   fmt.Sprintf("Failed to load config: %v", err),
			Component: "config",
			RunID:     runID,
			Err:       err,
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *debugLog != "" {
		cfg.DebugLog = *debugLog
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return &logging.PreExecutionError{
			Type:      logging.ErrorTypeConfigParsing,
			Message:   fmt.Sprintf("Invalid log level: %v", err),
			Component: "config",
			RunID:     runID,
			Err:       err,
		}
	}

	logSetup, err := logging.Setup(logging.Options{
		Level:        level,
		SyslogIdent:  cfg.SyslogIdent,
		DebugLogPath: cfg.DebugLog,
	})
	if err != nil {
		return &logging.PreExecutionError{
			Type:      logging.ErrorTypeLogSetup,
			Message:   fmt.Sprintf("Failed to setup logger: %v", err),
			Component: "logging",
			RunID:     runID,
			Err:       err,
		}
	}
	defer func() { _ = logSetup.Close() }()

	logger := logSetup.Logger().With("run_id", runID)

	priv := privilege.NewManager(logger)
	if err := priv.HealthCheck(ctx); err != nil {
		// Running unprivileged is a supported degraded mode; the fetch
		// path reports its own access errors per request.
		logger.Warn("privilege round trip check failed", "error", err)
	}

	resolver := proxy.NewResolver(logger, priv)
	fetcher := proxy.NewFetcher(logger, resolver, priv, cfg.MaxProxySize)

	session := authz.NewSession(logger, fetcher, os.Stdin, os.Stdout, cfg.PermitTTL)
	session.DebugLogHook = logSetup.EnableDebugFile

	logger.Info("helper started",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"euid", os.Geteuid())

	if err := session.Run(ctx); err != nil {
		logger.Error("session ended with error", "error", err)
		return &logging.PreExecutionError{
			Type:      logging.ErrorTypeProtocol,
			Message:   fmt.Sprintf("Session failed: %v", err),
			Component: "session",
			RunID:     runID,
			Err:       err,
		}
	}

	logger.Info("helper finished")
	return nil
}
