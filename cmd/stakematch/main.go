// Command stakematch is the entry point for the matchmaking and escrow
// settlement engine. It loads configuration, validates it, wires
// dependencies, sets up signal handling, and starts the application in the
// configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/stakematch/internal/app"
	"github.com/alanyoungcy/stakematch/internal/config"
	"github.com/alanyoungcy/stakematch/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty: defaults and environment only)")
	encryptKey := flag.String("encrypt-key", "", "encrypt the escrow key from STAKEMATCH_ESCROW_PRIVATE_KEY with STAKEMATCH_ESCROW_KEY_PASSWORD, write it to this path and exit")
	flag.Parse()

	if *encryptKey != "" {
		if err := writeEncryptedKey(*encryptKey); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("encrypted escrow key written to %s\n", *encryptKey)
		return
	}

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("stakematch starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	if err := run(cfg, logger); err != nil {
		logger.Error("application exited with error",
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("stakematch stopped")
}

// run starts the application and blocks until SIGINT or SIGTERM.
func run(cfg *config.Config, logger *slog.Logger) error {
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := application.Run(ctx)
	// context.Canceled is expected on clean shutdown.
	if errors.Is(err, context.Canceled) {
		logger.Info("application shut down gracefully")
		return nil
	}
	return err
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// writeEncryptedKey encrypts the escrow key for escrow.encrypted_key_path.
func writeEncryptedKey(path string) error {
	key := os.Getenv("STAKEMATCH_ESCROW_PRIVATE_KEY")
	password := os.Getenv("STAKEMATCH_ESCROW_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("STAKEMATCH_ESCROW_PRIVATE_KEY and STAKEMATCH_ESCROW_KEY_PASSWORD must be set")
	}
	blob, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}
