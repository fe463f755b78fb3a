package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/offbill/offbill"
	"github.com/offbill/offbill/config"
)

var rootCmd = &cobra.Command{
	Use:           "offbill",
	Short:         "Offline-first invoicing client",
	Long:          "offbill keeps customers and invoices in a local SQLite store and reconciles them with the central server when connectivity allows.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd, customerCmd, invoiceCmd, signinCmd)
}

// openApp loads configuration, configures logging and opens the application.
// The returned cleanup must be deferred.
func openApp() (*offbill.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	app, err := offbill.Open(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return app, func() { _ = app.Close() }, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
