// Package main provides the aires binary: an autonomous daemon that
// watches a directory for compiler error logs, researches each batch
// through a staged AI pipeline, and writes Markdown research booklets.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/aires/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "aires"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps unrecoverable runtime conditions to exit 2; anything
// else reaching main is a startup or usage error and exits 1.
func exitCode(err error) int {
	if errors.Is(err, errStoreUnavailable) {
		return 2
	}
	return 1
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Autonomous compiler-error research daemon",
		Long: `AIRES watches a directory for compiler and build error logs, parses
each log into an error batch, researches the batch through four AI
stages (documentation, project context, known patterns, synthesis),
and writes a Markdown research booklet per batch.

Pipeline state is durable: every hand-off goes through a transactional
outbox over an embedded state store, so a crash never loses or
double-processes a batch.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (trace, debug, info, warn, error, fatal)")

	cmd.AddCommand(
		startCmd(&configPath, &logLevel),
		statusCmd(&configPath),
		healthCmd(&configPath),
		drainCmd(&configPath),
		reloadCmd(&configPath),
		versionCmd(),
	)
	return cmd
}

func startCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(*configPath, *logLevel)
		},
	}
}

func runStart(configPath, logLevel string) error {
	levelVar := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	levelVar.Set(config.ParseLevel(cfg.Log.Level))

	app := NewApp(cfg, configPath, logger, levelVar)

	if err := app.Start(context.Background()); err != nil {
		return err
	}

	logger.Info("AIRES ready", "version", Version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("Shutdown signal received", "signal", s.String())
		return app.Stop()
	case <-app.Drained():
		logger.Info("Drain complete, exiting")
		return app.Stop()
	case err := <-app.Fatal():
		logger.Error("Fatal condition, shutting down", "error", err)
		_ = app.Stop()
		return err
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the running daemon's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := controlGet(*configPath, "/status")
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func healthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the running daemon's health (exit 1 when down)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := controlGet(*configPath, "/health")
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func drainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Stop claiming new files; in-flight batches finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := controlPost(*configPath, "/drain")
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func reloadCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the reloadable config subset",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := controlPost(*configPath, "/reload")
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// controlAddr resolves the control address from the same config the
// daemon was started with.
func controlAddr(configPath string) (string, error) {
	loader := config.NewLoader(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg, err := loader.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Control.Addr, nil
}

func controlGet(configPath, path string) ([]byte, error) {
	addr, err := controlAddr(configPath)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	return readControlResponse(resp)
}

func controlPost(configPath, path string) ([]byte, error) {
	addr, err := controlAddr(configPath)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+addr+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	return readControlResponse(resp)
}

func readControlResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("daemon returned %s: %s", resp.Status, body)
	}
	return body, nil
}
