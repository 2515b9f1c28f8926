// Package main provides the lexstream binary entry point.
// Lexstream is a workflow orchestration kernel that extracts regulatory
// documents from the web: it analyzes a site, extracts HTML, PDF, and
// image content through worker pools, and validates the result.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/lexstream/llm/providers"

	"github.com/c360studio/lexstream/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "lexstream"
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
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	logLevel   string
	addr       string
	insecure   bool
	noLLM      bool
}

func rootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "lexstream",
		Short: "Regulatory document extraction kernel",
		Long: `Lexstream orchestrates regulatory document extraction workflows.

A submitted URL is analyzed, extracted (HTML to markdown, linked PDFs,
embedded images), and validated by role-specific worker pools scheduled
over an in-process message bus. Results are cached across workflows and
the whole pipeline is observable over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "Accept non-HTTPS and private-network targets (development only)")
	cmd.Flags().BoolVar(&f.noLLM, "no-llm", false, "Disable LLM-backed analysis and validation")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(f flags) error {
	printBanner()

	loader := config.NewLoader(slog.Default())
	cfg, watchPath, err := loadConfig(loader, f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags override file and default configuration.
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.addr != "" {
		cfg.API.Addr = f.addr
	}
	if f.insecure {
		cfg.Fetch.AllowInsecure = true
	}
	if f.noLLM {
		cfg.LLM.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	a, err := buildApp(signalCtx, cfg, logger, watchPath)
	if err != nil {
		return err
	}

	if err := a.start(signalCtx); err != nil {
		a.stop()
		return err
	}
	logger.Info("Lexstream ready", "version", Version, "addr", cfg.API.Addr)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	a.stop()
	logger.Info("Lexstream shutdown complete")
	return nil
}

// loadConfig resolves the effective configuration and the file to watch
// for hot reloads, if any.
func loadConfig(loader *config.Loader, configPath string) (*config.Config, string, error) {
	if configPath != "" {
		fileCfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", err
		}
		cfg := config.Default()
		cfg.Merge(fileCfg)
		return cfg, configPath, nil
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, "", err
	}
	return cfg, loader.FindProjectConfig(), nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Lexstream v" + Version + "                    ║")
	fmt.Println("║    Regulatory Document Extraction Kernel      ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
