// ABOUTME: Entry point for the switchboard conversation control server
// ABOUTME: Provides serve, init, health and version subcommands

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-switchboard/internal/config"
	"github.com/2389/coven-switchboard/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
               _ _       _     _                         _
 _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

func usage() {
	fmt.Println("Usage: switchboard <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the switchboard server")
	fmt.Println("  init      Write a default config file")
	fmt.Println("  health    Check a running switchboard")
	fmt.Println("  version   Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads path, or the first default location when path is empty.
// With no file anywhere the built-in defaults are used.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = config.DefaultPath()
	}
	if path == "" {
		cfg := config.Default()
		if err := cfg.Finalize(); err != nil {
			return nil, "", err
		}
		return cfg, "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	var configPath, httpAddr, logLevel string
	var autoResume bool
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "config file (default: $SWITCHBOARD_CONFIG, ./switchboard.yaml)")
	flags.StringVar(&httpAddr, "addr", "", "override server.http_addr")
	flags.StringVar(&logLevel, "log-level", "", "override logging.level")
	flags.BoolVar(&autoResume, "auto-resume", false, "resume timed pauses automatically")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, source, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if autoResume {
		cfg.Pause.AutoResume = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", source)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		switch {
		case cfg.Tailscale.Funnel:
			yellow.Print(" [funnel]")
		case cfg.Tailscale.HTTPS:
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Pause.AutoResume {
		green.Print("    ▶ ")
		fmt.Println("Auto-resume enabled")
	}
	fmt.Println()

	logger.Info("starting switchboard",
		"config", source,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating switchboard: %w", err)
	}
	return gw.Run(ctx)
}

func runInit(args []string) error {
	var output, format string
	var force bool
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	flags.StringVarP(&output, "output", "o", "switchboard.yaml", "where to write the config")
	flags.StringVar(&format, "format", "", "yaml or toml (default: from the output extension)")
	flags.BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if format == "" {
		format = "yaml"
		if strings.EqualFold(filepath.Ext(output), ".toml") {
			format = "toml"
		}
	}

	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", output)
	}

	data, err := encodeDefaultConfig(format)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(output, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created config: %s\n", output)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  switchboard serve --config %s\n", output)
	return nil
}

// encodeDefaultConfig renders config.Default in the requested format.
func encodeDefaultConfig(format string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# switchboard configuration\n")
	buf.WriteString("# Generated by switchboard init\n\n")

	cfg := config.Default()
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q (want yaml or toml)", format)
	}
	return buf.Bytes(), nil
}

func runHealth(ctx context.Context, args []string) error {
	var configPath, addr string
	var ready bool
	flags := pflag.NewFlagSet("health", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "config file used to find the server address")
	flags.StringVar(&addr, "addr", "", "server address (default: server.http_addr)")
	flags.BoolVar(&ready, "ready", false, "query /health/ready and print its report")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if addr == "" {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		addr = cfg.Server.HTTPAddr
	}

	path := "/health"
	if ready {
		path = "/health/ready"
	}
	url := addr + path
	if !strings.Contains(addr, "://") {
		url = "http://" + url
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if ready {
		fmt.Println(strings.TrimSpace(string(body)))
	} else {
		fmt.Println("healthy")
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = newColorHandler(out, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
