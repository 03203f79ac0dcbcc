// ABOUTME: Entry point for vox-gateway, the bridge between the game's native DLL and HTTP clients
// ABOUTME: Provides serve, init, health, stats and token subcommands

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
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/vox-gateway/internal/auth"
	"github.com/2389/vox-gateway/internal/config"
	"github.com/2389/vox-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 __   _______  __    ____       _
 \ \ / / _ \ \/ /   / ___| __ _| |_ _____      ____ _ _   _
  \ V / (_) >  <   | |  _ / _' | __/ _ \ \ /\ / / _' | | | |
   \_/ \___/_/\_\   \____|\__,_|\__\___|\_/\_/ \__,_|\__, |
                                                     |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: VOX_CONFIG env var > XDG_CONFIG_HOME/vox/gateway.yaml > ~/.config/vox/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("VOX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "vox", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: vox-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway")
	fmt.Println("  init                           Write a commented sample config")
	fmt.Println("  health                         Check gateway liveness and native readiness")
	fmt.Println("  stats                          Print gateway counters")
	fmt.Println("  token --subject NAME [--ttl D] Mint an API bearer token")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH (default: $VOX_CONFIG or ~/.config/vox/gateway.yaml).")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "stats":
		err = runStats(ctx, args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
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

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("vox-gateway "+name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", getConfigPath(), "path to the YAML or TOML config file")
	return fs
}

// loadConfig reads path. A missing file at the default location falls back to
// built-in defaults so the gateway can run without any setup.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	return nil, false, fmt.Errorf("loading config: %w", err)
}

func runServe(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, fromFile, err := loadConfig(configPath, fs.Changed("config"))
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Print("Config:    ")
		yellow.Println("built-in defaults")
	}
	green.Print("    ▶ ")
	fmt.Printf("Native:    %s (%s)\n", cfg.Native.Address, cfg.Native.Codec)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	}
	if cfg.Redis.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s -> %s\n", cfg.Redis.Addr, cfg.Redis.Channel)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Print("Auth:      ")
		yellow.Println("disabled")
	}

	fmt.Println()

	logger.Info("starting vox-gateway",
		"version", version,
		"native", cfg.Native.Address,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: os.Stdout, level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     *sync.Mutex // shared by every handler derived from the root
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	writeAttr := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Handler-level attrs (from WithAttrs) first.
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

// gatewayRequest performs an authenticated GET against the running gateway.
func gatewayRequest(ctx context.Context, cfg *config.Config, path string) (int, []byte, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return 0, nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		token, err := verifier.Generate("vox-gateway-cli", time.Minute)
		if err != nil {
			return 0, nil, fmt.Errorf("generating token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("health", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(configPath, fs.Changed("config"))
	if err != nil {
		return err
	}

	status, _, err := gatewayRequest(ctx, cfg, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	status, body, err := gatewayRequest(ctx, cfg, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	if status != http.StatusOK {
		color.Yellow("healthy, not ready: %s", body)
		return nil
	}
	color.Green("healthy: %s", body)
	return nil
}

func runStats(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("stats", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(configPath, fs.Changed("config"))
	if err != nil {
		return err
	}

	status, body, err := gatewayRequest(ctx, cfg, "/stats")
	if err != nil {
		return fmt.Errorf("stats request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("stats request failed: status %d: %s", status, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runInit(args []string) error {
	var configPath string
	fs := newFlagSet("init", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.WriteSample(configPath); err != nil {
		return err
	}

	color.Green("  ✓ Config written to %s", configPath)
	fmt.Println()
	fmt.Println("  Edit native.address to point at the game, then start the gateway:")
	fmt.Println("    vox-gateway serve")
	return nil
}

func runToken(args []string) error {
	var configPath, subject string
	var ttl time.Duration
	fs := newFlagSet("token", &configPath)
	fs.StringVarP(&subject, "subject", "s", "", "token subject, recorded in request logs")
	fs.DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime; 0 never expires")
	if err := fs.Parse(args); err != nil {
		return err
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("--subject is required")
	}
	if ttl < 0 {
		return fmt.Errorf("--ttl must not be negative")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}
