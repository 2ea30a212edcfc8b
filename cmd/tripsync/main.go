// ABOUTME: Entry point for the tripsync offline companion
// ABOUTME: Runs the sync app, the cache worker, and status/init helpers

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/tiger900/tripsync/internal/app"
	"github.com/tiger900/tripsync/internal/client"
	"github.com/tiger900/tripsync/internal/config"
	"github.com/tiger900/tripsync/internal/netmon"
	"github.com/tiger900/tripsync/internal/store"
	"github.com/tiger900/tripsync/internal/worker"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _        _
| |_ _ __(_)_ __  ___ _   _ _ __   ___
| __| '__| | '_ \/ __| | | | '_ \ / __|
| |_| |  | | |_) \__ \ |_| | | | | (__
 \__|_|  |_| .__/|___/\__, |_| |_|\___|
           |_|        |___/
`

// getConfigPath returns the path to the tripsync config file.
// Priority: TRIPSYNC_CONFIG env var > XDG_CONFIG_HOME/tripsync/tripsync.yaml > ~/.config/tripsync/tripsync.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TRIPSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "tripsync.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tripsync", "tripsync.yaml")
}

// getDataPath returns the path to the tripsync data directory.
// Priority: XDG_DATA_HOME/tripsync > ~/.local/share/tripsync
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tripsync")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tripsync <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Run the sync app (store, queue, weather)")
		fmt.Println("  worker  Run the offline cache worker")
		fmt.Println("  status  Show worker version, caches, and queue depth")
		fmt.Println("  init    Create a new config file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "worker":
		err = runWorker(ctx)
	case "status":
		err = runStatus(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Worker:   ws://%s/ws\n", cfg.Worker.ListenAddr)
	if cfg.Sync.Endpoint != "" {
		green.Print("    ▶ ")
		fmt.Printf("Sync:     %s\n", cfg.Sync.Endpoint)
	}
	fmt.Println()

	logger.Info("starting tripsync",
		"config", configPath,
		"database", cfg.Database.Path,
	)

	return app.New(cfg, logger).Run(ctx)
}

func runWorker(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s (worker)\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Worker.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Origin:   %s\n", cfg.Worker.Origin)
	green.Print("    ▶ ")
	fmt.Printf("Caches:   %s (%s)\n", cfg.Worker.CacheDir, cfg.Worker.Version)
	fmt.Println()

	probeURL := cfg.Network.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Worker.Origin
	}
	monitor := netmon.NewProbe(probeURL, cfg.Network.ProbeInterval, logger)
	defer monitor.Close()

	w, err := worker.New(cfg.Worker, monitor, logger)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	logger.Info("starting cache worker",
		"listen_addr", cfg.Worker.ListenAddr,
		"origin", cfg.Worker.Origin,
		"version", cfg.Worker.Version,
	)

	return w.Run(ctx)
}

func runStatus(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	// Queue depth straight from the local store
	st := store.NewSQLiteStore(cfg.Database.Path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer st.Close()
	pending, err := store.NewQueueStore(st).Count(ctx)
	if err != nil {
		return fmt.Errorf("reading sync queue: %w", err)
	}
	bold.Print("Sync queue: ")
	fmt.Printf("%d pending\n", pending)

	// Worker status over the control socket
	c := client.New("ws://"+cfg.Worker.ListenAddr+"/ws", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Connect(ctx); err != nil {
		gray.Println("Worker:     not running")
		return nil
	}
	defer c.Close()

	workerVersion, ok := c.Version(ctx)
	if !ok {
		gray.Println("Worker:     not answering")
		return nil
	}
	bold.Print("Worker:     ")
	fmt.Printf("version %s\n", workerVersion)

	status, ok := c.CacheStatus(ctx)
	if !ok {
		return nil
	}

	buckets := make([]string, 0, len(status.Caches))
	for bucket := range status.Caches {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	for _, bucket := range buckets {
		fmt.Printf("  %-10s %d entries\n", bucket, status.Caches[bucket].Count)
	}

	if status.Storage != nil {
		fmt.Printf("  storage    %.1f MB of %.0f MB (%.1f%%)\n",
			float64(status.Storage.Usage)/(1024*1024),
			float64(status.Storage.Quota)/(1024*1024),
			status.Storage.Percent)
	}
	return nil
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Site origin (e.g. https://trip.example.com): ")
	origin, _ := reader.ReadString('\n')
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return fmt.Errorf("origin is required")
	}

	fmt.Print("Sync endpoint (empty to skip remote sync): ")
	endpoint, _ := reader.ReadString('\n')
	endpoint = strings.TrimSpace(endpoint)

	dataPath := getDataPath()

	content := fmt.Sprintf(`database:
  path: %q

worker:
  listen_addr: "localhost:8941"
  origin: %q
  version: "v1"
  cache_dir: %q
  quota_mb: 512

network:
  probe_interval: "30s"

weather:
  timezone: "America/Sao_Paulo"

sync:
  endpoint: %q

logging:
  level: "info"
  format: "text"
`,
		filepath.Join(dataPath, "tripsync.db"),
		origin,
		filepath.Join(dataPath, "caches"),
		endpoint,
	)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Config written to %s\n", configPath)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
