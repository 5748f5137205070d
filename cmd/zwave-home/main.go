package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zwave-go-home/internal/colorutil"
	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/history"
	"zwave-go-home/internal/light"
	"zwave-go-home/internal/store"
	"zwave-go-home/internal/web"
	"zwave-go-home/internal/zwave"
	"zwave-go-home/internal/zwave/serialapi"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Transport struct {
		Type     string `yaml:"type"` // "serial" or "mqtt"
		Port     string `yaml:"port"`
		Baud     int    `yaml:"baud"`
		Broker   string `yaml:"broker"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Prefix   string `yaml:"prefix"`
		Settle   string `yaml:"settle"`
	} `yaml:"transport"`
	Light struct {
		MinMireds    float64 `yaml:"min_mireds"`
		MaxMireds    float64 `yaml:"max_mireds"`
		RefreshDelay string  `yaml:"refresh_delay"`
	} `yaml:"light"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	History struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval int    `yaml:"flush_interval"`
	} `yaml:"history"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Transport.Type {
	case "serial":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required for serial transport")
		}
	case "mqtt":
		if c.Transport.Broker == "" {
			return fmt.Errorf("transport.broker is required for mqtt transport")
		}
	default:
		return fmt.Errorf("unknown transport.type %q (supported: serial, mqtt)", c.Transport.Type)
	}
	if !c.bounds().Valid() {
		return fmt.Errorf("light.min_mireds must be positive and below light.max_mireds, got %v-%v",
			c.Light.MinMireds, c.Light.MaxMireds)
	}
	if _, err := c.refreshDelay(); err != nil {
		return err
	}
	if _, err := c.settle(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Bucket == "") {
		return fmt.Errorf("history.url and history.bucket are required when history is enabled")
	}
	return nil
}

func (c *Config) bounds() colorutil.Bounds {
	return colorutil.Bounds{MinMireds: c.Light.MinMireds, MaxMireds: c.Light.MaxMireds}
}

func (c *Config) refreshDelay() (time.Duration, error) {
	if c.Light.RefreshDelay == "" {
		return light.DefaultRefreshDelay, nil
	}
	d, err := time.ParseDuration(c.Light.RefreshDelay)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid light.refresh_delay %q", c.Light.RefreshDelay)
	}
	return d, nil
}

func (c *Config) settle() (time.Duration, error) {
	if c.Transport.Settle == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Transport.Settle)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid transport.settle %q", c.Transport.Settle)
	}
	return d, nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zwave-go-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	transport, err := createTransport(cfg, logger)
	if err != nil {
		logger.Error("create transport", "err", err)
		os.Exit(1)
	}
	defer transport.Close()

	refresh, _ := cfg.refreshDelay()
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(transport, db, events, coordinator.Config{
		Bounds:       cfg.bounds(),
		RefreshDelay: refresh,
	}, coordinator.TransportConfig{
		Type:   cfg.Transport.Type,
		Port:   cfg.Transport.Port,
		Baud:   cfg.Transport.Baud,
		Broker: cfg.Transport.Broker,
		Prefix: cfg.Transport.Prefix,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		transport.Close()
		os.Exit(1)
	}
	cancel()

	rec := initHistory(events, cfg, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()
	if rec != nil {
		rec.Close()
	}

	logger.Info("goodbye")
}

func createTransport(cfg *Config, logger *slog.Logger) (zwave.Transport, error) {
	switch cfg.Transport.Type {
	case "serial":
		logger.Info("using Z-Wave serial API controller", "port", cfg.Transport.Port, "baud", cfg.Transport.Baud)
		return serialapi.Open(cfg.Transport.Port, cfg.Transport.Baud, logger)
	case "mqtt":
		logger.Info("using Z-Wave MQTT gateway", "broker", cfg.Transport.Broker, "prefix", cfg.Transport.Prefix)
		return dialGateway(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown transport type: %q (supported: serial, mqtt)", cfg.Transport.Type)
	}
}

// initHistory attaches the InfluxDB recorder. A failed connection is logged
// and the daemon runs without history.
func initHistory(events *coordinator.EventBus, cfg *Config, logger *slog.Logger) *history.Recorder {
	rec, err := history.Connect(history.Config{
		Enabled:       cfg.History.Enabled,
		URL:           cfg.History.URL,
		Token:         cfg.History.Token,
		Org:           cfg.History.Org,
		Bucket:        cfg.History.Bucket,
		BatchSize:     cfg.History.BatchSize,
		FlushInterval: cfg.History.FlushInterval,
	}, logger)
	if err != nil {
		if !errors.Is(err, history.ErrDisabled) {
			logger.Error("history", "err", err)
		}
		return nil
	}
	rec.Attach(events)
	return rec
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "serial"
	}
	if cfg.Transport.Baud == 0 {
		cfg.Transport.Baud = 115200
	}
	if cfg.Transport.Prefix == "" {
		cfg.Transport.Prefix = "zwave"
	}
	if cfg.Light.MinMireds == 0 && cfg.Light.MaxMireds == 0 {
		cfg.Light.MinMireds = colorutil.DefaultBounds.MinMireds
		cfg.Light.MaxMireds = colorutil.DefaultBounds.MaxMireds
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zwave-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zwave-home"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
