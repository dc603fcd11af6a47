package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"bluelightd/internal/daemon"
	"bluelightd/internal/mqtt"
	"bluelightd/internal/radio"
	"bluelightd/internal/transport"
	"bluelightd/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Socket      string `yaml:"socket"`
	IdleTimeout string `yaml:"idle_timeout"`
	Connect     struct {
		Retries int    `yaml:"retries"`
		Timeout string `yaml:"timeout"`
	} `yaml:"connect"`
	ShutdownToken uint8 `yaml:"shutdown_token"`
	Web           struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	idleTimeout    time.Duration
	connectTimeout time.Duration
}

func (c *Config) validate() error {
	var err error
	if c.idleTimeout, err = time.ParseDuration(c.IdleTimeout); err != nil {
		return fmt.Errorf("idle_timeout: %w", err)
	}
	if c.idleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.connectTimeout, err = time.ParseDuration(c.Connect.Timeout); err != nil {
		return fmt.Errorf("connect.timeout: %w", err)
	}
	if c.connectTimeout <= 0 {
		return fmt.Errorf("connect.timeout must be positive, got %s", c.Connect.Timeout)
	}
	if c.Connect.Retries < 1 {
		return fmt.Errorf("connect.retries must be at least 1, got %d", c.Connect.Retries)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
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
	logger.Info("bluelightd starting", "version", version)

	ble := radio.NewBLE(logger)
	d := daemon.New(ble, daemon.Config{
		IdleTimeout:    cfg.idleTimeout,
		ConnectRetries: cfg.Connect.Retries,
		ConnectTimeout: cfg.connectTimeout,
		ShutdownToken:  cfg.ShutdownToken,
	}, logger)

	srv, err := transport.Listen(cfg.Socket, d.Dispatcher(), logger)
	if err != nil {
		if err == transport.ErrAlreadyRunning {
			// Launch is idempotent: a second start is a success, the running
			// instance keeps the socket.
			logger.Info("daemon already running", "socket", cfg.Socket)
			os.Exit(0)
		}
		logger.Error("bind socket", "err", err, "socket", cfg.Socket)
		os.Exit(1)
	}

	var webServer *web.Server
	var httpServer *http.Server
	if cfg.Web.Enabled {
		var webOpts []web.ServerOption
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		if len(cfg.Web.AllowedOrigins) > 0 {
			webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
		}
		webOpts = append(webOpts, web.WithVersion(version))
		webServer = web.NewServer(d, logger, webOpts...)

		httpServer = &http.Server{
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
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(d.Events(), d.Dispatcher(), mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("mqtt bridge", "err", err)
			srv.Stop()
			os.Exit(1)
		}
		bridge.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		signal.Stop(sigCh)
		logger.Info("shutting down", "signal", sig)
		d.Stop()
	}()

	// Blocks until the idle timeout fires, a Shutdown request is accepted
	// or a signal arrives. Drains in-flight exchanges before returning.
	d.Run(context.Background(), srv)

	if bridge != nil {
		bridge.Stop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		cancel()
		webServer.Stop()
	}

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file: run entirely on defaults.
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Socket == "" {
		cfg.Socket = "/var/run/bluelightd.sock"
	}
	if cfg.IdleTimeout == "" {
		cfg.IdleTimeout = "5m"
	}
	if cfg.Connect.Retries == 0 {
		cfg.Connect.Retries = 3
	}
	if cfg.Connect.Timeout == "" {
		cfg.Connect.Timeout = "20s"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "bluelightd"
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
