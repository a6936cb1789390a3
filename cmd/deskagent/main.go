package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deskagent/internal/applog"
	"deskagent/internal/config"
	"deskagent/internal/detect"
	"deskagent/internal/fanout"
	"deskagent/internal/mcptools"
	"deskagent/internal/orchestrator"
	"deskagent/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("deskagent", flag.ExitOnError)
	configPath := fs.String("config", "deskagent.yaml", "path to configuration file")
	listen := fs.String("listen", "", "websocket listen address (overrides config)")
	timezone := fs.String("timezone", "", "default timezone for schedule directives")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		// No config file is the expected empty case: CLI agents still work.
		cfg = config.Config{}
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Logf(applog.KindInfo, "deskagent starting (config %s)", *configPath)

	detector := detect.New(detect.Options{
		LoadCustomAgents: func() ([]config.CustomAgent, error) {
			fresh, err := config.Load(*configPath)
			if err != nil {
				return nil, err
			}
			return fresh.CustomAgents, nil
		},
		Logf: logger.Kindf(applog.KindProbe),
	})
	if err := detector.Initialize(context.Background()); err != nil {
		return err
	}
	for _, agent := range detector.DetectedAgents() {
		logger.Logf(applog.KindInfo, "backend available: %s (%s)", agent.BackendID, agent.DisplayName)
	}

	messages, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer messages.Close()

	hub := fanout.NewHub(logger.Kindf(applog.KindWS))

	attachCtx, cancelAttach := context.WithTimeout(context.Background(), 30*time.Second)
	tools, err := mcptools.Attach(attachCtx, cfg.MCPServers, logger.Kindf(applog.KindInfo))
	cancelAttach()
	if err != nil {
		// Degrade to whatever connected; tools are additive.
		logger.Logf(applog.KindWarn, "%v", err)
	}
	defer tools.Close()

	orch := orchestrator.New(orchestrator.Options{
		Detector:        detector,
		Hub:             hub,
		Store:           messages,
		Providers:       cfg.Providers,
		Tools:           tools,
		DefaultTimezone: *timezone,
		Logf:            logger.Kindf(applog.KindStream),
	})
	defer orch.Shutdown()

	server, err := startFanoutServer(cfg, *listen, hub, logger)
	if err != nil {
		return err
	}
	if server != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Logf(applog.KindInfo, "received %s, shutting down", s)
	return nil
}

func buildLogger(cfg config.Config) (*applog.Logger, error) {
	opts := applog.Options{
		Term:        os.Stderr,
		TermEnabled: true,
		TermColor:   applog.TermColorEnabled(os.Stderr),
	}
	if strings.TrimSpace(cfg.LogFile) != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		opts.File = f
	}
	return applog.New(opts), nil
}

func buildStore(cfg config.Config, logger *applog.Logger) (store.MessageStore, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return store.NewMemoryStore(), nil
	}
	redisStore, err := store.NewRedisStore(cfg.RedisURL)
	if err != nil {
		// Persistence degrades to in-memory rather than blocking startup.
		logger.Logf(applog.KindWarn, "redis unavailable, using in-memory store: %v", err)
		return store.NewMemoryStore(), nil
	}
	logger.Logf(applog.KindInfo, "message store: redis")
	return redisStore, nil
}

func startFanoutServer(cfg config.Config, override string, hub *fanout.Hub, logger *applog.Logger) (*http.Server, error) {
	listen := strings.TrimSpace(override)
	if listen == "" {
		listen = strings.TrimSpace(cfg.Fanout.Listen)
	}
	if listen == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.AcceptHandler(fanout.AcceptOptions{AllowedOrigins: cfg.Fanout.AllowedOrigins}))
	server := &http.Server{Addr: listen, Handler: mux}

	go func() {
		logger.Logf(applog.KindWS, "fanout listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logf(applog.KindError, "fanout server: %v", err)
		}
	}()
	return server, nil
}
