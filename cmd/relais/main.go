// Command relais runs the offline-first mutation pipeline for a
// task-tracker client: a durable outbox in front of the backend API, a
// local status API, and optional MCP tools on stdio.
//
// Usage:
//
//	relais -config relais.yaml                 # daemon: status API + flush triggers
//	relais -backend https://api.example.com    # run with defaults
//	relais -config relais.yaml -pending        # list queued mutations and exit
//	relais -config relais.yaml -flush          # drain once and exit
//	relais -config relais.yaml -status         # print pipeline status and exit
//	relais -config relais.yaml -mcp            # serve MCP tools on stdio
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/relais/shield"
	"github.com/hazyhaar/relais/statusapi"
	"github.com/hazyhaar/relais/syncer"
)

const version = "0.1.0"

type options struct {
	configPath string
	dbPath     string
	backendURL string
	addr       string
	pending    bool
	status     bool
	flushOnce  bool
	mcpStdio   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to relais.yaml config file")
	flag.StringVar(&opts.dbPath, "db", "", "path to the SQLite store (overrides config)")
	flag.StringVar(&opts.backendURL, "backend", "", "backend base URL (overrides config)")
	flag.StringVar(&opts.addr, "addr", "", "status API listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&opts.pending, "pending", false, "list queued mutations and exit")
	flag.BoolVar(&opts.status, "status", false, "print pipeline status and exit")
	flag.BoolVar(&opts.flushOnce, "flush", false, "run one flush pass and exit")
	flag.BoolVar(&opts.mcpStdio, "mcp", false, "serve MCP tools on stdio instead of the status API")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// Logs go to stderr; stdout belongs to one-shot output and MCP framing.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, opts); err != nil {
		logger.Error("relais: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	c, err := syncer.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer c.Close()

	// One-shot verbs skip the daemon entirely.
	switch {
	case opts.pending:
		muts, err := c.Pending(ctx)
		if err != nil {
			return fmt.Errorf("pending: %w", err)
		}
		return printJSON(muts)
	case opts.status:
		st, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		return printJSON(st)
	case opts.flushOnce:
		rep, err := c.Flush(ctx)
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		return printJSON(rep)
	}

	c.Start(ctx)

	if opts.mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "relais", Version: version}, nil)
		c.RegisterMCP(srv)
		logger.Info("relais: serving MCP on stdio")
		if err := srv.Run(ctx, &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	statusapi.New(c, statusapi.WithVersion(version)).Register(r)

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("relais: status API listening", "addr", cfg.API.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status API", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("relais: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	return nil
}

func resolveConfig(opts options) (*syncer.Config, error) {
	cfg := &syncer.Config{}
	if opts.configPath != "" {
		var err error
		cfg, err = syncer.LoadConfigFile(opts.configPath)
		if err != nil {
			return nil, err
		}
	}
	if opts.dbPath != "" {
		cfg.Store.Path = opts.dbPath
	}
	if opts.backendURL != "" {
		cfg.Backend.BaseURL = opts.backendURL
	}
	if opts.addr != "" {
		cfg.API.Addr = opts.addr
	}

	if cfg.Backend.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "usage: relais -config <file> | -backend <url> [-db <path>] [-pending|-status|-flush|-mcp]")
		os.Exit(1)
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
