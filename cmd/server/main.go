package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/relaychat/internal/auth"
	"github.com/MegaGrindStone/relaychat/internal/handlers"
	"github.com/MegaGrindStone/relaychat/internal/services"
	"github.com/MegaGrindStone/relaychat/internal/streaming"
	"golang.org/x/sync/errgroup"
)

type store interface {
	streaming.Store
	ClearStreaming(ctx context.Context) (int, error)
	Close() error
}

const (
	errLoggerKey = "error"

	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfgPath, err := configPath()
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	db, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
		}
	}()

	// Nothing streams before the server starts, so any flag left set is from a crash.
	cleared, err := db.ClearStreaming(context.Background())
	if err != nil {
		return fmt.Errorf("error clearing stale streaming flags: %w", err)
	}
	if cleared > 0 {
		logger.Warn("Cleared stale streaming flags", slog.Int("conversations", cleared))
	}

	mcpCtx, mcpCancel := context.WithCancel(context.Background())
	mcpClients, stdIOCmds, err := populateMCPClients(cfg, mcp.Info{Name: "relaychat", Version: "0.1.0"})
	defer func() {
		mcpCancel()
		for _, cmd := range stdIOCmds {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			if err := cmd.Wait(); err != nil {
				logger.Warn("Failed to wait for stdIO command", slog.String(errLoggerKey, err.Error()))
			}
		}
	}()
	if err != nil {
		return err
	}
	if err := connectMCPClients(mcpCtx, mcpClients, logger); err != nil {
		return err
	}

	var tools services.ToolRunner
	if len(mcpClients) > 0 {
		clients := make([]services.MCPClient, len(mcpClients))
		for i, cli := range mcpClients {
			clients[i] = cli
		}
		toolbox, err := services.NewToolbox(mcpCtx, clients, logger)
		if err != nil {
			return err
		}
		tools = toolbox
	}

	providers := make([]services.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		llm, err := p.llm(logger)
		if err != nil {
			return fmt.Errorf("error creating %s provider: %w", p.name(), err)
		}
		providers = append(providers, services.Provider{Name: p.name(), LLM: llm, Models: p.models()})
	}

	adapter := services.NewAdapter(services.AdapterConfig{
		SystemPrompt:  cfg.SystemPrompt,
		TitleModel:    cfg.TitleModel,
		TitlePrompt:   cfg.TitleGeneratorPrompt,
		MaxToolRounds: cfg.MaxToolRounds,
	}, providers, tools, logger)

	registry := streaming.NewRegistry(streaming.RegistryConfig{
		GraceTTL:      cfg.Streaming.GraceTTL,
		CeilingTTL:    cfg.Streaming.CeilingTTL,
		SweepInterval: cfg.Streaming.SweepInterval,
	}, logger)
	broadcaster := streaming.NewBroadcaster(logger)
	coordinator := streaming.NewCoordinator(db, adapter, registry, broadcaster,
		streaming.WithTitleSuggester(adapter),
		streaming.WithLogger(logger),
		streaming.WithSaveTimeout(cfg.Streaming.SaveTimeout),
		streaming.WithAbortTimeout(cfg.Streaming.AbortTimeout),
		streaming.WithStrictInvariants(cfg.Streaming.Strict),
	)
	editor := streaming.NewEditor(coordinator)

	opts := []handlers.Option{
		handlers.WithLogger(logger),
		handlers.WithKeepAlive(cfg.Streaming.KeepAlive),
	}
	if cfg.Auth.JWTSecret != "" {
		opts = append(opts, handlers.WithVerifier(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))))
	} else {
		logger.Warn("No JWT secret configured, trusting the X-User-ID header")
	}
	m, err := handlers.NewMain(coordinator, editor, adapter, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(m.Shutdown)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case err := <-serverErrors:
		serveErr = fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
		if err := srv.Close(); err != nil {
			logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
		}
	}
	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Error("Failed to stop running turns", slog.String(errLoggerKey, err.Error()))
	}
	registry.Close()
	broadcaster.Close()

	return serveErr
}

func openStore(cfg storeConfig, logger *slog.Logger) (store, error) {
	switch cfg.Driver {
	case driverSQLite:
		return services.NewSQLite(cfg.Path, logger)
	default:
		return services.NewBoltDB(cfg.Path)
	}
}

func populateMCPClients(cfg config, mcpClientInfo mcp.Info) ([]*mcp.Client, []*exec.Cmd, error) {
	var mcpClients []*mcp.Client

	for _, mcpSSEServerConfig := range cfg.MCPSSEServers {
		sseClient := mcp.NewSSEClient(mcpSSEServerConfig.URL, nil)
		cli := mcp.NewClient(mcpClientInfo, sseClient)
		mcpClients = append(mcpClients, cli)
	}

	var stdIOCmds []*exec.Cmd
	for name, mcpStdIOServerConfig := range cfg.MCPStdIOServers {
		cmd := exec.Command(mcpStdIOServerConfig.Command, mcpStdIOServerConfig.Args...)

		in, err := cmd.StdinPipe()
		if err != nil {
			return mcpClients, stdIOCmds, fmt.Errorf("mcp server %s: %w", name, err)
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			return mcpClients, stdIOCmds, fmt.Errorf("mcp server %s: %w", name, err)
		}
		if err := cmd.Start(); err != nil {
			return mcpClients, stdIOCmds, fmt.Errorf("mcp server %s: %w", name, err)
		}
		stdIOCmds = append(stdIOCmds, cmd)

		cliStdIO := mcp.NewStdIO(out, in)

		cli := mcp.NewClient(mcpClientInfo, cliStdIO)
		mcpClients = append(mcpClients, cli)
	}

	return mcpClients, stdIOCmds, nil
}

// connectMCPClients connects every client concurrently. The clients stay connected until ctx is
// done.
func connectMCPClients(ctx context.Context, clients []*mcp.Client, logger *slog.Logger) error {
	var g errgroup.Group
	for i, cli := range clients {
		g.Go(func() error {
			ready := make(chan struct{})
			errs := make(chan error, 1)

			go func() {
				if err := cli.Connect(ctx, ready); err != nil {
					errs <- err
				}
			}()

			timer := time.NewTimer(connectTimeout)
			defer timer.Stop()

			select {
			case err := <-errs:
				return fmt.Errorf("error connecting to mcp server at index %d: %w", i, err)
			case <-timer.C:
				return fmt.Errorf("timed out connecting to mcp server at index %d", i)
			case <-ctx.Done():
				return ctx.Err()
			case <-ready:
			}

			logger.Info("Connected to MCP server", slog.String("server", cli.ServerInfo().Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to connect mcp servers: %w", err)
	}
	return nil
}
