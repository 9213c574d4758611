package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/reader-sync/internal/config"
	"github.com/alexjbarnes/reader-sync/internal/logging"
	"github.com/alexjbarnes/reader-sync/internal/mcpserver"
	"github.com/alexjbarnes/reader-sync/internal/remote"
	"github.com/alexjbarnes/reader-sync/internal/state"
	"github.com/alexjbarnes/reader-sync/internal/store"
	"github.com/alexjbarnes/reader-sync/internal/syncer"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("reader-sync starting",
		slog.String("version", Version),
		slog.String("state_dir", cfg.StateDir),
		slog.Bool("sync", cfg.EnableSync),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := store.OpenSet(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The watcher feeds external envelope writes back into the stores,
	// which is how local mutations reach the sync manager.
	watcher := store.NewWatcher(cfg.StateDir, stores.Reloaders(), logger)
	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	var mgr *syncer.Manager

	if cfg.EnableSync {
		mgr, err = startSync(ctx, g, gctx, cfg, stores, logger)
		if err != nil {
			return err
		}
		defer mgr.Close()
	}

	if cfg.EnableMCP {
		var status mcpserver.StatusProvider
		if mgr != nil {
			status = mgr
		}

		g.Go(func() error {
			return runMCP(gctx, cfg, stores, status, logger)
		})
	}

	return g.Wait()
}

// startSync authenticates, opens the snapshot subscription, and starts
// the sync manager. The blocking pieces (subscription loop, startup
// sequence) run on the errgroup.
func startSync(ctx context.Context, g *errgroup.Group, gctx context.Context, cfg *config.Config, stores *store.Set, logger *slog.Logger) (*syncer.Manager, error) {
	db, err := state.Load()
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	client := remote.NewClient(nil, cfg.APIBaseURL)

	session, err := authenticate(ctx, client, db, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := db.InitUser(session.UserID); err != nil {
		return nil, fmt.Errorf("initializing user state: %w", err)
	}

	keyHash, err := remote.DeriveKeyHash(cfg.Password, session.Salt)
	if err != nil {
		return nil, fmt.Errorf("deriving key hash: %w", err)
	}

	sub := remote.NewSubscriber(remote.SubscriberConfig{
		Host:    cfg.SyncHost,
		Token:   session.Token,
		UserID:  session.UserID,
		KeyHash: keyHash,
		Device:  cfg.DeviceName,
	}, logger)

	mgr := syncer.New(syncer.Config{
		Remote:   client,
		Subs:     sub,
		Stores:   stores,
		State:    db,
		UserID:   session.UserID,
		StateDir: cfg.StateDir,
		Logger:   logger,
	})

	g.Go(func() error {
		defer db.Close()
		defer sub.Close()

		return sub.Run(gctx)
	})

	g.Go(func() error {
		return mgr.Start(gctx)
	})

	return mgr, nil
}

// authenticate resumes the cached session when the server still accepts
// its token, falling back to a fresh login. When the configured account
// changed since the last run, the previous user's sync bookkeeping is
// removed before the new session is cached.
func authenticate(ctx context.Context, client *remote.Client, db *state.State, cfg *config.Config, logger *slog.Logger) (remote.Session, error) {
	cached, hasCached := db.Session()
	if hasCached {
		if err := client.Resume(ctx, remote.Session(cached)); err != nil {
			logger.Info("cached session rejected, signing in",
				slog.String("user", cached.UserID),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("resumed cached session", slog.String("user", cached.UserID))
			return remote.Session(cached), nil
		}
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	session, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return remote.Session{}, fmt.Errorf("signing in: %w", err)
	}

	logger.Info("signed in", slog.String("user", session.UserID))

	if hasCached && cached.UserID != session.UserID {
		if err := db.DeleteUser(cached.UserID); err != nil {
			logger.Warn("failed to remove previous user state",
				slog.String("user", cached.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := db.SetSession(state.Session(session)); err != nil {
		logger.Warn("failed to cache session", slog.String("error", err.Error()))
	}

	return session, nil
}

// runMCP serves the inspection tools over streamable HTTP. The server
// carries no auth, so the default listen address is loopback only.
func runMCP(ctx context.Context, cfg *config.Config, stores *store.Set, status mcpserver.StatusProvider, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "reader-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, stores, status)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	server := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
