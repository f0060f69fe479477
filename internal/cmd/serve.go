package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/dotcommander/relay/internal/chat"
	"github.com/dotcommander/relay/internal/config"
	"github.com/dotcommander/relay/internal/errs"
	"github.com/dotcommander/relay/internal/httpapi"
	"github.com/dotcommander/relay/internal/mcp"
	"github.com/dotcommander/relay/internal/openrouter"
	"github.com/spf13/cobra"
)

func (rt *runtime) runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg := &rt.cfg

	logger := newServerLogger(os.Stderr, cfg.Debug)

	key, err := config.ResolveAPIKey(ctx, cfg)
	if err != nil {
		return err
	}

	httpClient := openrouter.NewHTTPClient()
	if cfg.HTTPProxy != "" {
		if err := openrouter.ApplyProxy(httpClient, cfg.HTTPProxy); err != nil {
			return err
		}
	}
	client, err := openrouter.New(openrouter.Config{
		APIKey:     key,
		BaseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
	})
	if err != nil {
		return err
	}

	pending, err := chat.NewPendingStore(cfg.CachePath)
	if err != nil {
		return errs.Error{Err: err, Reason: "Could not open the pending-approval store."}
	}

	manager := mcp.New(cfg, logger)
	defer manager.CleanupAll()

	svc := chat.New(cfg, client, openrouter.NewCatalog(client, cfg.CatalogTTL), manager, pending, logger)

	// Request contexts derive from the server scope so canceling it ends
	// long-lived streams during shutdown.
	serverScopeCtx, cancelServerScope := context.WithCancel(context.Background())
	defer cancelServerScope()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(svc, cfg, logger),
		BaseContext: func(net.Listener) context.Context {
			return serverScopeCtx
		},
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.HTTPAddr, "version", rt.build.Version)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errs.Error{Err: err, Reason: "The HTTP server failed."}
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	cancelServerScope()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = srv.Close()
		}
		return errs.Error{Err: err, Reason: "Graceful shutdown did not complete."}
	}
	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errs.Error{Err: err, Reason: "The HTTP server failed."}
	}
	return nil
}
