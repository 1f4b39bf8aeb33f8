package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/renderinc/locsearch/internal/web"
)

var serveRebuild bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API.

Endpoints:
  GET  /api/search                   ranked, paginated search (total in X-Total-Count)
  POST /api/changes                  re-project locations affected by a record change
  POST /api/reindex                  rebuild the whole index
  GET  /api/locations/{id}/document  indexed document of a location
  POST /api/locations/{id}/reindex   re-project one location
  GET  /health                       database and index counts
  GET  /metrics                      Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveRebuild, "rebuild", false, "Rebuild the index before accepting requests")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveRebuild {
		stats, err := a.reindexer.RebuildAll(ctx)
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		a.logger.Info("index rebuilt", zap.Int("indexed", stats.Indexed), zap.Int("failures", len(stats.Failures)))
	}

	srv := web.NewServer(a.db, a.index, a.searcher, a.reindexer, a.metrics, a.logger.Named("http"))
	httpServer := &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
