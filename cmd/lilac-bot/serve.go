package main

import (
	"context"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/archlinuxcn/lilac-bot/internal/metrics"
)

// serveCmd runs lilac-bot as a long-running daemon: a periodic batch
// loop plus a /metrics and /healthz HTTP server, modeled on
// cmd/melange-server's http.Server-with-timeouts setup.
func serveCmd() *cobra.Command {
	var listenAddr string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run batches on a fixed interval and serve Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			configPath, _ := cmd.Flags().GetString("config")
			log := clog.FromContext(ctx)

			m := metrics.New()

			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("ok"))
			})
			httpServer := &http.Server{
				Addr:              listenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       60 * time.Second,
				WriteTimeout:      60 * time.Second,
				MaxHeaderBytes:    1 << 20,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Infof("serving metrics on %s", listenAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				env, err := loadEnvironment(ctx, configPath)
				if err != nil {
					log.Errorf("loading environment: %v", err)
				} else if err := runBatch(ctx, env, nil, false); err != nil {
					log.Errorf("batch failed: %v", err)
				}
				// Recipes and config are reloaded every tick so a recipe-tree
				// update or config edit takes effect on the next batch without
				// a restart.

				select {
				case <-ctx.Done():
					return nil
				case err := <-errCh:
					return err
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", ":9797", "HTTP listen address for /metrics and /healthz")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Minute, "how often to run a full batch")
	return cmd
}
