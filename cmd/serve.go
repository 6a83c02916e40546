// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coreply/cooperate/internal/observability"
	"github.com/coreply/cooperate/internal/server"
	"github.com/coreply/cooperate/internal/service"
)

// newServeCmd creates the `serve` command, which exposes the session over HTTP.
func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task control API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.SetServerAddress(addr)
			}

			rt, err := newFactory(service.WithEventHub()).Create(context.WithoutCancel(ctx), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize agent runtime: %w", err)
			}
			defer rt.Shutdown()

			opts := []server.Option{
				server.WithJournal(rt.Journal),
				server.WithEventHub(rt.Hub),
			}
			if rt.Registry != nil {
				opts = append(opts, server.WithMetrics(rt.Registry))
			}
			return server.New(cfg.Server(), rt.Session, logger, opts...).ListenAndServe(ctx)
		},
	}

	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address. (Overrides config/env)")
	return serveCmd
}
