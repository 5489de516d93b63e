package main

import (
	"nodepool/pkg/log"
	"nodepool/pkg/server"
	"nodepool/pkg/transport/ws"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func (a *app) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node pool with the diagnostics API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return a.serve(cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Diagnostics listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	e, err := newEngine(a.cfg, ws.NewDialer())
	if err != nil {
		return err
	}
	if err := e.router.Initialize(cmd.Context()); err != nil {
		return err
	}

	srv := server.NewServer(e.router,
		server.WithManualMonitor(e.monitor),
		server.WithMetrics(e.metrics),
		server.WithStoragePath(a.cfg.Storage.Path),
		server.WithVersion(version),
	)
	serveErr := srv.Start(a.cfg.Server.Addr)

	log.Info().Msg("Stopping node pool...")
	return multierr.Append(serveErr, e.router.Shutdown())
}
