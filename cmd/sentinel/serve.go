package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	srv "github.com/mohammad-safakhou/sentinel/internal/server"
)

func serveCMD() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			s := srv.New(srv.Options{
				Assessor:    a.runner,
				Store:       a.store,
				Metrics:     a.telemetry.Handler(),
				Ops:         a.telemetry,
				CORSOrigins: a.cfg.Server.CORSOrigins,
			})
			errc := make(chan error, 1)
			go func() { errc <- s.Start(addr) }()
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	return cmd
}
