package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ghyeongl/livestatus/devserver"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development KYC status backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			srv, err := devserver.New(s.Server)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("addr", devserver.DefaultAddr, "listen address")
	f.String("db", "kycwatch-dev.db", "sqlite database path (:memory: for a throwaway store)")
	f.String("secret", "", "HS256 secret; enables bearer auth on /api")
	f.String("redis", "", "redis URL for the kyc:events:* relay")
	f.String("seed", "", "yaml file with initial subject states")
	f.Duration("keepalive", devserver.DefaultKeepalive, "ping frame period for stream clients")
	// Bound at run time: token binds server.secret to its own flag.
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		a.bind(cmd.Flags(), map[string]string{
			"server.addr":      "addr",
			"server.db":        "db",
			"server.secret":    "secret",
			"server.redis":     "redis",
			"server.seed":      "seed",
			"server.keepalive": "keepalive",
		})
	}
	return cmd
}
