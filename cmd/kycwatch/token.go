package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghyeongl/livestatus/devserver"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the development backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			if s.Server.Secret == "" {
				return errors.New("no secret: set --secret, server.secret or KYCWATCH_SERVER_SECRET")
			}
			token, err := devserver.MintToken([]byte(s.Server.Secret), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token) //nolint:errcheck
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", devserver.AnySubject, `subject the token grants ("*" for all)`)
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("secret", "", "HS256 secret")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		a.bind(cmd.Flags(), map[string]string{"server.secret": "secret"})
	}
	return cmd
}
