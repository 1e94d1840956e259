package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"classroom-sfu/server/internal/config"
	"classroom-sfu/server/internal/coordinator"
	"classroom-sfu/server/internal/protocol"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		id   coordinator.Identity
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a participant token for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			id.Role = protocol.Role(role)
			token, err := issueToken(cfg, id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.ParticipantID, "sub", "", "participant id")
	cmd.Flags().StringVar(&id.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(protocol.RoleStudent), "teacher or student")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func issueToken(cfg config.Config, id coordinator.Identity, ttl time.Duration) (string, error) {
	if !id.Role.Valid() {
		return "", errors.Errorf("invalid role %q", id.Role)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	return coordinator.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer).Issue(id, ttl)
}
