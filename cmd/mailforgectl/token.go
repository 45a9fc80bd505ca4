package main

import (
	"fmt"

	"github.com/spf13/cobra"

	jwtpkg "mailforge/backend/internal/auth/jwt"
	"mailforge/backend/internal/config"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
	)
	command := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with MAILFORGE_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := jwtpkg.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q (operator or viewer)", role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireJWT(); err != nil {
				return err
			}

			token, err := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry).GenerateToken(subject, r)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), token)
		},
	}
	command.Flags().StringVar(&subject, "subject", "operator", "token subject")
	command.Flags().StringVar(&role, "role", string(jwtpkg.RoleOperator), "operator or viewer")
	return command
}
