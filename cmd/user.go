/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/memberboard/apiserver/config"
	"github.com/memberboard/apiserver/internal/db"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
	"github.com/spf13/cobra"
)

// userCmd groups operator actions on identities. They run outside the
// admin gate and are how the first admin is created.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage identities from the command line",
}

var userPromoteCmd = &cobra.Command{
	Use:   "promote <email>",
	Short: "Grant the admin role to an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentities(cmd.Context(), func(ctx context.Context, repo *store.IdentityRepository) error {
			identity, err := repo.FindIdentityByEmail(ctx, args[0])
			if err != nil {
				return lookupFailed(args[0], err)
			}
			updated, err := repo.UpdateIdentityRole(ctx, identity.ID, types.RoleAdmin)
			if err != nil {
				return fmt.Errorf("update role: %w", err)
			}
			slog.Default().Info("identity promoted",
				"module", "cli",
				"operation", "promote",
				"outcome", "success",
				"identity_id", updated.ID,
				"from", identity.Role,
			)
			return nil
		})
	},
}

var userVerifyCmd = &cobra.Command{
	Use:   "verify <email>",
	Short: "Mark an identity's email as verified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentities(cmd.Context(), func(ctx context.Context, repo *store.IdentityRepository) error {
			identity, err := repo.MarkEmailVerified(ctx, args[0], time.Now().UTC())
			if err != nil {
				return lookupFailed(args[0], err)
			}
			slog.Default().Info("email verified",
				"module", "cli",
				"operation", "verify",
				"outcome", "success",
				"identity_id", identity.ID,
			)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userPromoteCmd)
	userCmd.AddCommand(userVerifyCmd)
}

func withIdentities(ctx context.Context, fn func(context.Context, *store.IdentityRepository) error) error {
	cfg := config.LoadConfig()
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, store.NewIdentityRepository(conn))
}

func lookupFailed(email string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no identity with email %q", email)
	}
	return fmt.Errorf("load identity: %w", err)
}
