package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"dropmesh/internal/config"
	"dropmesh/internal/expiry"
	"dropmesh/internal/metrics"
	"dropmesh/internal/repository"
	"dropmesh/internal/storage"

	"github.com/sirupsen/logrus"
)

// These hold the repository/object-store pair shared by every subcommand.
// adminInit opens them lazily, guarded by a PersistentPreRunE-triggered
// sync.Once so each subcommand doesn't reopen its own connections.
var (
	repo     repository.Repository
	store    storage.ObjectStore
	cfg      *config.Config
	initOnce sync.Once
	initErr  error
)

func adminInit(cmd *cobra.Command, _ []string) error {
	initOnce.Do(func() {
		_ = godotenv.Load() // optional .env for local development; absence is not an error
		cfg, initErr = config.LoadFromEnv()
		if initErr != nil {
			return
		}
		if cfg.Database.Driver == "postgres" {
			repo, initErr = repository.NewPostgres(cfg.Database.DSN)
		} else {
			repo, initErr = repository.NewSQLite(cfg.Database.DSN)
		}
		if initErr != nil {
			return
		}
		store, initErr = storage.NewMinioStore(cfg, logrus.StandardLogger())
	})
	return initErr
}

func sharesListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shares owned by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("list requires --owner")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			shares, err := repo.ListSharesByOwner(ctx, owner, repository.ListFilter{})
			if err != nil {
				return err
			}
			for _, s := range shares {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d bytes\t%s\n",
					s.ShareID, s.OriginalName, s.State, s.SizeBytes, s.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	return cmd
}

func sharesRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <share_id>",
		Short: "Force-revoke a share, bypassing owner check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			shareID := args[0]
			share, err := repo.GetShareByID(ctx, shareID)
			if err != nil {
				return err
			}
			if err := repo.TransitionToDeleted(ctx, []string{shareID}); err != nil {
				return err
			}
			if err := store.Delete(ctx, share.StorageKey); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: object delete failed and no sweep pass retries it: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
	return cmd
}

func sweepNowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "sweep-now",
		Short:             "Run one expiry sweep pass immediately",
		PersistentPreRunE: adminInit,
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := expiry.New(repo, store, *cfg, logrus.StandardLogger(), metrics.New())
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := sweeper.SweepOnce(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sweep complete")
			return nil
		},
	}
	return cmd
}

func sharesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "shares", Short: "Manage file-exchange shares", PersistentPreRunE: adminInit}
	cmd.AddCommand(sharesListCmd())
	cmd.AddCommand(sharesRevokeCmd())
	return cmd
}

func main() {
	root := &cobra.Command{Use: "dropmesh-admin"}
	root.AddCommand(sharesCmd())
	root.AddCommand(sweepNowCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
