package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/database"
	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cardctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cardctl",
		Short: "cardvault operations CLI",
		Long: `cardctl runs one-off operations against the configured datastore and blob store
(migrations, ingesting files, resolving media, deleting cards, listing stale upload sessions)
and drives the local docker compose stack.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "c", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.AddCommand(
		newMigrateCmd(),
		newIngestCmd(),
		newResolveCmd(),
		newDeleteCmd(),
		newSessionsCmd(),
		newUpCmd(),
		newDownCmd(),
		newLogsCmd(),
	)
	return cmd
}

// openApp builds the same component graph the server uses. Media triggers
// are never started; commands call services directly.
func openApp(ctx context.Context) (*server.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	zl, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, cfg, zl, server.Options{})
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (or revert them with --down)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("CARDVAULT_DATABASE_URL is not set")
			}
			zl, err := logger.New(cfg.LogMode)
			if err != nil {
				return err
			}
			defer zl.Sync()
			if down {
				return database.Rollback(cfg.DatabaseURL, zl)
			}
			return database.Migrate(cfg.DatabaseURL, zl)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Revert every migration")
	return cmd
}

func newIngestCmd() *cobra.Command {
	var (
		user       string
		visibility string
		tags       []string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a card file or multi-character package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			out, err := app.Intake.Ingest(cmd.Context(), data, ingest.Upload{
				UploaderID: user,
				Visibility: model.ParseVisibility(visibility),
				Tags:       tags,
			})
			if err != nil {
				return err
			}
			if out.Collection != nil {
				b := out.Collection.Batch
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s: %d of %d cards created\n",
					out.Collection.Collection.ID, b.Created(), b.Total())
				for _, f := range b.Failed {
					fmt.Fprintf(cmd.OutOrStdout(), "  item %d (%s): %v\n", f.Index, f.Name, f.Err)
				}
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "card %s version %s (%s)\n", out.Card.ID, out.Version.ID, out.Version.Format)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "cardctl", "Uploader id recorded on the card")
	cmd.Flags().StringVar(&visibility, "visibility", "public", "public, unlisted or private")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Extra tag (repeatable)")
	return cmd
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <card-id>",
		Short: "Rehost the remote media a card references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			res, err := app.Media.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <card-id>",
		Short: "Delete a card with all its versions and blobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Versions.DeleteCard(cmd.Context(), args[0])
		},
	}
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect upload sessions",
	}
	var olderThan time.Duration
	stale := &cobra.Command{
		Use:   "stale",
		Short: "List pending upload sessions with no activity for --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			sessions, err := app.Sessions.ListStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sessions)
		},
	}
	stale.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Minimum idle time")
	cmd.AddCommand(stale)
	return cmd
}
