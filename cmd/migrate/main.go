// Command migrate applies the embedded schema migrations.
//
//	migrate up                 apply all pending migrations
//	migrate up-to <version>    apply up to and including version
//	migrate down               roll back the latest migration
//	migrate down-to <version>  roll back to version
//	migrate redo               roll back and re-apply the latest migration
//	migrate status             list migrations and when they were applied
//	migrate version            print the current schema version
//
// The database comes from --database-url or DATABASE_URL.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/p2pescrow/migrations"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbURL string
	var provider *goose.Provider
	var db *sql.DB

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the escrow database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			var err error
			db, err = sql.Open("postgres", dbURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			provider, err = migrations.NewProvider(db)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if db != nil {
				_ = db.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "postgres connection string")

	p := func() *goose.Provider { return provider }
	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := p().Up(cmd.Context())
				printResults(cmd.OutOrStdout(), res...)
				return err
			},
		},
		&cobra.Command{
			Use:   "up-to <version>",
			Short: "Apply migrations up to version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				res, err := p().UpTo(cmd.Context(), v)
				printResults(cmd.OutOrStdout(), res...)
				return err
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := p().Down(cmd.Context())
				printResults(cmd.OutOrStdout(), res)
				return err
			},
		},
		&cobra.Command{
			Use:   "down-to <version>",
			Short: "Roll back migrations to version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				res, err := p().DownTo(cmd.Context(), v)
				printResults(cmd.OutOrStdout(), res...)
				return err
			},
		},
		&cobra.Command{
			Use:   "redo",
			Short: "Roll back and re-apply the latest migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				down, err := p().Down(cmd.Context())
				printResults(cmd.OutOrStdout(), down)
				if err != nil {
					return err
				}
				up, err := p().UpByOne(cmd.Context())
				printResults(cmd.OutOrStdout(), up)
				return err
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and their state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				statuses, err := p().Status(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, s := range statuses {
					applied := "pending"
					if s.State == goose.StateApplied {
						applied = s.AppliedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%5d  %-24s %s\n", s.Source.Version, applied, s.Source.Path)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := p().GetDBVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
	)
	return root
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return v, nil
}

func printResults(w io.Writer, results ...*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		fmt.Fprintf(w, "%-4s %5d  %s (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}
