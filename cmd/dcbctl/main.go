// Command dcbctl is the operator-facing management surface for the
// dispatch runtime: pausing/resuming a processor, resetting its error
// latch, and inspecting its progress row.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dcb-platform/dcb-core/internal/migrations"
	"github.com/dcb-platform/dcb-core/pkg/dcb"
	"github.com/dcb-platform/dcb-core/pkg/dispatch"
)

var (
	databaseURL string
	table       string
)

func main() {
	root := &cobra.Command{
		Use:   "dcbctl",
		Short: "operate outbox and view processors",
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DCB_DATABASE_URL"), "Postgres connection string")
	root.PersistentFlags().StringVar(&table, "table", "outbox_topic_progress", "progress table: outbox_topic_progress or view_progress")

	root.AddCommand(
		newStatusCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newResetErrorsCmd(),
		newMigrateCmd(),
		newTickCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("--database-url (or DCB_DATABASE_URL) is required")
	}
	return pgxpool.New(ctx, databaseURL)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <key>",
		Short: "print a processor's progress row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			var txID, position int64
			var errorCount int
			var status, lastError string
			query := fmt.Sprintf(`SELECT transaction_id, position, error_count, status, coalesce(last_error, '') FROM %s WHERE key = $1`, table)
			err = pool.QueryRow(ctx, query, args[0]).Scan(&txID, &position, &errorCount, &status, &lastError)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s status=%s cursor=%d/%d error_count=%d last_error=%q\n",
				args[0], status, txID, position, errorCount, lastError)
			return nil
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <key>",
		Short: "pause a processor",
		Args:  cobra.ExactArgs(1),
		RunE:  setStatus("PAUSED"),
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <key>",
		Short: "resume a paused or failed processor",
		Args:  cobra.ExactArgs(1),
		RunE:  setStatus("RUNNING"),
	}
}

func setStatus(status string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = now() WHERE key = $1`, table)
		tag, err := pool.Exec(ctx, query, args[0], status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("no processor registered under key %q", args[0])
		}
		fmt.Printf("%s -> %s\n", args[0], status)
		return nil
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return fmt.Errorf("--database-url (or DCB_DATABASE_URL) is required")
			}
			db, err := sql.Open("pgx", databaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return migrations.Run(db, zerolog.New(os.Stdout).With().Timestamp().Logger())
		},
	}
}

// heartbeatColumns returns the (instance, heartbeat) column pair for the
// selected --table, matching NewProgressTracker's expectations in
// pkg/outbox and pkg/view.
func heartbeatColumns() (instanceColumn, heartbeatColumn string) {
	if table == "view_progress" {
		return "instance_id", "updated_at"
	}
	return "leader_instance", "leader_heartbeat"
}

// tickHandler is a pass-through Handler: it lets Tick fetch and advance a
// processor's progress without invoking any domain-specific side effect,
// since dcbctl has no way to know which publisher or projector a given
// key is normally bound to. It is a manual catch-up tool, not a
// replacement for the processor's own running handler.
type tickHandler struct {
	key string
}

func (h tickHandler) Key() string                                    { return h.key }
func (h tickHandler) Handle(ctx context.Context, batch []dcb.Event) error { return nil }

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick <key>",
		Short: "run one manual fetch/advance cycle for a processor key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := dcb.NewEventStore(ctx, pool)
			if err != nil {
				return err
			}

			instanceColumn, heartbeatColumn := heartbeatColumns()
			fetcher := dispatch.StoreFetcher[string](store, func(string) dcb.Query { return dcb.NewQueryAll() })
			tracker := dispatch.NewProgressTracker[string](pool, table, func(s string) string { return s }, instanceColumn, heartbeatColumn)
			log := zerolog.New(os.Stdout).With().Timestamp().Logger()
			rt := dispatch.NewRuntime[string](fetcher, tracker, nil, dispatch.RuntimeConfig{}, log, "dcbctl")

			if err := rt.Tick(ctx, tickHandler{key: args[0]}); err != nil {
				return err
			}
			fmt.Printf("%s: tick complete\n", args[0])
			return nil
		},
	}
}

func newResetErrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-errors <key>",
		Short: "clear a processor's error count and resume it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			query := fmt.Sprintf(`
				UPDATE %s SET error_count = 0, last_error = NULL, status = 'RUNNING', updated_at = now()
				WHERE key = $1
			`, table)
			tag, err := pool.Exec(ctx, query, args[0])
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("no processor registered under key %q", args[0])
			}
			fmt.Printf("%s: error count reset, status RUNNING\n", args[0])
			return nil
		},
	}
}
