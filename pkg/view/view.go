// Package view projects committed events into read-model tables via
// transactional, idempotent batch application, using the generic
// dispatch runtime.
package view

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dcb-platform/dcb-core/pkg/dcb"
	"github.com/dcb-platform/dcb-core/pkg/dispatch"
)

// Subscription names one view projector and the query selecting the
// events it cares about.
type Subscription struct {
	Name  string
	Query dcb.Query
}

// Projector applies a batch of events to a read-model table within tx.
// Implementations must use idempotent upserts (e.g. ON CONFLICT DO
// UPDATE keyed on the event's natural key), since dispatch is
// at-least-once and a batch may be applied more than once.
type Projector interface {
	Apply(ctx context.Context, tx pgx.Tx, events []dcb.Event) error
}

// ProjectorFunc adapts a plain function to Projector.
type ProjectorFunc func(ctx context.Context, tx pgx.Tx, events []dcb.Event) error

func (f ProjectorFunc) Apply(ctx context.Context, tx pgx.Tx, events []dcb.Event) error {
	return f(ctx, tx, events)
}

type handler struct {
	pool      *pgxpool.Pool
	name      string
	projector Projector
}

func (h *handler) Key() string { return h.name }

// Handle applies events and advances view_progress in the same
// transaction, so a crash mid-batch never leaves the view ahead of its
// recorded progress (at worst the batch is re-applied, which Apply must
// tolerate).
func (h *handler) Handle(ctx context.Context, events []dcb.Event) error {
	tx, err := h.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := h.projector.Apply(ctx, tx, events); err != nil {
		return err
	}

	last := events[len(events)-1].Cursor()
	if _, err := tx.Exec(ctx, `
		UPDATE view_progress SET transaction_id = $2, position = $3, updated_at = now()
		WHERE key = $1
	`, h.name, last.TransactionID, last.Position); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Binding names a Subscription's Projector.
type Binding struct {
	Subscription Subscription
	Projector    Projector
}

// NewAdapter builds the dispatch Runtime and Handler set for bindings,
// reading progress from view_progress and events from store. instanceID
// identifies this process in the progress row's instance_id column.
func NewAdapter(pool *pgxpool.Pool, store dcb.EventStore, bindings []Binding, elector dispatch.LeaderElector, config dispatch.RuntimeConfig, log zerolog.Logger, instanceID string) (*dispatch.Runtime[string], []dispatch.Handler[string]) {
	handlers := make([]dispatch.Handler[string], 0, len(bindings))
	queries := make(map[string]dcb.Query, len(bindings))
	for _, b := range bindings {
		handlers = append(handlers, &handler{pool: pool, name: b.Subscription.Name, projector: b.Projector})
		queries[b.Subscription.Name] = b.Subscription.Query
	}

	queryFor := func(name string) dcb.Query {
		if q, ok := queries[name]; ok {
			return q
		}
		return dcb.NewQueryAll()
	}

	fetcher := dispatch.StoreFetcher(store, queryFor)
	tracker := dispatch.NewProgressTracker(pool, "view_progress", func(s string) string { return s }, "instance_id", "updated_at")

	return dispatch.NewRuntime(fetcher, tracker, elector, config, log, instanceID), handlers
}
