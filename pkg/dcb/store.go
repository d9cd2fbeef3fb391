package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the opaque-construction, single-leader-agnostic core of
// this package: append, query, and project events against a Postgres
// backend, enforcing AppendCondition as the dynamic consistency boundary.
type EventStore interface {
	// Query returns every event matching q, ordered by (TransactionID,
	// Position) ascending, optionally starting strictly after a cursor.
	Query(ctx context.Context, q Query, after *Cursor) ([]Event, error)

	// QueryStream is the channel-based sibling of Query, for callers that
	// want to start consuming before the full result set is read.
	QueryStream(ctx context.Context, q Query, after *Cursor) (<-chan Event, <-chan error)

	// Append unconditionally persists events in one transaction.
	Append(ctx context.Context, events []InputEvent) (Cursor, error)

	// AppendIf persists events only if cond holds: cond.StateChanged must
	// not match any event after cond.After, and if cond.AlreadyExists is
	// set and matches, the append is skipped and IdempotencyError is
	// returned instead of writing anything.
	AppendIf(ctx context.Context, events []InputEvent, cond AppendCondition) (Cursor, error)

	// Project folds projectors over their combined query in a single read
	// and returns each result keyed by projector ID, plus an
	// AppendCondition anchored at the position read up to — the
	// decision-model pattern used by command handlers.
	Project(ctx context.Context, projectors []BatchProjector) (map[string]any, AppendCondition, error)

	GetConfig() EventStoreConfig
	GetPool() *pgxpool.Pool

	// ExecuteInTransaction opens one transaction and hands work a
	// TxEventStore scoped to it, committing if work returns nil and
	// rolling back otherwise. This is the building block
	// ExecuteCommand uses to append events and store a commands-table
	// row atomically.
	ExecuteInTransaction(ctx context.Context, work func(context.Context, TxEventStore) error) error

	// StoreCommand persists record to the commands table in its own
	// transaction, honoring EventStoreConfig.PersistCommands.
	StoreCommand(ctx context.Context, record CommandRecord) error
}

// CommandRecord is the payload StoreCommand/TxEventStore.StoreCommand
// writes to the commands table.
type CommandRecord struct {
	Type     string
	Data     []byte
	Metadata map[string]any
}

// TxEventStore is the transaction-scoped subset of EventStore a work
// closure sees inside ExecuteInTransaction: every call runs against the
// same open transaction, so a read issued inside work observes that
// transaction's own uncommitted writes, and StoreCommand lands atomically
// with whatever events were appended alongside it.
type TxEventStore interface {
	Query(ctx context.Context, q Query, after *Cursor) ([]Event, error)
	Append(ctx context.Context, events []InputEvent) (Cursor, error)
	AppendIf(ctx context.Context, events []InputEvent, cond AppendCondition) (Cursor, error)
	StoreCommand(ctx context.Context, record CommandRecord) error
}

// txEventStore is the only TxEventStore implementation. It is handed to
// work by ExecuteInTransaction and, within this package, also used
// directly by the command executor for the appendConditional escape
// hatch TxEventStore itself doesn't expose.
type txEventStore struct {
	store *eventStore
	tx    pgx.Tx
}

func (t *txEventStore) Query(ctx context.Context, q Query, after *Cursor) ([]Event, error) {
	return queryTx(ctx, t.tx, q, after)
}

func (t *txEventStore) Append(ctx context.Context, events []InputEvent) (Cursor, error) {
	if err := validateEvents(events, t.store.config.MaxBatchSize); err != nil {
		return Cursor{}, err
	}
	return t.store.appendInTx(ctx, t.tx, events, nil)
}

func (t *txEventStore) AppendIf(ctx context.Context, events []InputEvent, cond AppendCondition) (Cursor, error) {
	if err := validateEvents(events, t.store.config.MaxBatchSize); err != nil {
		return Cursor{}, err
	}
	if cond == nil || cond.StateChanged() == nil {
		return Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("append condition must specify a state-changed query")},
			Field:           "condition", Value: "nil",
		}
	}
	return t.store.appendInTx(ctx, t.tx, events, cond)
}

// appendConditional behaves like AppendIf but additionally accepts a nil
// cond to mean an unconditional append, for ExecuteCommand's cond
// parameter, which is optional.
func (t *txEventStore) appendConditional(ctx context.Context, events []InputEvent, cond AppendCondition) (Cursor, error) {
	if err := validateEvents(events, t.store.config.MaxBatchSize); err != nil {
		return Cursor{}, err
	}
	return t.store.appendInTx(ctx, t.tx, events, cond)
}

func (t *txEventStore) StoreCommand(ctx context.Context, record CommandRecord) error {
	if !t.store.config.persistCommands() {
		return nil
	}
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "storeCommand", Err: err}, Resource: "json"}
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO commands (transaction_id, type, data, metadata, occurred_at)
		VALUES (pg_current_xact_id(), $1, $2, $3, now())
	`, record.Type, record.Data, metadataJSON); err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "storeCommand", Err: err}, Resource: "database"}
	}
	return nil
}

// eventStore is the only EventStore implementation this package ships.
type eventStore struct {
	pool   *pgxpool.Pool
	config EventStoreConfig
}

// NewEventStore builds an EventStore with DefaultEventStoreConfig.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, EventStoreConfig{})
}

// NewEventStoreWithConfig builds an EventStore, applying config defaults
// for any zero-valued field, and verifies connectivity up front.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{Op: "NewEventStore", Err: fmt.Errorf("unable to connect to database: %w", err)},
			Resource:        "database",
		}
	}

	return &eventStore{pool: pool, config: config.withDefaults()}, nil
}

func (es *eventStore) GetConfig() EventStoreConfig { return es.config }
func (es *eventStore) GetPool() *pgxpool.Pool      { return es.pool }

// ExecuteInTransaction opens one transaction and invokes work with a
// TxEventStore scoped to it, committing on a nil return and rolling back
// otherwise.
func (es *eventStore) ExecuteInTransaction(ctx context.Context, work func(context.Context, TxEventStore) error) error {
	ctx, cancel := es.withTimeout(ctx, es.config.AppendTimeoutMs)
	defer cancel()

	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation)})
	if err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "executeInTransaction", Err: err}, Resource: "database"}
	}
	defer tx.Rollback(ctx)

	txStore := &txEventStore{store: es, tx: tx}
	if err := work(ctx, txStore); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "executeInTransaction", Err: err}, Resource: "database"}
	}
	return nil
}

// StoreCommand persists record to the commands table in its own
// transaction, honoring EventStoreConfig.PersistCommands.
func (es *eventStore) StoreCommand(ctx context.Context, record CommandRecord) error {
	if !es.config.persistCommands() {
		return nil
	}

	ctx, cancel := es.withTimeout(ctx, es.config.AppendTimeoutMs)
	defer cancel()

	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "storeCommand", Err: err}, Resource: "json"}
	}
	if _, err := es.pool.Exec(ctx, `
		INSERT INTO commands (transaction_id, type, data, metadata, occurred_at)
		VALUES (pg_current_xact_id(), $1, $2, $3, now())
	`, record.Type, record.Data, metadataJSON); err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "storeCommand", Err: err}, Resource: "database"}
	}
	return nil
}

// withTimeout honors the caller's deadline if one is already set, and
// otherwise reparents ctx to context.Background() with defaultMs so a
// canceled parent context (e.g. an HTTP request) can't leak into a
// transaction that must still reach a commit or rollback.
func (es *eventStore) withTimeout(ctx context.Context, defaultMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.Background(), time.Duration(defaultMs)*time.Millisecond)
}
