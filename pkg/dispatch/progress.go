package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcb-platform/dcb-core/pkg/dcb"
)

// Status is the lifecycle state of one processor's progress row.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusFailed  Status = "FAILED"
)

// ErrNotRegistered is returned by operations on a processor key that has
// never been through AutoRegister.
var ErrNotRegistered = errors.New("dispatch: processor not registered")

// ProgressTracker persists the last cursor processed and the error/run
// state for each processor key K, backing both outbox publishers and
// view projectors against the same table shape (table name is supplied
// at construction so the two adapters don't share rows).
type ProgressTracker[K any] interface {
	AutoRegister(ctx context.Context, key K) error
	GetLastPosition(ctx context.Context, key K) (dcb.Cursor, error)
	UpdateProgress(ctx context.Context, key K, cursor dcb.Cursor) error
	RecordError(ctx context.Context, key K, cause error) (errorCount int, err error)
	ResetErrorCount(ctx context.Context, key K) error
	GetStatus(ctx context.Context, key K) (Status, error)
	SetStatus(ctx context.Context, key K, status Status) error

	// UpdateHeartbeat records that instanceID is still actively driving
	// key, every cycle (empty or not) per §4.8 steps 7 and 9.
	UpdateHeartbeat(ctx context.Context, key K, instanceID string) error
}

type progressTracker[K any] struct {
	pool             *pgxpool.Pool
	table            string
	keyFunc          func(K) string
	instanceColumn   string
	heartbeatColumn  string
}

// NewProgressTracker builds a ProgressTracker backed by table, which must
// have the (key text primary key, transaction_id, position, error_count,
// status, last_error, last_error_at, created_at, updated_at) shape
// migration 0002/0003 creates, plus instanceColumn/heartbeatColumn for
// UpdateHeartbeat — outbox_topic_progress uses "leader_instance" and
// "leader_heartbeat", view_progress uses "instance_id" and "updated_at"
// (views have no separate heartbeat column; every progress write already
// touches updated_at). keyFunc renders a processor key K to the string
// stored in the key column.
func NewProgressTracker[K any](pool *pgxpool.Pool, table string, keyFunc func(K) string, instanceColumn, heartbeatColumn string) ProgressTracker[K] {
	return &progressTracker[K]{
		pool: pool, table: table, keyFunc: keyFunc,
		instanceColumn: instanceColumn, heartbeatColumn: heartbeatColumn,
	}
}

func (t *progressTracker[K]) AutoRegister(ctx context.Context, key K) error {
	_, err := t.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, transaction_id, position, error_count, status)
		VALUES ($1, 0, 0, 0, $2)
		ON CONFLICT (key) DO NOTHING
	`, t.table), t.keyFunc(key), string(StatusRunning))
	return err
}

func (t *progressTracker[K]) GetLastPosition(ctx context.Context, key K) (dcb.Cursor, error) {
	var cur dcb.Cursor
	err := t.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT transaction_id, position FROM %s WHERE key = $1`, t.table),
		t.keyFunc(key)).Scan(&cur.TransactionID, &cur.Position)
	if errors.Is(err, pgx.ErrNoRows) {
		return dcb.Cursor{}, ErrNotRegistered
	}
	return cur, err
}

func (t *progressTracker[K]) UpdateProgress(ctx context.Context, key K, cursor dcb.Cursor) error {
	_, err := t.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET transaction_id = $2, position = $3, updated_at = now()
		WHERE key = $1
	`, t.table), t.keyFunc(key), cursor.TransactionID, cursor.Position)
	return err
}

func (t *progressTracker[K]) RecordError(ctx context.Context, key K, cause error) (int, error) {
	var count int
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := t.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET error_count = error_count + 1, last_error = $2, last_error_at = now(), updated_at = now()
		WHERE key = $1
		RETURNING error_count
	`, t.table), t.keyFunc(key), msg).Scan(&count)
	return count, err
}

// UpdateHeartbeat records instanceID as the last instance to drive key,
// as of now.
func (t *progressTracker[K]) UpdateHeartbeat(ctx context.Context, key K, instanceID string) error {
	_, err := t.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET %s = $2, %s = now() WHERE key = $1
	`, t.table, t.instanceColumn, t.heartbeatColumn), t.keyFunc(key), instanceID)
	return err
}

func (t *progressTracker[K]) ResetErrorCount(ctx context.Context, key K) error {
	_, err := t.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET error_count = 0, last_error = NULL, updated_at = now() WHERE key = $1
	`, t.table), t.keyFunc(key))
	return err
}

func (t *progressTracker[K]) GetStatus(ctx context.Context, key K) (Status, error) {
	var status string
	err := t.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE key = $1`, t.table), t.keyFunc(key)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotRegistered
	}
	return Status(status), err
}

func (t *progressTracker[K]) SetStatus(ctx context.Context, key K, status Status) error {
	_, err := t.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = now() WHERE key = $1
	`, t.table), t.keyFunc(key), string(status))
	return err
}
