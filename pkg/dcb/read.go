package dcb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// buildReadQuerySQL renders q (and an optional cursor) into the SELECT
// that backs Query/QueryStream/Project. The cursor predicate follows the
// (transaction_id, position) tuple ordering: events strictly after a
// cursor are those in a later transaction, or in the same transaction at
// a later position.
func buildReadQuerySQL(q Query, after *Cursor) (string, []any) {
	args := make([]any, 0, 8)
	var where []string

	if cond := encodeQueryArgs(q, &args); cond != "" {
		where = append(where, cond)
	}

	if after != nil {
		args = append(args, after.TransactionID, after.Position, after.TransactionID)
		n := len(args)
		where = append(where, fmt.Sprintf(
			"((transaction_id = $%d AND position > $%d) OR transaction_id > $%d)",
			n-2, n-1, n))
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, type, tags, data, transaction_id, position, occurred_at, causation_id, correlation_id FROM events")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY transaction_id ASC, position ASC")

	return sb.String(), args
}

// encodeQueryArgs renders q as a parameterized WHERE fragment, appending
// its placeholder values to args (unlike encodeQuery, used inside the
// stored function's condition JSON, which inlines literals since it runs
// server-side against a dynamically built string).
func encodeQueryArgs(q Query, args *[]any) string {
	items := q.Items()
	orParts := make([]string, 0, len(items))
	for _, item := range items {
		var andParts []string
		if types := item.EventTypes(); len(types) > 0 {
			*args = append(*args, types)
			andParts = append(andParts, fmt.Sprintf("type = ANY($%d::text[])", len(*args)))
		}
		if tags := item.Tags(); len(tags) > 0 {
			*args = append(*args, TagsToArray(tags))
			andParts = append(andParts, fmt.Sprintf("tags @> $%d::text[]", len(*args)))
		}
		if len(andParts) == 0 {
			continue
		}
		orParts = append(orParts, "("+strings.Join(andParts, " AND ")+")")
	}
	if len(orParts) == 0 {
		return ""
	}
	return "(" + strings.Join(orParts, " OR ") + ")"
}

func scanEvent(rows pgx.Rows) (Event, error) {
	var (
		ev       Event
		tagArr   []string
		causation, correlation *string
	)
	err := rows.Scan(&ev.ID, &ev.Type, &tagArr, &ev.Data, &ev.TransactionID, &ev.Position, &ev.OccurredAt, &causation, &correlation)
	if err != nil {
		return Event{}, err
	}
	ev.Tags = ParseTagsArray(tagArr)
	if causation != nil {
		ev.CausationID = *causation
	}
	if correlation != nil {
		ev.CorrelationID = *correlation
	}
	return ev, nil
}

// Query returns every event matching q in (TransactionID, Position)
// order, strictly after the given cursor if one is supplied.
func (es *eventStore) Query(ctx context.Context, q Query, after *Cursor) ([]Event, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	ctx, cancel := es.withTimeout(ctx, es.config.QueryTimeoutMs)
	defer cancel()

	sqlQuery, args := buildReadQuerySQL(q, after)
	rows, err := es.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{EventStoreError: EventStoreError{Op: "query", Err: err}, Resource: "database"}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, &ResourceError{EventStoreError: EventStoreError{Op: "query", Err: err}, Resource: "database"}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &ResourceError{EventStoreError: EventStoreError{Op: "query", Err: err}, Resource: "database"}
	}
	return events, nil
}

// queryTx is Query's transaction-scoped counterpart, used by
// txEventStore so a command handler's reads inside ExecuteInTransaction
// observe that transaction's own uncommitted writes.
func queryTx(ctx context.Context, tx pgx.Tx, q Query, after *Cursor) ([]Event, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	sqlQuery, args := buildReadQuerySQL(q, after)
	rows, err := tx.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{EventStoreError: EventStoreError{Op: "query", Err: err}, Resource: "database"}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, &ResourceError{EventStoreError: EventStoreError{Op: "query", Err: err}, Resource: "database"}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &ResourceError{EventStoreError: EventStoreError{Op: "query", Err: err}, Resource: "database"}
	}
	return events, nil
}

// QueryStream streams matching events over a channel sized by
// EventStoreConfig.StreamBuffer, closing it (and the error channel) once
// the underlying rows are exhausted or ctx is canceled.
func (es *eventStore) QueryStream(ctx context.Context, q Query, after *Cursor) (<-chan Event, <-chan error) {
	out := make(chan Event, es.config.StreamBuffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if err := validateQuery(q); err != nil {
			errCh <- err
			return
		}

		sqlQuery, args := buildReadQuerySQL(q, after)
		rows, err := es.pool.Query(ctx, sqlQuery, args...)
		if err != nil {
			errCh <- &ResourceError{EventStoreError: EventStoreError{Op: "queryStream", Err: err}, Resource: "database"}
			return
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				errCh <- &ResourceError{EventStoreError: EventStoreError{Op: "queryStream", Err: err}, Resource: "database"}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- &ResourceError{EventStoreError: EventStoreError{Op: "queryStream", Err: err}, Resource: "database"}
		}
	}()

	return out, errCh
}
