package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.jetify.com/typeid"
)

// conditionPayload is the JSON shape handed to the append_events_with_condition
// stored function; it mirrors the DCB semantics described in the event
// store's AppendCondition contract, not any Go-side type.
type conditionPayload struct {
	StateChangedSQL      string `json:"state_changed_sql,omitempty"`
	AlreadyExistsSQL     string `json:"already_exists_sql,omitempty"`
	AlreadyExistsLockKey string `json:"already_exists_lock_key,omitempty"`
	AfterTxID            uint64 `json:"after_tx_id,omitempty"`
	AfterPosition        int64  `json:"after_position,omitempty"`
}

// alreadyExistsLockKey derives a transaction-scoped advisory lock key from
// the sorted, deduplicated union of an already-exists query's tags, so two
// concurrent AppendIf calls racing on the same idempotency key serialize on
// the idempotency check instead of both passing it.
func alreadyExistsLockKey(q Query) string {
	if q == nil {
		return ""
	}
	seen := make(map[string]struct{})
	var keys []string
	for _, item := range q.Items() {
		for _, t := range item.Tags() {
			kv := t.Key + "=" + t.Value
			if _, ok := seen[kv]; !ok {
				seen[kv] = struct{}{}
				keys = append(keys, kv)
			}
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

type functionResult struct {
	Success       bool   `json:"success"`
	Idempotent    bool   `json:"idempotent"`
	TransactionID uint64 `json:"transaction_id"`
	Position      int64  `json:"position"`
	Message       string `json:"message"`
}

// Append unconditionally persists events via the append_events_batch
// stored function, one round trip regardless of batch size.
func (es *eventStore) Append(ctx context.Context, events []InputEvent) (Cursor, error) {
	if err := validateEvents(events, es.config.MaxBatchSize); err != nil {
		return Cursor{}, err
	}

	ctx, cancel := es.withTimeout(ctx, es.config.AppendTimeoutMs)
	defer cancel()

	ids, types, tags, data, causation, correlation, err := encodeEventBatch(events)
	if err != nil {
		return Cursor{}, &ResourceError{EventStoreError: EventStoreError{Op: "append", Err: err}, Resource: "typeid"}
	}

	var result functionResult
	var raw []byte
	err = es.pool.QueryRow(ctx, `SELECT append_events_batch($1, $2, $3, $4, $5, $6)`,
		ids, types, tags, data, causation, correlation).Scan(&raw)
	if err != nil {
		return Cursor{}, classifyAppendError(err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("malformed function result: %w", err)},
			Resource:        "database",
		}
	}
	return Cursor{TransactionID: result.TransactionID, Position: result.Position}, nil
}

// AppendIf persists events only if cond's StateChanged query matches
// nothing after cond.After, first checking cond.AlreadyExists (if set) to
// turn a repeat call into an IdempotencyError rather than a write.
func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, cond AppendCondition) (Cursor, error) {
	if err := validateEvents(events, es.config.MaxBatchSize); err != nil {
		return Cursor{}, err
	}
	if cond == nil || cond.StateChanged() == nil {
		return Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("append condition must specify a state-changed query")},
			Field:           "condition", Value: "nil",
		}
	}

	payload := conditionPayload{
		StateChangedSQL: encodeQuery(cond.StateChanged()),
	}
	if cond.AlreadyExists() != nil {
		payload.AlreadyExistsSQL = encodeQuery(cond.AlreadyExists())
		payload.AlreadyExistsLockKey = alreadyExistsLockKey(cond.AlreadyExists())
	}
	if after := cond.After(); after != nil {
		payload.AfterTxID = after.TransactionID
		payload.AfterPosition = after.Position
	}

	conditionJSON, err := json.Marshal(payload)
	if err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("failed to marshal condition: %w", err)},
			Resource:        "json",
		}
	}

	ctx, cancel := es.withTimeout(ctx, es.config.AppendTimeoutMs)
	defer cancel()

	ids, types, tags, data, causation, correlation, err := encodeEventBatch(events)
	if err != nil {
		return Cursor{}, &ResourceError{EventStoreError: EventStoreError{Op: "appendIf", Err: err}, Resource: "typeid"}
	}

	var raw []byte
	err = es.pool.QueryRow(ctx, `SELECT append_events_with_condition($1, $2, $3, $4, $5, $6, $7)`,
		ids, types, tags, data, causation, correlation, conditionJSON).Scan(&raw)
	if err != nil {
		return Cursor{}, classifyAppendError(err)
	}

	var result functionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("malformed function result: %w", err)},
			Resource:        "database",
		}
	}

	if result.Idempotent {
		return Cursor{TransactionID: result.TransactionID, Position: result.Position}, &IdempotencyError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("already_exists query matched: %s", result.Message)},
		}
	}
	if !result.Success {
		return Cursor{}, &ConcurrencyError{
			EventStoreError:    EventStoreError{Op: "appendIf", Err: fmt.Errorf("append condition violated: %s", result.Message)},
			AfterTransactionID: payload.AfterTxID,
			AfterPosition:      payload.AfterPosition,
		}
	}
	return Cursor{TransactionID: result.TransactionID, Position: result.Position}, nil
}

// appendInTx runs the same append_events_batch/append_events_with_condition
// call as Append/AppendIf, but against an already-open transaction, so the
// command executor can write events and the commands-table row
// atomically.
func (es *eventStore) appendInTx(ctx context.Context, tx pgx.Tx, events []InputEvent, cond AppendCondition) (Cursor, error) {
	ids, types, tags, data, causation, correlation, err := encodeEventBatch(events)
	if err != nil {
		return Cursor{}, &ResourceError{EventStoreError: EventStoreError{Op: "appendInTx", Err: err}, Resource: "typeid"}
	}

	if cond == nil || cond.StateChanged() == nil {
		var raw []byte
		if err := tx.QueryRow(ctx, `SELECT append_events_batch($1, $2, $3, $4, $5, $6)`,
			ids, types, tags, data, causation, correlation).Scan(&raw); err != nil {
			return Cursor{}, classifyAppendError(err)
		}
		var result functionResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return Cursor{}, &ResourceError{EventStoreError: EventStoreError{Op: "appendInTx", Err: err}, Resource: "database"}
		}
		return Cursor{TransactionID: result.TransactionID, Position: result.Position}, nil
	}

	payload := conditionPayload{StateChangedSQL: encodeQuery(cond.StateChanged())}
	if cond.AlreadyExists() != nil {
		payload.AlreadyExistsSQL = encodeQuery(cond.AlreadyExists())
		payload.AlreadyExistsLockKey = alreadyExistsLockKey(cond.AlreadyExists())
	}
	if after := cond.After(); after != nil {
		payload.AfterTxID = after.TransactionID
		payload.AfterPosition = after.Position
	}
	conditionJSON, err := json.Marshal(payload)
	if err != nil {
		return Cursor{}, &ResourceError{EventStoreError: EventStoreError{Op: "appendInTx", Err: err}, Resource: "json"}
	}

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT append_events_with_condition($1, $2, $3, $4, $5, $6, $7)`,
		ids, types, tags, data, causation, correlation, conditionJSON).Scan(&raw); err != nil {
		return Cursor{}, classifyAppendError(err)
	}
	var result functionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Cursor{}, &ResourceError{EventStoreError: EventStoreError{Op: "appendInTx", Err: err}, Resource: "database"}
	}
	if result.Idempotent {
		return Cursor{TransactionID: result.TransactionID, Position: result.Position}, &IdempotencyError{
			EventStoreError: EventStoreError{Op: "appendInTx", Err: fmt.Errorf("already_exists query matched: %s", result.Message)},
		}
	}
	if !result.Success {
		return Cursor{}, &ConcurrencyError{EventStoreError: EventStoreError{Op: "appendInTx", Err: fmt.Errorf("append condition violated: %s", result.Message)}}
	}
	return Cursor{TransactionID: result.TransactionID, Position: result.Position}, nil
}

// encodeEventBatch columnizes events for the append_events_* stored
// functions and assigns each event its id up front in Go, via a
// TypeID prefixed "evt" — the stored function no longer generates ids
// itself, so a batch's causation/correlation chain (every event in a
// batch points back at the batch's first event) can be computed here
// instead of inside the PL/pgSQL loop. data is passed as text (not
// bytea) because the function parameter is text[], each element cast to
// jsonb inside the function body — pgx's implicit bytea encoding for
// []byte would otherwise fight a jsonb[] parameter type.
func encodeEventBatch(events []InputEvent) (ids, types, tags, data, causationIDs, correlationIDs []string, err error) {
	ids = make([]string, len(events))
	types = make([]string, len(events))
	tags = make([]string, len(events))
	data = make([]string, len(events))
	causationIDs = make([]string, len(events))
	correlationIDs = make([]string, len(events))

	var firstID string
	for i, e := range events {
		tid, tidErr := typeid.WithPrefix("evt")
		if tidErr != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("generate event id: %w", tidErr)
		}
		ids[i] = tid.String()
		if i == 0 {
			firstID = ids[i]
		}

		types[i] = e.Type()
		tags[i] = encodeTagsArrayLiteral(TagsToArray(e.Tags()))
		data[i] = string(e.Data())
		if i > 0 {
			causationIDs[i] = firstID
		}
		correlationIDs[i] = firstID
	}
	return ids, types, tags, data, causationIDs, correlationIDs, nil
}

// encodeTagsArrayLiteral renders tags as a Postgres text[] array literal,
// quoting each element so "=" and "," survive the round trip.
func encodeTagsArrayLiteral(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	quoted := make([]string, len(tags))
	for i, t := range tags {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// encodeQuery renders a Query as the WHERE-clause fragment the stored
// function evaluates against the events table, reusing the same
// tags-containment/type-membership shape buildReadQuerySQL uses for
// ordinary reads.
func encodeQuery(q Query) string {
	items := q.Items()
	orParts := make([]string, 0, len(items))
	for _, item := range items {
		andParts := make([]string, 0, 2)
		if types := item.EventTypes(); len(types) > 0 {
			andParts = append(andParts, "type = ANY("+quotedTextArrayLiteral(types)+"::text[])")
		}
		if tags := item.Tags(); len(tags) > 0 {
			andParts = append(andParts, "tags @> "+quotedTextArrayLiteral(TagsToArray(tags))+"::text[]")
		}
		if len(andParts) == 0 {
			orParts = append(orParts, "TRUE")
			continue
		}
		orParts = append(orParts, "("+strings.Join(andParts, " AND ")+")")
	}
	if len(orParts) == 0 {
		return "TRUE"
	}
	return "(" + strings.Join(orParts, " OR ") + ")"
}

func quotedTextArrayLiteral(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = `'` + strings.ReplaceAll(v, `'`, `''`) + `'`
	}
	return "ARRAY[" + strings.Join(quoted, ",") + "]"
}

// classifyAppendError maps the custom SQLSTATEs the append_events_*
// stored functions raise onto this package's error taxonomy. DCB01 is a
// concurrency violation (StateChanged matched); all other Postgres
// errors surface as ResourceError.
func classifyAppendError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "DCB01" {
		return &ConcurrencyError{EventStoreError: EventStoreError{Op: "append", Err: err}}
	}
	if strings.Contains(err.Error(), "append condition violated") {
		return &ConcurrencyError{EventStoreError: EventStoreError{Op: "append", Err: err}}
	}
	return &ResourceError{
		EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("failed to append events: %w", err)},
		Resource:        "database",
	}
}
