package dcb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// command is the concrete, unexported Command.
type command struct {
	cmdType  string
	data     []byte
	metadata map[string]any
}

func (command) isCommand() {}

func (c command) Type() string            { return c.cmdType }
func (c command) Data() []byte            { return c.data }
func (c command) Metadata() map[string]any { return c.metadata }

// Command is the opaque input to a CommandHandler. Build with NewCommand.
type Command interface {
	isCommand()
	Type() string
	Data() []byte
	Metadata() map[string]any
}

// NewCommand builds a Command. data must be a valid JSON document.
func NewCommand(cmdType string, data []byte, metadata map[string]any) Command {
	return command{cmdType: cmdType, data: data, metadata: metadata}
}

// CommandHandler decides which events a Command produces. It may read
// the store (Query/Project) but must not append — the executor performs
// the append, inside the same transaction the commands-table row is
// written in, so a handler never has to reason about partial commits.
type CommandHandler interface {
	Handle(ctx context.Context, store EventStore, cmd Command) ([]InputEvent, error)
}

// CommandHandlerFunc adapts a plain function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, store EventStore, cmd Command) ([]InputEvent, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, store EventStore, cmd Command) ([]InputEvent, error) {
	return f(ctx, store, cmd)
}

// ExecutionResult is what ExecuteCommand/ExecuteCommandWithLocks return
// on success. WasIdempotent is true when the append was skipped because
// an already_exists query matched: a positive outcome, not a failure —
// no events were emitted and no commands-table row was stored.
type ExecutionResult struct {
	Events        []InputEvent
	Cursor        Cursor
	WasIdempotent bool
}

// CommandExecutor runs the read-decide-write loop for a Command: the
// handler decides the events, the executor appends them under cond (if
// supplied) and records a commands-table row in the same transaction.
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, cmd Command, handler CommandHandler, cond AppendCondition) (ExecutionResult, error)

	// ExecuteCommandWithLocks additionally serializes concurrent
	// executions that share a lock key via pg_advisory_xact_lock before
	// invoking the handler — for business rules (e.g. capacity limits)
	// that AppendCondition's query-based check alone can't express
	// without first forcing out other in-flight writers.
	ExecuteCommandWithLocks(ctx context.Context, cmd Command, handler CommandHandler, cond AppendCondition, lockKeys []string) (ExecutionResult, error)
}

type commandExecutor struct {
	store *eventStore
}

// NewCommandExecutor builds a CommandExecutor over store, which must be
// the concrete implementation NewEventStore returns.
func NewCommandExecutor(store EventStore) (CommandExecutor, error) {
	es, ok := store.(*eventStore)
	if !ok {
		return nil, fmt.Errorf("dcb: NewCommandExecutor requires the built-in EventStore implementation")
	}
	return &commandExecutor{store: es}, nil
}

func (ce *commandExecutor) ExecuteCommand(ctx context.Context, cmd Command, handler CommandHandler, cond AppendCondition) (ExecutionResult, error) {
	return ce.execute(ctx, cmd, handler, cond, nil)
}

func (ce *commandExecutor) ExecuteCommandWithLocks(ctx context.Context, cmd Command, handler CommandHandler, cond AppendCondition, lockKeys []string) (ExecutionResult, error) {
	return ce.execute(ctx, cmd, handler, cond, lockKeys)
}

func (ce *commandExecutor) execute(ctx context.Context, cmd Command, handler CommandHandler, cond AppendCondition, lockKeys []string) (ExecutionResult, error) {
	if cmd == nil {
		return ExecutionResult{}, &ValidationError{EventStoreError: EventStoreError{Op: "executeCommand", Err: fmt.Errorf("command must not be nil")}, Field: "command", Value: "nil"}
	}
	if handler == nil {
		return ExecutionResult{}, &ValidationError{EventStoreError: EventStoreError{Op: "executeCommand", Err: fmt.Errorf("handler must not be nil")}, Field: "handler", Value: "nil"}
	}

	events, err := handler.Handle(ctx, ce.store, cmd)
	if err != nil {
		return ExecutionResult{}, &DomainError{EventStoreError: EventStoreError{Op: "executeCommand", Err: err}, CommandType: cmd.Type()}
	}
	if err := validateEvents(events, ce.store.config.MaxBatchSize); err != nil {
		return ExecutionResult{}, err
	}
	for _, e := range events {
		for _, t := range e.Tags() {
			if strings.HasPrefix(t.Key, "lock:") {
				return ExecutionResult{}, &ValidationError{
					EventStoreError: EventStoreError{Op: "executeCommand", Err: fmt.Errorf("event tags must not use the reserved lock: prefix")},
					Field:           "tag.key", Value: t.Key,
				}
			}
		}
	}

	sortedKeys := append([]string(nil), lockKeys...)
	sort.Strings(sortedKeys)

	var result ExecutionResult
	err = ce.store.ExecuteInTransaction(ctx, func(ctx context.Context, txStore TxEventStore) error {
		ts, ok := txStore.(*txEventStore)
		if !ok {
			return fmt.Errorf("dcb: unexpected TxEventStore implementation")
		}

		for _, key := range sortedKeys {
			if _, err := ts.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
				return &ResourceError{EventStoreError: EventStoreError{Op: "executeCommand", Err: err}, Resource: "database"}
			}
		}

		cursor, err := ts.appendConditional(ctx, events, cond)
		if err != nil {
			// The idempotency check is caught at exactly this one
			// point and translated into a positive outcome: no
			// events re-emitted, no commands row stored, no error
			// bubbled up to the caller.
			if IsIdempotencyError(err) {
				result = ExecutionResult{Cursor: cursor, WasIdempotent: true}
				return nil
			}
			return err
		}

		if err := ts.StoreCommand(ctx, CommandRecord{Type: cmd.Type(), Data: cmd.Data(), Metadata: cmd.Metadata()}); err != nil {
			return err
		}

		result = ExecutionResult{Events: events, Cursor: cursor}
		return nil
	})
	if err != nil {
		return ExecutionResult{}, err
	}

	return result, nil
}

func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelSerializable:
		return pgx.Serializable
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	default:
		return pgx.ReadCommitted
	}
}
