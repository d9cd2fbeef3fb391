package dcb

import "fmt"

// IsolationLevel mirrors the Postgres transaction isolation levels this
// package is willing to run appends and command handlers under.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "read_committed"
	case IsolationLevelRepeatableRead:
		return "repeatable_read"
	case IsolationLevelSerializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// ParseIsolationLevel parses the §6.5 config value for
// eventstore.transaction_isolation.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "read_committed":
		return IsolationLevelReadCommitted, nil
	case "repeatable_read":
		return IsolationLevelRepeatableRead, nil
	case "serializable":
		return IsolationLevelSerializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

// EventStoreConfig tunes the pgx-backed EventStore implementation. Zero
// values are replaced by DefaultEventStoreConfig's defaults in
// NewEventStoreWithConfig. PersistCommands is a *bool, not a bool: its
// default is true, and a plain bool's zero value can't tell "unset" apart
// from an explicit false.
type EventStoreConfig struct {
	MaxBatchSize           int
	LockTimeoutMs          int
	StreamBuffer           int
	DefaultAppendIsolation IsolationLevel
	QueryTimeoutMs         int
	AppendTimeoutMs        int
	PersistCommands        *bool
}

// DefaultEventStoreConfig returns the library defaults, grounded on the
// values the teacher's constructors.go hardcodes.
func DefaultEventStoreConfig() EventStoreConfig {
	persistCommands := true
	return EventStoreConfig{
		MaxBatchSize:           1000,
		LockTimeoutMs:          5000,
		StreamBuffer:           1000,
		DefaultAppendIsolation: IsolationLevelReadCommitted,
		QueryTimeoutMs:         15000,
		AppendTimeoutMs:        10000,
		PersistCommands:        &persistCommands,
	}
}

func (c EventStoreConfig) withDefaults() EventStoreConfig {
	d := DefaultEventStoreConfig()
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.LockTimeoutMs == 0 {
		c.LockTimeoutMs = d.LockTimeoutMs
	}
	if c.StreamBuffer == 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	if c.QueryTimeoutMs == 0 {
		c.QueryTimeoutMs = d.QueryTimeoutMs
	}
	if c.AppendTimeoutMs == 0 {
		c.AppendTimeoutMs = d.AppendTimeoutMs
	}
	if c.PersistCommands == nil {
		c.PersistCommands = d.PersistCommands
	}
	return c
}

// persistCommands reports whether StoreCommand should write a
// commands-table row, defaulting to true when unset.
func (c EventStoreConfig) persistCommands() bool {
	return c.PersistCommands == nil || *c.PersistCommands
}
