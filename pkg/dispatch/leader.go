// Package dispatch implements the generic asynchronous dispatch engine:
// single-leader election, per-processor progress tracking, batch
// fetching, and the scheduler that drives outbox publishers and view
// projectors through their poll-lease-handle-advance cycle.
package dispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// LeadershipState is emitted on a LeaderElector's event channel whenever
// leadership is gained or lost.
type LeadershipState int

const (
	StateFollower LeadershipState = iota
	StateLeader
)

// LeaderElector holds a single Postgres session-scoped advisory lock for
// as long as the process runs, granting exclusive leadership of one
// logical group of processors. Loss of the underlying connection
// releases the lock automatically — no heartbeat or timeout is needed.
type LeaderElector interface {
	// Campaign starts (or resumes) trying to acquire leadership and
	// returns a channel of state transitions. The channel is closed when
	// ctx is canceled.
	Campaign(ctx context.Context) <-chan LeadershipState

	// IsLeader reports the last known leadership state.
	IsLeader() bool
}

type leaderElector struct {
	pool      *pgxpool.Pool
	lockKey   int64
	retryWait time.Duration
	log       zerolog.Logger

	isLeader bool
}

// NewLeaderElector builds a LeaderElector that campaigns for the
// advisory lock identified by lockKey, retrying every retryWait while
// not leading.
func NewLeaderElector(pool *pgxpool.Pool, lockKey int64, retryWait time.Duration, log zerolog.Logger) LeaderElector {
	if retryWait <= 0 {
		retryWait = 2 * time.Second
	}
	return &leaderElector{pool: pool, lockKey: lockKey, retryWait: retryWait, log: log}
}

func (le *leaderElector) IsLeader() bool { return le.isLeader }

func (le *leaderElector) Campaign(ctx context.Context) <-chan LeadershipState {
	out := make(chan LeadershipState, 1)

	go func() {
		defer close(out)

		var conn *pgxpool.Conn
		defer func() {
			if conn != nil {
				conn.Release()
			}
		}()

		ticker := time.NewTicker(le.retryWait)
		defer ticker.Stop()

		for {
			if conn == nil {
				c, err := le.pool.Acquire(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					le.log.Warn().Err(err).Msg("leader election: failed to acquire connection")
					select {
					case <-ticker.C:
						continue
					case <-ctx.Done():
						return
					}
				}
				conn = c
			}

			var acquired bool
			err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, le.lockKey).Scan(&acquired)
			if err != nil {
				le.log.Warn().Err(err).Msg("leader election: lock attempt failed, dropping connection")
				conn.Release()
				conn = nil
				le.transition(out, false)
				select {
				case <-ticker.C:
					continue
				case <-ctx.Done():
					return
				}
			}

			if acquired {
				le.log.Info().Msg("became_leader")
				le.transition(out, true)
				le.holdUntilLost(ctx, conn)
				le.log.Warn().Msg("lost_leadership")
				le.transition(out, false)
				if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, le.lockKey); err != nil {
					le.log.Warn().Err(err).Msg("leader election: unlock failed")
				}
				conn.Release()
				conn = nil
				if ctx.Err() != nil {
					return
				}
				continue
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// holdUntilLost blocks on the held connection until ctx is canceled or
// the connection breaks. A broken connection releases the session-scoped
// advisory lock on the Postgres side; after a cancellation Campaign
// unlocks it explicitly before returning the connection to the pool.
func (le *leaderElector) holdUntilLost(ctx context.Context, conn *pgxpool.Conn) {
	ticker := time.NewTicker(le.retryWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Conn().Ping(ctx); err != nil {
				return
			}
		}
	}
}

func (le *leaderElector) transition(out chan<- LeadershipState, leader bool) {
	le.isLeader = leader
	state := StateFollower
	if leader {
		state = StateLeader
	}
	select {
	case out <- state:
	default:
	}
}
