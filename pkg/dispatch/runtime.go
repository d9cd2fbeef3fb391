package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dcb-platform/dcb-core/pkg/dcb"
)

// Handler is one unit of work the processor runtime drives: a named
// processor key plus the logic to apply a batch of events leased for it.
// Outbox publishers and view projectors both implement this.
type Handler[K any] interface {
	Key() K
	Handle(ctx context.Context, batch []dcb.Event) error
}

// RuntimeConfig tunes the per-processor polling cycle.
type RuntimeConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxEmptyBackoff time.Duration
	MaxErrorBackoff time.Duration
	ErrorThreshold  int
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxEmptyBackoff <= 0 {
		c.MaxEmptyBackoff = 30 * time.Second
	}
	if c.MaxErrorBackoff <= 0 {
		c.MaxErrorBackoff = time.Minute
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 10
	}
	return c
}

// Runtime schedules one goroutine per Handler, each on its own leased
// batch/handle/advance cycle, gated by a shared LeaderElector so only one
// process instance in a deployment drives any given processor key.
type Runtime[K any] struct {
	fetcher    Fetcher[K]
	tracker    ProgressTracker[K]
	elector    LeaderElector
	config     RuntimeConfig
	log        zerolog.Logger
	instanceID string
}

// NewRuntime builds a Runtime. elector may be nil, in which case every
// cycle runs unconditionally (single-instance deployments). instanceID
// identifies this process in the heartbeat column each cycle writes.
func NewRuntime[K any](fetcher Fetcher[K], tracker ProgressTracker[K], elector LeaderElector, config RuntimeConfig, log zerolog.Logger, instanceID string) *Runtime[K] {
	return &Runtime[K]{fetcher: fetcher, tracker: tracker, elector: elector, config: config.withDefaults(), log: log, instanceID: instanceID}
}

// Run drives every handler concurrently until ctx is canceled, returning
// the first handler goroutine's terminal error (an AutoRegister failure
// at start-up or a ProcessorFailed latch terminates a goroutine; errors
// inside a cycle are retried with backoff and never returned from Run).
func (r *Runtime[K]) Run(ctx context.Context, handlers []Handler[K]) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		h := h
		g.Go(func() error { return r.runOne(ctx, h) })
	}
	return g.Wait()
}

func (r *Runtime[K]) runOne(ctx context.Context, h Handler[K]) error {
	key := h.Key()
	if err := r.tracker.AutoRegister(ctx, key); err != nil {
		return err
	}

	emptyBackoff := backoff.NewExponentialBackOff()
	emptyBackoff.MaxInterval = r.config.MaxEmptyBackoff
	emptyBackoff.MaxElapsedTime = 0
	if emptyBackoff.InitialInterval > emptyBackoff.MaxInterval {
		emptyBackoff.InitialInterval = emptyBackoff.MaxInterval
	}
	emptyBackoff.Reset()

	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.MaxInterval = r.config.MaxErrorBackoff
	errBackoff.MaxElapsedTime = 0
	if errBackoff.InitialInterval > errBackoff.MaxInterval {
		errBackoff.InitialInterval = errBackoff.MaxInterval
	}
	errBackoff.Reset()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if r.elector != nil && !r.elector.IsLeader() {
			continue
		}

		status, err := r.tracker.GetStatus(ctx, key)
		if err != nil {
			r.log.Warn().Err(err).Msg("dispatch: failed to read processor status")
			continue
		}
		if status == StatusPaused || status == StatusFailed {
			continue
		}

		if done := r.cycle(ctx, h, key, emptyBackoff, errBackoff); done {
			return &dcb.ProcessorFailed{
				EventStoreError: dcb.EventStoreError{Op: "dispatch.runtime"},
			}
		}
	}
}

// cycle runs one lease/handle/advance pass and returns true if the
// processor just latched FAILED.
func (r *Runtime[K]) cycle(ctx context.Context, h Handler[K], key K, emptyBackoff, errBackoff *backoff.ExponentialBackOff) bool {
	cursor, err := r.tracker.GetLastPosition(ctx, key)
	if err != nil {
		return r.recordCycleError(ctx, key, err, errBackoff)
	}

	batch, err := r.fetcher.FetchBatch(ctx, key, cursor, r.config.BatchSize)
	if err != nil {
		return r.recordCycleError(ctx, key, err, errBackoff)
	}

	if len(batch) == 0 {
		if err := r.tracker.UpdateHeartbeat(ctx, key, r.instanceID); err != nil {
			r.log.Warn().Err(err).Msg("dispatch: failed to update heartbeat")
		}
		sleep(ctx, emptyBackoff.NextBackOff())
		return false
	}
	emptyBackoff.Reset()

	if err := h.Handle(ctx, batch); err != nil {
		return r.recordCycleError(ctx, key, err, errBackoff)
	}

	errBackoff.Reset()
	if err := r.tracker.ResetErrorCount(ctx, key); err != nil {
		r.log.Warn().Err(err).Msg("dispatch: failed to reset error count")
	}
	last := batch[len(batch)-1].Cursor()
	if err := r.tracker.UpdateProgress(ctx, key, last); err != nil {
		r.log.Warn().Err(err).Msg("dispatch: failed to advance progress")
	}
	if err := r.tracker.UpdateHeartbeat(ctx, key, r.instanceID); err != nil {
		r.log.Warn().Err(err).Msg("dispatch: failed to update heartbeat")
	}
	return false
}

// Tick runs exactly one lease/handle/advance cycle for key, outside the
// polling loop — the manual tick operation §6.4 exposes for operators
// (e.g. a CLI command) to force a processor forward without waiting for
// its next scheduled poll. It does not honor elector leadership or status
// gating: the caller is asking for one pass, right now. An empty or failed
// pass still waits one default backoff interval before Tick returns, and a
// failed pass returns an error only if it latched the processor FAILED.
func (r *Runtime[K]) Tick(ctx context.Context, h Handler[K]) error {
	key := h.Key()
	if err := r.tracker.AutoRegister(ctx, key); err != nil {
		return err
	}

	emptyBackoff := backoff.NewExponentialBackOff()
	errBackoff := backoff.NewExponentialBackOff()

	if r.cycle(ctx, h, key, emptyBackoff, errBackoff) {
		return &dcb.ProcessorFailed{
			EventStoreError: dcb.EventStoreError{Op: "dispatch.runtime.tick"},
		}
	}
	return nil
}

// recordCycleError records the failure, latching the processor FAILED
// once ErrorThreshold consecutive errors accumulate, and backs off
// before the next cycle regardless. Returns true iff it just latched.
func (r *Runtime[K]) recordCycleError(ctx context.Context, key K, cause error, errBackoff *backoff.ExponentialBackOff) bool {
	count, recErr := r.tracker.RecordError(ctx, key, cause)
	if recErr != nil {
		r.log.Error().Err(recErr).Msg("dispatch: failed to record processor error")
	}
	latched := false
	if count >= r.config.ErrorThreshold {
		if err := r.tracker.SetStatus(ctx, key, StatusFailed); err != nil {
			r.log.Error().Err(err).Msg("dispatch: failed to latch FAILED status")
		} else {
			latched = true
		}
		r.log.Error().Err(cause).Int("error_count", count).Msg("processor latched FAILED")
	} else {
		r.log.Warn().Err(cause).Int("error_count", count).Msg("processor cycle failed")
	}
	sleep(ctx, errBackoff.NextBackOff())
	return latched
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
