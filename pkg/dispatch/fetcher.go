package dispatch

import (
	"context"

	"github.com/dcb-platform/dcb-core/pkg/dcb"
)

// Fetcher retrieves the next batch of events a processor of key K should
// see, strictly after the processor's last recorded cursor, capped at
// limit events. Outbox and view adapters each supply their own
// implementation over a Query built from the key's routing predicate.
type Fetcher[K any] interface {
	FetchBatch(ctx context.Context, key K, after dcb.Cursor, limit int) ([]dcb.Event, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc[K any] func(ctx context.Context, key K, after dcb.Cursor, limit int) ([]dcb.Event, error)

func (f FetcherFunc[K]) FetchBatch(ctx context.Context, key K, after dcb.Cursor, limit int) ([]dcb.Event, error) {
	return f(ctx, key, after, limit)
}

// StoreFetcher builds a Fetcher over an EventStore, resolving each key's
// Query lazily via queryFor — outbox topics and view subscriptions both
// reduce to "which query does this key subscribe to".
func StoreFetcher[K any](store dcb.EventStore, queryFor func(K) dcb.Query) Fetcher[K] {
	return FetcherFunc[K](func(ctx context.Context, key K, after dcb.Cursor, limit int) ([]dcb.Event, error) {
		events, err := store.Query(ctx, queryFor(key), &after)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		return events, nil
	})
}
