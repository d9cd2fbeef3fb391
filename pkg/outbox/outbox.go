// Package outbox routes committed events to external publishers by tag
// predicate, at-least-once, using the generic dispatch runtime.
package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dcb-platform/dcb-core/pkg/dcb"
	"github.com/dcb-platform/dcb-core/pkg/dispatch"
)

// Predicate selects which events a topic carries. An event matches if it
// carries every tag in RequiredTags, at least one tag in AnyOfTags (when
// non-empty), every key/value pair in ExactTagValues, and its type is one
// of EventTypes (when non-empty).
type Predicate struct {
	EventTypes     []string
	RequiredTags   []dcb.Tag
	AnyOfTags      []dcb.Tag
	ExactTagValues map[string]string
}

// TopicConfig names one outbox topic and the predicate routing events
// onto it.
type TopicConfig struct {
	Topic     string
	Predicate Predicate
}

// Key identifies one (topic, publisher) progress stream: the unit a
// ProgressTracker advances independently, since two publishers on the
// same topic must each see every matching event at least once.
type Key struct {
	Topic     string
	Publisher string
}

func (k Key) String() string { return k.Topic + "::" + k.Publisher }

// PreferredMode tells Handle whether a Publisher wants its batch
// delivered in one call or one event at a time.
type PreferredMode int

const (
	// ModeBatch delivers every matching event in one Publish call.
	ModeBatch PreferredMode = iota
	// ModeIndividual delivers one Publish call per matching event.
	ModeIndividual
)

// Publisher delivers a batch of events for one topic to an external
// system. Implementations must be idempotent with respect to
// (event.TransactionID, event.Position): the runtime guarantees
// at-least-once, not exactly-once, delivery.
type Publisher interface {
	Publish(ctx context.Context, topic string, events []dcb.Event) error

	// Name identifies the publisher. NewAdapter builds progress keys from
	// Binding.Name, not from this method.
	Name() string

	// PreferredMode selects how Handle dispatches a filtered batch: all
	// at once (ModeBatch), or one event per Publish call
	// (ModeIndividual) — for publishers that can't accept more than one
	// event per call (e.g. a one-message-per-request webhook).
	PreferredMode() PreferredMode

	// IsHealthy reports whether the publisher's downstream dependency
	// currently looks reachable. Handle does not yet act on this by
	// itself; it is surfaced for callers that want to skip or alert on
	// an unhealthy publisher before dispatching to it.
	IsHealthy() bool
}

// PublisherFunc adapts a plain function to Publisher, defaulting to
// ModeBatch and always-healthy — for publishers that don't need per-call
// batching control or a health check.
type PublisherFunc func(ctx context.Context, topic string, events []dcb.Event) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, events []dcb.Event) error {
	return f(ctx, topic, events)
}

func (f PublisherFunc) Name() string                { return "anonymous" }
func (f PublisherFunc) PreferredMode() PreferredMode { return ModeBatch }
func (f PublisherFunc) IsHealthy() bool              { return true }

// Binding attaches a Publisher to one topic, yielding one (topic,
// publisher) progress stream.
type Binding struct {
	Topic     TopicConfig
	Publisher Publisher
	Name      string
}

// predicateQuery renders a Predicate as the dcb.Query the fetcher reads
// with — a single QueryItem covering EventTypes+RequiredTags narrows the
// read at the database, and AnyOfTags/ExactTagValues are re-checked per
// event since they don't reduce to a single containment predicate.
func predicateQuery(p Predicate) dcb.Query {
	return dcb.NewQuery(p.RequiredTags, p.EventTypes...)
}

func matches(p Predicate, ev dcb.Event) bool {
	if len(p.AnyOfTags) > 0 {
		have := tagSet(ev)
		found := false
		for _, t := range p.AnyOfTags {
			if have[t.Key] == t.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(p.ExactTagValues) > 0 {
		have := tagSet(ev)
		for k, v := range p.ExactTagValues {
			if have[k] != v {
				return false
			}
		}
	}
	return true
}

func tagSet(ev dcb.Event) map[string]string {
	m := make(map[string]string, len(ev.Tags))
	for _, t := range ev.Tags {
		m[t.Key] = t.Value
	}
	return m
}

type handler struct {
	key       Key
	predicate Predicate
	publisher Publisher
}

func (h *handler) Key() Key { return h.key }

func (h *handler) Handle(ctx context.Context, batch []dcb.Event) error {
	filtered := batch[:0:0]
	for _, ev := range batch {
		if matches(h.predicate, ev) {
			filtered = append(filtered, ev)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	if h.publisher.PreferredMode() == ModeIndividual {
		for _, ev := range filtered {
			if err := h.publisher.Publish(ctx, h.key.Topic, []dcb.Event{ev}); err != nil {
				return err
			}
		}
		return nil
	}

	return h.publisher.Publish(ctx, h.key.Topic, filtered)
}

// NewAdapter builds the dispatch Runtime and the Handler set for
// bindings, reading progress from the outbox_topic_progress table and
// events from store. instanceID identifies this process in the
// progress row's leader_instance/leader_heartbeat columns.
func NewAdapter(pool *pgxpool.Pool, store dcb.EventStore, bindings []Binding, elector dispatch.LeaderElector, config dispatch.RuntimeConfig, log zerolog.Logger, instanceID string) (*dispatch.Runtime[Key], []dispatch.Handler[Key], error) {
	handlers := make([]dispatch.Handler[Key], 0, len(bindings))
	for _, b := range bindings {
		if b.Publisher == nil {
			return nil, nil, fmt.Errorf("outbox: binding %q has no publisher", b.Topic.Topic)
		}
		handlers = append(handlers, &handler{
			key:       Key{Topic: b.Topic.Topic, Publisher: b.Name},
			predicate: b.Topic.Predicate,
			publisher: b.Publisher,
		})
	}

	queryFor := func(k Key) dcb.Query {
		for _, b := range bindings {
			if b.Topic.Topic == k.Topic {
				return predicateQuery(b.Topic.Predicate)
			}
		}
		return dcb.NewQueryAll()
	}

	fetcher := dispatch.StoreFetcher(store, queryFor)
	tracker := dispatch.NewProgressTracker(pool, "outbox_topic_progress", Key.String, "leader_instance", "leader_heartbeat")

	return dispatch.NewRuntime(fetcher, tracker, elector, config, log, instanceID), handlers, nil
}
