package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcb-platform/dcb-core/pkg/dcb"
)

func TestKeyString(t *testing.T) {
	k := Key{Topic: "enrollments", Publisher: "kafka"}
	assert.Equal(t, "enrollments::kafka", k.String())
}

func TestPredicateQueryCarriesRequiredTagsAndTypes(t *testing.T) {
	p := Predicate{
		EventTypes:   []string{"StudentEnrolled"},
		RequiredTags: dcb.NewTags("course_id", "CS101"),
	}
	q := predicateQuery(p)
	require.Len(t, q.Items(), 1)
	assert.Equal(t, []string{"StudentEnrolled"}, q.Items()[0].EventTypes())
	assert.Equal(t, dcb.NewTags("course_id", "CS101"), q.Items()[0].Tags())
}

func TestMatchesAnyOfTags(t *testing.T) {
	p := Predicate{AnyOfTags: dcb.NewTags("priority", "high", "priority", "urgent")}
	ev := dcb.Event{Tags: dcb.NewTags("priority", "urgent")}
	assert.True(t, matches(p, ev))

	other := dcb.Event{Tags: dcb.NewTags("priority", "low")}
	assert.False(t, matches(p, other))
}

func TestMatchesExactTagValues(t *testing.T) {
	p := Predicate{ExactTagValues: map[string]string{"region": "eu"}}
	assert.True(t, matches(p, dcb.Event{Tags: dcb.NewTags("region", "eu")}))
	assert.False(t, matches(p, dcb.Event{Tags: dcb.NewTags("region", "us")}))
}

type recordingPublisher struct {
	mode      PreferredMode
	published []dcb.Event
	calls     int
}

func (r *recordingPublisher) Publish(ctx context.Context, topic string, events []dcb.Event) error {
	r.calls++
	r.published = append(r.published, events...)
	return nil
}

func (r *recordingPublisher) Name() string                { return "recording" }
func (r *recordingPublisher) PreferredMode() PreferredMode { return r.mode }
func (r *recordingPublisher) IsHealthy() bool              { return true }

func TestHandlerFiltersBeforePublishing(t *testing.T) {
	pub := &recordingPublisher{}
	h := &handler{
		key:       Key{Topic: "enrollments", Publisher: "kafka"},
		predicate: Predicate{ExactTagValues: map[string]string{"region": "eu"}},
		publisher: pub,
	}

	batch := []dcb.Event{
		{ID: "evt_1", Tags: dcb.NewTags("region", "eu")},
		{ID: "evt_2", Tags: dcb.NewTags("region", "us")},
	}

	require.NoError(t, h.Handle(context.Background(), batch))
	require.Len(t, pub.published, 1)
	assert.Equal(t, "evt_1", pub.published[0].ID)
}

func TestHandlerSkipsPublishWhenNothingMatches(t *testing.T) {
	pub := &recordingPublisher{}
	h := &handler{
		key:       Key{Topic: "enrollments", Publisher: "kafka"},
		predicate: Predicate{ExactTagValues: map[string]string{"region": "eu"}},
		publisher: pub,
	}

	batch := []dcb.Event{{ID: "evt_1", Tags: dcb.NewTags("region", "us")}}
	require.NoError(t, h.Handle(context.Background(), batch))
	assert.Empty(t, pub.published)
}

func TestHandlerDispatchesOneAtATimeForIndividualMode(t *testing.T) {
	pub := &recordingPublisher{mode: ModeIndividual}
	h := &handler{
		key:       Key{Topic: "enrollments", Publisher: "webhook"},
		predicate: Predicate{},
		publisher: pub,
	}

	batch := []dcb.Event{
		{ID: "evt_1", Tags: dcb.NewTags("region", "eu")},
		{ID: "evt_2", Tags: dcb.NewTags("region", "us")},
	}

	require.NoError(t, h.Handle(context.Background(), batch))
	assert.Equal(t, 2, pub.calls)
	require.Len(t, pub.published, 2)
}
