package dcb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func event(typ string, tags []Tag, pos int64) Event {
	return Event{
		ID:            "evt_test",
		Type:          typ,
		Tags:          tags,
		TransactionID: 1,
		Position:      pos,
		OccurredAt:    time.Unix(0, 0),
	}
}

func TestQueryMatchesRequiresAllTags(t *testing.T) {
	q := NewQuery(NewTags("course_id", "CS101"), "CourseDefined")

	ev := event("CourseDefined", NewTags("course_id", "CS101", "section", "A"), 1)
	assert.True(t, queryMatches(q, ev))

	other := event("CourseDefined", NewTags("course_id", "CS102"), 2)
	assert.False(t, queryMatches(q, other))
}

func TestQueryMatchesAnyEventTypeWhenUnset(t *testing.T) {
	q := NewQuery(NewTags("course_id", "CS101"))
	ev := event("CapacityChanged", NewTags("course_id", "CS101"), 1)
	assert.True(t, queryMatches(q, ev))
}

func TestCombineProjectorQueriesUnionsItems(t *testing.T) {
	p1 := BatchProjector{ID: "a", StateProjector: StateProjector{Query: NewQuery(NewTags("course_id", "CS101"), "CourseDefined")}}
	p2 := BatchProjector{ID: "b", StateProjector: StateProjector{Query: NewQuery(NewTags("course_id", "CS101"), "CapacityChanged")}}

	combined := CombineProjectorQueries([]BatchProjector{p1, p2})
	assert.Len(t, combined.Items(), 2)
}

func TestCombineProjectorQueriesEmptyYieldsQueryAll(t *testing.T) {
	combined := CombineProjectorQueries(nil)
	assert.Len(t, combined.Items(), 1)
	assert.Empty(t, combined.Items()[0].EventTypes())
	assert.Empty(t, combined.Items()[0].Tags())
}
