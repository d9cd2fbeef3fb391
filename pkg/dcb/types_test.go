package dcb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagsRoundTrip(t *testing.T) {
	tags := NewTags("course_id", "CS101", "section", "A")
	require.Len(t, tags, 2)

	arr := TagsToArray(tags)
	assert.Equal(t, []string{"course_id=CS101", "section=A"}, arr)

	back := ParseTagsArray(arr)
	assert.Equal(t, tags, back)
}

func TestNewTagsOddArgsIsEmpty(t *testing.T) {
	assert.Empty(t, NewTags("course_id"))
}

func TestCursorBefore(t *testing.T) {
	a := Cursor{TransactionID: 1, Position: 5}
	b := Cursor{TransactionID: 1, Position: 6}
	c := Cursor{TransactionID: 2, Position: 1}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
	assert.False(t, c.Before(a))
}

func TestQueryItemAccessors(t *testing.T) {
	item := NewQueryItem([]string{"CourseDefined"}, NewTags("course_id", "CS101"))
	assert.Equal(t, []string{"CourseDefined"}, item.EventTypes())
	assert.Equal(t, NewTags("course_id", "CS101"), item.Tags())
}

func TestAppendConditionWithAfter(t *testing.T) {
	cond := NewAppendCondition(NewQuery(NewTags("course_id", "CS101")))
	assert.Nil(t, cond.After())

	anchored := WithAfter(cond, Cursor{TransactionID: 3, Position: 10})
	require.NotNil(t, anchored.After())
	assert.Equal(t, Cursor{TransactionID: 3, Position: 10}, *anchored.After())
}
