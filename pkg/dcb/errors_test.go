package dcb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHelpersClassifyTheirOwnType(t *testing.T) {
	cases := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"validation", &ValidationError{EventStoreError: EventStoreError{Op: "append"}}, IsValidationError},
		{"concurrency", &ConcurrencyError{EventStoreError: EventStoreError{Op: "appendIf"}}, IsConcurrencyError},
		{"idempotency", &IdempotencyError{EventStoreError: EventStoreError{Op: "appendIf"}}, IsIdempotencyError},
		{"domain", &DomainError{EventStoreError: EventStoreError{Op: "executeCommand"}}, IsDomainError},
		{"resource", &ResourceError{EventStoreError: EventStoreError{Op: "query"}}, IsResourceError},
		{"processor_failed", &ProcessorFailed{EventStoreError: EventStoreError{Op: "dispatch.runtime"}}, IsProcessorFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.is(tc.err))
		})
	}
}

func TestErrorHelpersRejectOtherTypes(t *testing.T) {
	err := &ValidationError{EventStoreError: EventStoreError{Op: "append"}}
	assert.False(t, IsConcurrencyError(err))
	assert.False(t, IsDomainError(err))
}

func TestEventStoreErrorUnwraps(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := &ResourceError{EventStoreError: EventStoreError{Op: "query", Err: cause}, Resource: "database"}

	ve, ok := GetResourceError(err)
	assert.True(t, ok)
	assert.Equal(t, "database", ve.Resource)
	assert.ErrorIs(t, err, cause)
}

func TestGetHelpersReturnFalseForWrongType(t *testing.T) {
	err := &DomainError{EventStoreError: EventStoreError{Op: "executeCommand"}, CommandType: "EnrollStudent"}
	_, ok := GetConcurrencyError(err)
	assert.False(t, ok)
}
