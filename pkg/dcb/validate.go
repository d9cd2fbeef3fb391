package dcb

import "fmt"

func validateEvents(events []InputEvent, maxBatchSize int) error {
	if len(events) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("events must not be empty")},
			Field:           "events", Value: "empty",
		}
	}
	if len(events) > maxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("batch size %d exceeds maximum of %d", len(events), maxBatchSize)},
			Field:           "events", Value: fmt.Sprintf("count:%d", len(events)),
		}
	}
	for i, e := range events {
		if e.Type() == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has empty type", i)},
				Field:           "type", Value: "empty",
			}
		}
		seen := make(map[string]bool, len(e.Tags()))
		for _, t := range e.Tags() {
			if t.Key == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has tag with empty key", i)},
					Field:           "tag.key", Value: "empty",
				}
			}
			if seen[t.Key] {
				return &ValidationError{
					EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has duplicate tag key %q", i, t.Key)},
					Field:           "tag.key", Value: t.Key,
				}
			}
			seen[t.Key] = true
		}
	}
	return nil
}

func validateQuery(q Query) error {
	if q == nil || len(q.Items()) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "query", Err: fmt.Errorf("query must contain at least one item")},
			Field:           "query", Value: "empty",
		}
	}
	return nil
}
