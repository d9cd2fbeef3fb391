package dcb

import "context"

// Project reads the union of all projectors' queries once, folds each
// matching event into every projector whose query it satisfies, and
// returns the resulting states keyed by projector ID alongside an
// AppendCondition anchored at the highest cursor observed — the
// decision-model pattern a CommandHandler uses to close the read/decide/
// write loop against a single consistency boundary.
func (es *eventStore) Project(ctx context.Context, projectors []BatchProjector) (map[string]any, AppendCondition, error) {
	if len(projectors) == 0 {
		return map[string]any{}, NewAppendCondition(NewQueryAll()), nil
	}

	combined := CombineProjectorQueries(projectors)

	events, err := es.Query(ctx, combined, nil)
	if err != nil {
		return nil, nil, err
	}

	states := make(map[string]any, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
	}

	var last Cursor
	for _, ev := range events {
		cur := ev.Cursor()
		if last.Before(cur) {
			last = cur
		}
		for _, p := range projectors {
			if !queryMatches(p.Query, ev) {
				continue
			}
			states[p.ID] = p.TransitionFn(states[p.ID], ev)
		}
	}

	cond := WithAfter(NewAppendCondition(combined), last)
	return states, cond, nil
}

// CombineProjectorQueries OR-combines every projector's query into one,
// so a single read covers the decision model for all of them at once.
func CombineProjectorQueries(projectors []BatchProjector) Query {
	items := make([]QueryItem, 0, len(projectors))
	for _, p := range projectors {
		if p.Query == nil {
			continue
		}
		items = append(items, p.Query.Items()...)
	}
	if len(items) == 0 {
		return NewQueryAll()
	}
	return NewQueryFromItems(items...)
}

// queryMatches reports whether ev satisfies any QueryItem of q: its type
// is one of the item's event types (if any) and it carries all of the
// item's tags (if any).
func queryMatches(q Query, ev Event) bool {
	if q == nil {
		return false
	}
	for _, item := range q.Items() {
		if matchesItem(item, ev) {
			return true
		}
	}
	return false
}

func matchesItem(item QueryItem, ev Event) bool {
	if types := item.EventTypes(); len(types) > 0 {
		found := false
		for _, t := range types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if tags := item.Tags(); len(tags) > 0 {
		have := make(map[string]string, len(ev.Tags))
		for _, t := range ev.Tags {
			have[t.Key] = t.Value
		}
		for _, t := range tags {
			if have[t.Key] != t.Value {
				return false
			}
		}
	}
	return true
}
