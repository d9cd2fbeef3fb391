//go:build slow

package integrationtest

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dcb-platform/dcb-core/pkg/dcb"
)

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

var _ = Describe("append_events_with_condition", func() {
	var store dcb.EventStore

	BeforeEach(func() {
		var err error
		store, err = dcb.NewEventStore(ctx, pool)
		Expect(err).NotTo(HaveOccurred())
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	It("rejects a second append once the watched query matches", func() {
		courseID := uuid.NewString()

		defined := dcb.NewInputEvent("CourseDefined",
			dcb.NewTags("course_id", courseID),
			marshal(map[string]any{"capacity": 1}))
		_, err := store.Append(ctx, []dcb.InputEvent{defined})
		Expect(err).NotTo(HaveOccurred())

		query := dcb.NewQuery(dcb.NewTags("course_id", courseID), "StudentSubscribed")
		_, _, err = store.Project(ctx, []dcb.BatchProjector{
			{ID: "subs", StateProjector: dcb.StateProjector{
				Query:        query,
				InitialState: 0,
				TransitionFn: func(state any, _ dcb.Event) any { return state },
			}},
		})
		Expect(err).NotTo(HaveOccurred())

		anchored := dcb.NewAppendCondition(query)
		_, err = store.AppendIf(ctx, []dcb.InputEvent{
			dcb.NewInputEvent("StudentSubscribed", dcb.NewTags("course_id", courseID, "student_id", uuid.NewString()), marshal(map[string]any{})),
		}, anchored)
		Expect(err).NotTo(HaveOccurred())

		_, err = store.AppendIf(ctx, []dcb.InputEvent{
			dcb.NewInputEvent("StudentSubscribed", dcb.NewTags("course_id", courseID, "student_id", uuid.NewString()), marshal(map[string]any{})),
		}, anchored)
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
	})

	It("treats an already_exists match as idempotent rather than an error", func() {
		requestID := uuid.NewString()
		courseID := uuid.NewString()

		existsQuery := dcb.NewQuery(dcb.NewTags("request_id", requestID), "StudentSubscribed")
		cond := dcb.NewAppendConditionWithIdempotency(dcb.NewQueryAll(), existsQuery)

		event := dcb.NewInputEvent("StudentSubscribed",
			dcb.NewTags("course_id", courseID, "request_id", requestID),
			marshal(map[string]any{}))

		_, err := store.AppendIf(ctx, []dcb.InputEvent{event}, cond)
		Expect(err).NotTo(HaveOccurred())

		_, err = store.AppendIf(ctx, []dcb.InputEvent{event}, cond)
		Expect(dcb.IsIdempotencyError(err)).To(BeTrue())

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("course_id", courseID), "StudentSubscribed"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("serializes concurrent appendIf calls sharing an already_exists tag set, exactly one wins", func() {
		requestID := uuid.NewString()
		courseID := uuid.NewString()

		existsQuery := dcb.NewQuery(dcb.NewTags("request_id", requestID), "StudentSubscribed")
		cond := dcb.NewAppendConditionWithIdempotency(dcb.NewQueryAll(), existsQuery)

		const attempts = 8
		var successes int32
		var idempotentHits int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start

				event := dcb.NewInputEvent("StudentSubscribed",
					dcb.NewTags("course_id", courseID, "request_id", requestID),
					marshal(map[string]any{}))

				_, err := store.AppendIf(ctx, []dcb.InputEvent{event}, cond)
				switch {
				case err == nil:
					atomic.AddInt32(&successes, 1)
				case dcb.IsIdempotencyError(err):
					atomic.AddInt32(&idempotentHits, 1)
				}
			}()
		}

		close(start)
		wg.Wait()

		Expect(successes).To(Equal(int32(1)))
		Expect(idempotentHits).To(Equal(int32(attempts - 1)))

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("course_id", courseID), "StudentSubscribed"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("chains causation and correlation back to the first event of a batch", func() {
		courseID := uuid.NewString()
		defined := dcb.NewInputEvent("CourseDefined", dcb.NewTags("course_id", courseID), marshal(map[string]any{}))
		capacity := dcb.NewInputEvent("CapacityChanged", dcb.NewTags("course_id", courseID), marshal(map[string]any{}))

		_, err := store.Append(ctx, []dcb.InputEvent{defined, capacity})
		Expect(err).NotTo(HaveOccurred())

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("course_id", courseID)), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))

		Expect(events[0].CausationID).To(BeEmpty())
		Expect(events[1].CausationID).To(Equal(events[0].ID))
		Expect(events[0].CorrelationID).To(Equal(events[0].ID))
		Expect(events[1].CorrelationID).To(Equal(events[0].ID))
	})
})
