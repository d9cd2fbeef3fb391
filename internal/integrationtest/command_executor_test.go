//go:build slow

package integrationtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dcb-platform/dcb-core/pkg/dcb"
)

var _ = Describe("CommandExecutor with advisory locks", func() {
	var (
		store    dcb.EventStore
		executor dcb.CommandExecutor
	)

	BeforeEach(func() {
		var err error
		store, err = dcb.NewEventStore(ctx, pool)
		Expect(err).NotTo(HaveOccurred())
		executor, err = dcb.NewCommandExecutor(store)
		Expect(err).NotTo(HaveOccurred())
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	It("serializes handlers that share a lock key so a capacity limit holds under concurrency", func() {
		resourceID := fmt.Sprintf("resource-%s", uuid.NewString())
		const capacity = 5
		const attempts = 10

		var successes int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				<-start

				handler := dcb.CommandHandlerFunc(func(ctx context.Context, s dcb.EventStore, cmd dcb.Command) ([]dcb.InputEvent, error) {
					query := dcb.NewQuery(dcb.NewTags("resource_id", resourceID), "SlotClaimed")
					events, err := s.Query(ctx, query, nil)
					if err != nil {
						return nil, err
					}
					if len(events) >= capacity {
						return nil, fmt.Errorf("resource %s is at capacity", resourceID)
					}
					return []dcb.InputEvent{
						dcb.NewInputEvent("SlotClaimed",
							dcb.NewTags("resource_id", resourceID, "claimant", fmt.Sprintf("user-%d", n)),
							marshal(map[string]any{})),
					}, nil
				})

				cmd := dcb.NewCommand("ClaimSlot", marshal(map[string]any{"resource_id": resourceID}), nil)
				_, err := executor.ExecuteCommandWithLocks(ctx, cmd, handler, dcb.AppendCondition(nil), []string{resourceID})
				if err == nil {
					atomic.AddInt32(&successes, 1)
				}
			}(i)
		}

		close(start)
		wg.Wait()

		Expect(successes).To(Equal(int32(capacity)))

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("resource_id", resourceID), "SlotClaimed"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(capacity))
	})
})
