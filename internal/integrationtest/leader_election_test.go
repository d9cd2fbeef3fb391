//go:build slow

package integrationtest

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dcb-platform/dcb-core/pkg/dispatch"
)

// randomLockKey derives an advisory lock key from a fresh UUID so
// specs run in parallel never collide on the same Postgres lock.
func randomLockKey() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) >> 1)
}

var _ = Describe("LeaderElector against a real advisory lock", func() {
	It("grants leadership to exactly one of two campaigning electors", func() {
		lockKey := randomLockKey()

		electCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		first := dispatch.NewLeaderElector(pool, lockKey, 200*time.Millisecond, zerolog.Nop())
		second := dispatch.NewLeaderElector(pool, lockKey, 200*time.Millisecond, zerolog.Nop())

		firstStates := first.Campaign(electCtx)
		secondStates := second.Campaign(electCtx)

		Eventually(func() bool { return first.IsLeader() || second.IsLeader() }, 5*time.Second, 100*time.Millisecond).Should(BeTrue())
		Expect(first.IsLeader() && second.IsLeader()).To(BeFalse())

		_ = firstStates
		_ = secondStates
	})

	It("hands leadership to the follower once the leader's connection is released", func() {
		lockKey := randomLockKey()

		leaderCtx, cancelLeader := context.WithCancel(ctx)
		followerCtx, cancelFollower := context.WithTimeout(ctx, 10*time.Second)
		defer cancelFollower()

		leader := dispatch.NewLeaderElector(pool, lockKey, 200*time.Millisecond, zerolog.Nop())
		follower := dispatch.NewLeaderElector(pool, lockKey, 200*time.Millisecond, zerolog.Nop())

		leader.Campaign(leaderCtx)
		follower.Campaign(followerCtx)

		Eventually(func() bool { return leader.IsLeader() }, 5*time.Second, 100*time.Millisecond).Should(BeTrue())
		Expect(follower.IsLeader()).To(BeFalse())

		cancelLeader()

		Eventually(func() bool { return follower.IsLeader() }, 5*time.Second, 100*time.Millisecond).Should(BeTrue())
	})
})
