package dispatch

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLeaderElectorTransitionUpdatesIsLeader(t *testing.T) {
	le := &leaderElector{log: zerolog.Nop()}
	assert.False(t, le.IsLeader())

	out := make(chan LeadershipState, 1)
	le.transition(out, true)
	assert.True(t, le.IsLeader())
	assert.Equal(t, StateLeader, <-out)

	le.transition(out, false)
	assert.False(t, le.IsLeader())
	assert.Equal(t, StateFollower, <-out)
}

func TestNewLeaderElectorDefaultsRetryWait(t *testing.T) {
	le := NewLeaderElector(nil, 42, 0, zerolog.Nop()).(*leaderElector)
	assert.Equal(t, int64(42), le.lockKey)
	assert.Equal(t, 2*time.Second, le.retryWait)
}
