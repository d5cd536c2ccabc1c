package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/luciancaetano/shardgate"
)

func TestEmitterSubscribeDuringEmit(t *testing.T) {
	t.Parallel()

	e := NewEmitter()
	var calls []string
	e.On(shardgate.NotifyShardReady, func(shardgate.Notification) {
		calls = append(calls, "first")
		e.On(shardgate.NotifyShardReady, func(shardgate.Notification) { calls = append(calls, "late") })
	})
	e.On(shardgate.NotifyShardReady, func(n shardgate.Notification) {
		calls = append(calls, "second")
		assert.False(t, n.At.IsZero())
	})

	e.Emit(shardgate.Notification{Kind: shardgate.NotifyShardReady})
	assert.Equal(t, []string{"first", "second"}, calls, "a subscriber added mid-emit waits for the next one")

	calls = nil
	e.Emit(shardgate.Notification{Kind: shardgate.NotifyShardReady})
	assert.Equal(t, []string{"first", "second", "late"}, calls[:3])

	e.Emit(shardgate.Notification{Kind: shardgate.NotifyDestroyed})
}
