package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/shardgate"
)

func TestShardIdentifiesOnHello(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), nil)
	events := record(p)

	require.NoError(t, p.SpawnAll(context.Background()))
	c := g.accept(t)
	assert.Equal(t, "v=8&encoding=json", c.query)

	s, ok := p.Shard(0)
	require.True(t, ok)
	assert.Equal(t, shardgate.StatusConnecting, s.Status())

	c.hello(t, time.Minute)
	f := c.next(t, shardgate.OpIdentify)

	var got identifyPayload
	require.NoError(t, json.Unmarshal(f.D, &got))
	want := identifyPayload{
		Token:              "tok",
		Properties:         DefaultConfig().Properties,
		Shard:              [2]int{0, 1},
		Intents:            1 | 1<<9,
		LargeThreshold:     50,
		GuildSubscriptions: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("identify payload mismatch (-want +got):\n%s", diff)
	}

	c.ready(t, "s1", 1)
	events.wait(t, shardgate.NotifyReady)

	assert.Equal(t, shardgate.StatusReady, s.Status())
	assert.Equal(t, "s1", s.SessionID())
	assert.True(t, p.Ready())
	require.NotNil(t, p.User())
	assert.Equal(t, "shardbot#0001", p.User().Tag())
}

func TestShardWaitsForGuilds(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), func(c *Config) { c.ReadyTimeout = time.Minute })
	events := record(p)

	require.NoError(t, p.SpawnAll(context.Background()))
	c := g.accept(t)
	c.hello(t, time.Minute)
	c.next(t, shardgate.OpIdentify)
	c.ready(t, "s1", 1, "g1", "g2")

	s, _ := p.Shard(0)
	require.Eventually(t, func() bool { return s.Status() == shardgate.StatusWaitingGuilds }, waitTimeout, 5*time.Millisecond)

	c.dispatch(t, shardgate.EventGuildCreate, 2, map[string]any{"id": "g1", "name": "one"})
	c.dispatch(t, shardgate.EventGuildCreate, 3, map[string]any{"id": "g3", "name": "unrelated"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, shardgate.StatusWaitingGuilds, s.Status())
	assert.False(t, p.Ready())

	c.dispatch(t, shardgate.EventGuildCreate, 4, map[string]any{"id": "g2", "name": "two"})
	events.wait(t, shardgate.NotifyReady)
	assert.Equal(t, shardgate.StatusReady, s.Status())
	assert.Equal(t, 3, p.Guilds().Len())

	seq, ok := s.Sequence()
	assert.True(t, ok)
	assert.EqualValues(t, 4, seq)
}

func TestShardReadyTimeout(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), func(c *Config) { c.ReadyTimeout = 100 * time.Millisecond })
	events := record(p)

	require.NoError(t, p.SpawnAll(context.Background()))
	c := g.accept(t)
	c.hello(t, time.Minute)
	c.next(t, shardgate.OpIdentify)

	start := time.Now()
	c.ready(t, "s1", 1, "never")
	events.wait(t, shardgate.NotifyShardReady)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	s, _ := p.Shard(0)
	assert.Equal(t, shardgate.StatusReady, s.Status())
}

func TestShardHeartbeat(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), nil)

	require.NoError(t, p.SpawnAll(context.Background()))
	c := g.accept(t)
	c.hello(t, 40*time.Millisecond)
	c.next(t, shardgate.OpIdentify)

	f := c.next(t, shardgate.OpHeartbeat)
	assert.JSONEq(t, `null`, string(f.D), "no sequence seen yet")
	c.send(t, shardgate.OpHeartbeatAck, nil, 0, "")

	c.ready(t, "s1", 7)
	deadline := time.Now().Add(waitTimeout)
	for string(c.next(t, shardgate.OpHeartbeat).D) != "7" {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never carried the last sequence")
		}
		c.send(t, shardgate.OpHeartbeatAck, nil, 0, "")
	}

	s, _ := p.Shard(0)
	require.Eventually(t, func() bool { return s.Ping() > 0 }, waitTimeout, 5*time.Millisecond)
}

func TestShardHeartbeatOnRequest(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), nil)
	s, c := startReady(t, g, p)

	c.send(t, shardgate.OpHeartbeat, nil, 0, "")
	f := c.next(t, shardgate.OpHeartbeat)
	assert.Equal(t, "1", string(f.D))

	c.send(t, shardgate.OpHeartbeatAck, nil, 0, "")
	require.Eventually(t, func() bool { return s.Ping() > 0 }, waitTimeout, 5*time.Millisecond)
}

func TestShardMissedAckReconnects(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), func(c *Config) { c.DisconnectOnMissedAck = true })
	events := record(p)
	_, c := startReady(t, g, p)

	// a new hello with a short interval; heartbeats are never acknowledged
	c.hello(t, 30*time.Millisecond)
	c.next(t, shardgate.OpHeartbeat)

	assert.Equal(t, shardgate.CloseResumable, c.clientCloseCode(t))
	events.wait(t, shardgate.NotifyShardReconnect)

	next := g.accept(t)
	next.hello(t, time.Minute)
	f := next.next(t, shardgate.OpResume)
	assert.Contains(t, string(f.D), `"session_id":"s1"`)
}

// exhaustedWindow drives a shard to READY with heartbeats every interval and
// spends the rest of a 3 command window on presence updates.
func exhaustedWindow(t *testing.T, interval time.Duration) (*recorder, *Shard, *serverConn) {
	t.Helper()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), func(c *Config) {
		c.DisconnectOnMissedAck = true
		c.CommandLimit = &CommandLimitConfig{Commands: 3, Window: 600 * time.Millisecond}
	})
	events := record(p)

	require.NoError(t, p.SpawnAll(context.Background()))
	c := g.accept(t)
	c.hello(t, interval)
	c.next(t, shardgate.OpIdentify)
	c.ready(t, "s1", 1)

	s, ok := p.Shard(0)
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Status() == shardgate.StatusReady }, waitTimeout, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Send(shardgate.OpPresenceUpdate, map[string]any{"status": "online"}, false))
	}
	require.Equal(t, 0, s.queue.Remaining())
	return events, s, c
}

func TestShardHeartbeatIgnoresCommandWindow(t *testing.T) {
	t.Parallel()

	events, s, c := exhaustedWindow(t, 100*time.Millisecond)

	beats := 0
	timeout := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case f, ok := <-c.frames:
			require.True(t, ok, "connection closed: %v", c.closeErr)
			if f.Op == shardgate.OpHeartbeat {
				beats++
				c.send(t, shardgate.OpHeartbeatAck, nil, 0, "")
			}
		case <-timeout:
			break loop
		}
	}

	assert.GreaterOrEqual(t, beats, 3, "heartbeats keep their cadence with no quota left")
	assert.Equal(t, 0, events.count(shardgate.NotifyShardReconnect), "acknowledged heartbeats never trigger a reconnect")
	assert.Equal(t, shardgate.StatusReady, s.Status())
	assert.Less(t, s.Ping(), 100*time.Millisecond)
}

func TestShardRequestedHeartbeatIgnoresCommandWindow(t *testing.T) {
	t.Parallel()

	_, _, c := exhaustedWindow(t, time.Minute)

	start := time.Now()
	c.send(t, shardgate.OpHeartbeat, nil, 0, "")
	f := c.next(t, shardgate.OpHeartbeat)
	assert.Less(t, time.Since(start), 300*time.Millisecond, "sent before the window resets")
	assert.Equal(t, "1", string(f.D))
}

func TestShardInvalidSessionMalformedPayload(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), nil)
	s, c := startReady(t, g, p)

	c.send(t, shardgate.OpInvalidSession, map[string]any{"resumable": true}, 0, "")
	assert.Equal(t, shardgate.CloseResumable, c.clientCloseCode(t))

	next := g.accept(t)
	next.hello(t, time.Minute)
	next.next(t, shardgate.OpIdentify)
	assert.Empty(t, s.SessionID(), "an unreadable payload is treated as not resumable")
}

func TestShardCloseCodes(t *testing.T) {
	t.Parallel()

	t.Run("normal close destroys the shard only", func(t *testing.T) {
		t.Parallel()

		g := newFakeGateway(t)
		p := newTestPool(t, newFakeSource(g.url, 1), nil)
		events := record(p)
		s, c := startReady(t, g, p)

		c.closeWith(t, shardgate.CloseNormal)
		n := events.wait(t, shardgate.NotifyShardClose)
		assert.Equal(t, shardgate.CloseNormal, n.Code)
		assert.Equal(t, 0, n.Shard.ID())

		g.noConnection(t, 200*time.Millisecond)
		assert.Equal(t, 1, events.count(shardgate.NotifyShardClose))
		assert.Equal(t, 0, events.count(shardgate.NotifyShardReconnect))
		assert.Equal(t, 0, events.count(shardgate.NotifyDestroyed))
		assert.Equal(t, shardgate.StatusDisconnected, s.Status())
		assert.False(t, p.isDestroyed())
	})

	t.Run("fatal close destroys the pool once", func(t *testing.T) {
		t.Parallel()

		g := newFakeGateway(t)
		p := newTestPool(t, newFakeSource(g.url, 1), nil)
		events := record(p)
		_, c := startReady(t, g, p)

		c.closeWith(t, 4004)
		n := events.wait(t, shardgate.NotifyShardClose)
		assert.Equal(t, 4004, n.Code)

		g.noConnection(t, 200*time.Millisecond)
		p.Destroy()
		assert.Equal(t, 1, events.count(shardgate.NotifyDestroyed))
		assert.True(t, p.isDestroyed())
		assert.Empty(t, p.Shards())
	})

	for _, code := range []int{shardgate.CloseSessionTimedOut, shardgate.CloseInvalidSeq} {
		code := code
		t.Run("session invalid close identifies again", func(t *testing.T) {
			t.Parallel()

			g := newFakeGateway(t)
			p := newTestPool(t, newFakeSource(g.url, 1), nil)
			events := record(p)
			_, c := startReady(t, g, p)

			sessions := make(chan string, 1)
			p.Events().On(shardgate.NotifyShardReconnect, func(n shardgate.Notification) {
				sessions <- n.Shard.SessionID()
			})

			c.closeWith(t, code)
			events.wait(t, shardgate.NotifyShardReconnect)
			assert.Empty(t, <-sessions, "session cleared before reconnecting")

			next := g.accept(t)
			next.hello(t, time.Minute)
			next.next(t, shardgate.OpIdentify)
		})
	}

	t.Run("other close resumes", func(t *testing.T) {
		t.Parallel()

		g := newFakeGateway(t)
		p := newTestPool(t, newFakeSource(g.url, 1), nil)
		events := record(p)
		s, c := startReady(t, g, p)

		c.dispatch(t, shardgate.EventMessageCreate, 3, map[string]any{"id": "m"})
		require.Eventually(t, func() bool { seq, _ := s.Sequence(); return seq == 3 }, waitTimeout, 5*time.Millisecond)

		c.closeWith(t, 4008)
		events.wait(t, shardgate.NotifyShardReconnect)

		next := g.accept(t)
		next.hello(t, time.Minute)
		f := next.next(t, shardgate.OpResume)

		var got map[string]any
		require.NoError(t, json.Unmarshal(f.D, &got))
		want := map[string]any{"token": "tok", "session_id": "s1", "seq": float64(3)}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("resume payload mismatch (-want +got):\n%s", diff)
		}

		next.dispatch(t, shardgate.EventResumed, 4, map[string]any{})
		require.Eventually(t, func() bool { return s.Status() == shardgate.StatusReady }, waitTimeout, 5*time.Millisecond)
		assert.Equal(t, "s1", s.SessionID())
	})
}

func TestShardReconnectOpcode(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), nil)
	_, c := startReady(t, g, p)

	c.send(t, shardgate.OpReconnect, nil, 0, "")
	assert.Equal(t, shardgate.CloseResumable, c.clientCloseCode(t))

	next := g.accept(t)
	next.hello(t, time.Minute)
	next.next(t, shardgate.OpResume)
}

func TestShardInvalidSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		resumable bool
		want      shardgate.Opcode
	}{
		{"resumable", true, shardgate.OpResume},
		{"not resumable", false, shardgate.OpIdentify},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := newFakeGateway(t)
			p := newTestPool(t, newFakeSource(g.url, 1), nil)
			_, c := startReady(t, g, p)

			c.send(t, shardgate.OpInvalidSession, tt.resumable, 0, "")
			next := g.accept(t)
			next.hello(t, time.Minute)
			next.next(t, tt.want)
		})
	}
}

func TestShardSend(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), nil)

	idle := newShard(p, 0, 1, g.url)
	err := idle.Send(shardgate.OpPresenceUpdate, map[string]any{"status": "online"}, false)
	assert.ErrorIs(t, err, shardgate.ErrConnectionClosed)
	assert.ErrorIs(t, idle.Identify(), shardgate.ErrHandshakeFailed)

	s, c := startReady(t, g, p)

	err = s.Send(shardgate.OpDispatch, map[string]any{}, false)
	assert.ErrorIs(t, err, shardgate.ErrProtocolViolation)
	err = s.Send(shardgate.OpPresenceUpdate, "online", false)
	assert.ErrorIs(t, err, shardgate.ErrProtocolViolation)

	require.NoError(t, s.Send(shardgate.OpPresenceUpdate, map[string]any{"status": "idle", "afk": true}, false))
	f := c.next(t, shardgate.OpPresenceUpdate)
	assert.JSONEq(t, `{"status":"idle","afk":true}`, string(f.D))
}

func TestShardDispatchHandlers(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	p := newTestPool(t, newFakeSource(g.url, 1), nil)

	got := make(chan shardgate.Event, 4)
	require.NoError(t, p.Dispatch().Register(shardgate.EventMessageCreate, func(ev shardgate.Event) { got <- ev }))
	assert.ErrorIs(t, p.Dispatch().Register("NOT_AN_EVENT", func(shardgate.Event) {}), shardgate.ErrUnknownEvent)

	readies := make(chan shardgate.Status, 1)
	require.NoError(t, p.Dispatch().Register(shardgate.EventReady, func(ev shardgate.Event) {
		readies <- ev.Shard.Status()
	}))

	_, c := startReady(t, g, p)
	assert.Equal(t, shardgate.StatusReady, <-readies, "built-in READY handler runs first")

	c.dispatch(t, "SOMETHING_NEW", 2, map[string]any{})
	c.dispatch(t, shardgate.EventMessageCreate, 3, map[string]any{"content": "hi"})

	select {
	case ev := <-got:
		assert.Equal(t, shardgate.EventMessageCreate, ev.Name)
		assert.EqualValues(t, 3, ev.Sequence)
		assert.Equal(t, 0, ev.Shard.ID())
		assert.JSONEq(t, `{"content":"hi"}`, string(ev.Data))
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}
}
