package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/protocol"
	"github.com/luciancaetano/shardgate/internal/rest"
)

const waitTimeout = 3 * time.Second

// fakeGateway accepts shard connections and lets a test drive them.
type fakeGateway struct {
	srv   *httptest.Server
	url   string
	conns chan *serverConn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	g := &fakeGateway{conns: make(chan *serverConn, 16)}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &serverConn{
			ws:     ws,
			query:  r.URL.RawQuery,
			at:     time.Now(),
			frames: make(chan protocol.Frame, 256),
		}
		go c.readLoop()
		g.conns <- c
	}))
	g.url = "ws" + strings.TrimPrefix(g.srv.URL, "http")
	t.Cleanup(g.srv.Close)
	return g
}

// accept returns the next shard connection.
func (g *fakeGateway) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-g.conns:
		t.Cleanup(func() { _ = c.ws.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no shard connected")
		return nil
	}
}

// noConnection fails if a shard connects within d.
func (g *fakeGateway) noConnection(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-g.conns:
		_ = c.ws.Close()
		t.Fatal("unexpected shard connection")
	case <-time.After(d):
	}
}

// serverConn is the gateway side of one shard connection.
type serverConn struct {
	ws     *websocket.Conn
	query  string
	at     time.Time
	wmu    sync.Mutex
	frames chan protocol.Frame
	// closeErr is set before frames is closed
	closeErr error
}

func (c *serverConn) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeErr = err
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		c.frames <- f
	}
}

func (c *serverConn) send(t *testing.T, op shardgate.Opcode, d any, seq int64, event shardgate.EventName) {
	t.Helper()

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	frame := map[string]any{"op": op, "d": json.RawMessage(raw)}
	if seq > 0 {
		frame["s"] = seq
	}
	if event != "" {
		frame["t"] = event
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	require.NoError(t, c.ws.WriteJSON(frame))
}

func (c *serverConn) hello(t *testing.T, interval time.Duration) {
	t.Helper()
	c.send(t, shardgate.OpHello, map[string]int64{"heartbeat_interval": interval.Milliseconds()}, 0, "")
}

func (c *serverConn) dispatch(t *testing.T, event shardgate.EventName, seq int64, d any) {
	t.Helper()
	c.send(t, shardgate.OpDispatch, d, seq, event)
}

// ready sends a READY event listing guilds as unavailable.
func (c *serverConn) ready(t *testing.T, session string, seq int64, guilds ...string) {
	t.Helper()

	list := make([]map[string]any, 0, len(guilds))
	for _, id := range guilds {
		list = append(list, map[string]any{"id": id, "unavailable": true})
	}
	c.dispatch(t, shardgate.EventReady, seq, map[string]any{
		"v":          8,
		"session_id": session,
		"user":       map[string]any{"id": "42", "username": "shardbot", "discriminator": "0001", "bot": true},
		"guilds":     list,
	})
}

// next returns the next frame with op, skipping any other.
func (c *serverConn) next(t *testing.T, op shardgate.Opcode) protocol.Frame {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for %s: %v", op, c.closeErr)
			}
			if f.Op == op {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame received", op)
		}
	}
}

// closeWith sends a close frame with code and drops the connection.
func (c *serverConn) closeWith(t *testing.T, code int) {
	t.Helper()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "test"), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// clientCloseCode waits for the shard to close the connection and returns its close code.
func (c *serverConn) clientCloseCode(t *testing.T) int {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if ok {
				continue
			}
			var ce *websocket.CloseError
			if errors.As(c.closeErr, &ce) {
				return ce.Code
			}
			return websocket.CloseAbnormalClosure
		case <-timeout:
			t.Fatal("connection not closed")
			return 0
		}
	}
}

type fakeSource struct {
	mu    sync.Mutex
	info  rest.GatewayBot
	calls int
	err   error
}

func newFakeSource(url string, shards int) *fakeSource {
	return &fakeSource{info: rest.GatewayBot{
		URL:               url,
		Shards:            shards,
		SessionStartLimit: rest.SessionStartLimit{Total: 1000, Remaining: 1000, ResetAfter: 0, MaxConcurrency: 1},
	}}
}

func (f *fakeSource) GatewayBot(context.Context) (*rest.GatewayBot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	info := f.info
	return &info, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *Config {
	return &Config{
		Token:            "tok",
		ShardCount:       1,
		Intents:          shardgate.CombineIntents(shardgate.IntentGuilds, shardgate.IntentGuildMessages),
		IdentifyInterval: 10 * time.Millisecond,
		ReadyTimeout:     time.Second,
		SpawnAttempts:    1,
	}
}

func newTestPool(t *testing.T, src GatewayInfoSource, mutate func(*Config)) *Pool {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	p := NewPool(cfg, src)
	t.Cleanup(p.Destroy)
	return p
}

// recorder collects notifications of every kind.
type recorder struct {
	mu   sync.Mutex
	list []shardgate.Notification
	ch   chan shardgate.Notification
}

var allKinds = []shardgate.NotificationKind{
	shardgate.NotifyReady,
	shardgate.NotifyShardReady,
	shardgate.NotifyShardError,
	shardgate.NotifyShardReconnect,
	shardgate.NotifyShardClose,
	shardgate.NotifyDestroyed,
}

func record(p *Pool) *recorder {
	r := &recorder{ch: make(chan shardgate.Notification, 256)}
	for _, kind := range allKinds {
		p.Events().On(kind, func(n shardgate.Notification) {
			r.mu.Lock()
			r.list = append(r.list, n)
			r.mu.Unlock()
			r.ch <- n
		})
	}
	return r
}

// wait returns the next notification of kind.
func (r *recorder) wait(t *testing.T, kind shardgate.NotificationKind) shardgate.Notification {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case n := <-r.ch:
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("no %s notification", kind)
			return shardgate.Notification{}
		}
	}
}

func (r *recorder) count(kind shardgate.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.list {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

// startReady spawns a single shard and drives it to READY with session s1 at sequence 1.
func startReady(t *testing.T, g *fakeGateway, p *Pool) (*Shard, *serverConn) {
	t.Helper()

	require.NoError(t, p.SpawnAll(context.Background()))
	c := g.accept(t)
	c.hello(t, time.Minute)
	c.next(t, shardgate.OpIdentify)
	c.ready(t, "s1", 1)

	s, ok := p.Shard(0)
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Status() == shardgate.StatusReady }, waitTimeout, 5*time.Millisecond)
	return s, c
}
