package bot_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/bot"
)

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// newBackend serves the REST API under /api/v8 and a scripted gateway
// session under /gateway.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v8/gateway/bot":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"url":    "ws" + strings.TrimPrefix(srv.URL, "http") + "/gateway",
				"shards": 1,
				"session_start_limit": map[string]int{
					"total": 1000, "remaining": 999, "reset_after": 0, "max_concurrency": 1,
				},
			})
		case "/api/v8/channels/1/messages":
			w.Header().Set("X-RateLimit-Bucket", "abc")
			w.Header().Set("X-RateLimit-Limit", "5")
			w.Header().Set("X-RateLimit-Remaining", "4")
			w.Header().Set("X-RateLimit-Reset-After", "1")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"m1","content":"pong"}`))
		case "/gateway":
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			go runSession(ws)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runSession(ws *websocket.Conn) {
	defer ws.Close()

	send := func(op int, d any, seq int64, name string) error {
		raw, _ := json.Marshal(d)
		f := frame{Op: op, D: raw, T: name}
		if seq > 0 {
			f.S = &seq
		}
		return ws.WriteJSON(f)
	}

	if send(10, map[string]int{"heartbeat_interval": 60000}, 0, "") != nil {
		return
	}
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case 1:
			_ = send(11, nil, 0, "")
		case 2:
			_ = send(0, map[string]any{
				"v":          8,
				"session_id": "sess",
				"user":       map[string]any{"id": "42", "username": "shardbot", "discriminator": "0001", "bot": true},
				"guilds":     []map[string]any{{"id": "g1", "unavailable": true}},
			}, 1, "READY")
			_ = send(0, map[string]any{"id": "g1", "name": "Test Guild", "owner_id": "7"}, 2, "GUILD_CREATE")
			_ = send(0, map[string]any{"id": "m0", "channel_id": "1", "content": "ping"}, 3, "MESSAGE_CREATE")
		}
	}
}

func TestBotEndToEnd(t *testing.T) {
	srv := newBackend(t)

	cfg := bot.NewConfig("tok", bot.ShardCountAuto, shardgate.IntentGuilds, shardgate.IntentGuildMessages)
	cfg.REST.BaseURL = srv.URL + "/api/v8"
	cfg.Gateway.IdentifyInterval = 10 * time.Millisecond
	cfg.Gateway.ReadyTimeout = 2 * time.Second
	stats := bot.NewMemoryStats()
	cfg.REST.Stats = stats

	client := bot.New(cfg)

	ready := make(chan struct{}, 1)
	client.On(shardgate.NotifyReady, func(shardgate.Notification) { ready <- struct{}{} })

	messages := make(chan shardgate.Event, 1)
	if err := client.RegisterHandler(shardgate.EventMessageCreate, func(ev shardgate.Event) { messages <- ev }); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := client.RegisterHandler("NOT_AN_EVENT", func(shardgate.Event) {}); err == nil {
		t.Fatal("expected an error for an unknown event")
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = client.Stop(ctx) }()

	if err := client.Start(ctx); err != shardgate.ErrAlreadyRunning {
		t.Fatalf("second start: got %v, want ErrAlreadyRunning", err)
	}

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("client never became ready")
	}
	if !client.Ready() {
		t.Fatal("Ready() is false after the ready notification")
	}

	var ev shardgate.Event
	select {
	case ev = <-messages:
	case <-time.After(5 * time.Second):
		t.Fatal("MESSAGE_CREATE was not dispatched")
	}
	if ev.Shard == nil || ev.Shard.ID() != 0 {
		t.Fatalf("event shard = %v, want shard 0", ev.Shard)
	}
	if ev.Sequence != 3 {
		t.Fatalf("event sequence = %d, want 3", ev.Sequence)
	}

	if u := client.User(); u == nil || u.Username != "shardbot" {
		t.Fatalf("user = %+v", u)
	}
	if g, ok := client.Guilds().Get("g1"); !ok || g.Name != "Test Guild" {
		t.Fatalf("guild g1 = %+v, %v", g, ok)
	}
	shard, ok := client.Shard(0)
	if !ok || shard.SessionID() != "sess" || shard.Status() != shardgate.StatusReady {
		t.Fatalf("shard 0 = %v, %v", shard, ok)
	}

	res, err := client.Route("channels", "1", "messages").Post(ctx, map[string]string{"content": "pong"})
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if !res.OK() {
		t.Fatalf("post message: status %d", res.StatusCode)
	}
	var msg struct {
		Content string `json:"content"`
	}
	if err := res.Decode(&msg); err != nil || msg.Content != "pong" {
		t.Fatalf("decode: %v, %+v", err, msg)
	}

	b, ok := client.Limiter().Bucket("abc")
	if !ok || b.Remaining != 4 || b.Limit != 5 {
		t.Fatalf("bucket abc = %+v, %v", b, ok)
	}
	if total := stats.Total(); total.Requests < 2 {
		t.Fatalf("stats recorded %d requests, want at least 2", total.Requests)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SHARDGATE_TOKEN", "env-token")
	t.Setenv("SHARDGATE_SHARDS", "2")
	t.Setenv("SHARDGATE_INTENTS", "GUILDS,DIRECT_MESSAGES")

	cfg, err := bot.LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Token != "env-token" || cfg.REST.Token != "env-token" {
		t.Fatalf("tokens = %q, %q", cfg.Gateway.Token, cfg.REST.Token)
	}
	if cfg.Gateway.ShardCount != 2 {
		t.Fatalf("shards = %d, want 2", cfg.Gateway.ShardCount)
	}
	want := shardgate.CombineIntents(shardgate.IntentGuilds, shardgate.IntentDirectMessages)
	if cfg.Gateway.Intents != want {
		t.Fatalf("intents = %d, want %d", cfg.Gateway.Intents, want)
	}
}
