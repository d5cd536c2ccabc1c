package gateway

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/entity"
)

// builtinFunc handles a dispatch event before user handlers see it.
type builtinFunc func(s *Shard, ev shardgate.Event) error

// DispatchTable routes dispatch frames to handlers by event name.
//
// READY, RESUMED and GUILD_CREATE have built-in handlers that drive the shard
// state machine. User handlers run after the built-in one, in registration order.
type DispatchTable struct {
	mu       sync.RWMutex
	builtin  map[shardgate.EventName]builtinFunc
	handlers map[shardgate.EventName][]func(shardgate.Event)
	log      *zap.Logger
}

// NewDispatchTable creates a table with the built-in handlers installed.
func NewDispatchTable(log *zap.Logger) *DispatchTable {
	if log == nil {
		log = zap.NewNop()
	}
	return &DispatchTable{
		builtin: map[shardgate.EventName]builtinFunc{
			shardgate.EventReady:       handleReady,
			shardgate.EventResumed:     handleResumed,
			shardgate.EventGuildCreate: handleGuildCreate,
		},
		handlers: make(map[shardgate.EventName][]func(shardgate.Event)),
		log:      log,
	}
}

// Register adds fn as a handler for name.
// Returns an error wrapping ErrUnknownEvent if name is not a known event.
func (d *DispatchTable) Register(name shardgate.EventName, fn func(shardgate.Event)) error {
	if !name.Known() {
		return fmt.Errorf("%w: %q", shardgate.ErrUnknownEvent, name)
	}
	if fn == nil {
		return fmt.Errorf("nil handler for %s", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], fn)
	return nil
}

// Dispatch runs the handlers for ev on the calling goroutine.
// Unknown event names are logged and dropped.
func (d *DispatchTable) Dispatch(s *Shard, ev shardgate.Event) {
	if !ev.Name.Known() {
		d.log.Debug("dropping unknown event",
			zap.Int("shard", s.ID()),
			zap.String("event", string(ev.Name)))
		return
	}

	d.mu.RLock()
	builtin := d.builtin[ev.Name]
	handlers := slices.Clone(d.handlers[ev.Name])
	d.mu.RUnlock()

	if builtin != nil {
		if err := builtin(s, ev); err != nil {
			d.log.Warn("built-in handler failed",
				zap.Int("shard", s.ID()),
				zap.String("event", string(ev.Name)),
				zap.Error(err))
			s.emit(shardgate.Notification{Kind: shardgate.NotifyShardError, Err: err})
		}
	}

	for _, fn := range handlers {
		fn(ev)
	}
}

type readyPayload struct {
	SessionID string          `json:"session_id"`
	User      json.RawMessage `json:"user"`
	Guilds    []struct {
		ID          string `json:"id"`
		Unavailable bool   `json:"unavailable"`
	} `json:"guilds"`
}

func handleReady(s *Shard, ev shardgate.Event) error {
	var p readyPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode READY: %w", err)
	}

	if len(p.User) > 0 {
		u, err := entity.Construct(entity.KindUser, p.User)
		if err != nil {
			return err
		}
		s.pool.setUser(u.(*entity.User))
	}

	unavailable := make([]string, 0, len(p.Guilds))
	for _, g := range p.Guilds {
		unavailable = append(unavailable, g.ID)
	}
	s.onReady(p.SessionID, unavailable)
	return nil
}

func handleResumed(s *Shard, _ shardgate.Event) error {
	s.markReady()
	return nil
}

func handleGuildCreate(s *Shard, ev shardgate.Event) error {
	e, err := entity.Construct(entity.KindGuild, ev.Data)
	if err != nil {
		return err
	}
	g := e.(*entity.Guild)
	s.pool.guilds.Set(g.ID, g)
	s.guildAvailable(g.ID)
	return nil
}
