package gateway

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/entity"
	"github.com/luciancaetano/shardgate/internal/metrics"
	"github.com/luciancaetano/shardgate/internal/rest"
)

// GatewayInfoSource provides the gateway URL, the recommended shard count
// and the identify rate limit snapshot.
type GatewayInfoSource interface {
	GatewayBot(ctx context.Context) (*rest.GatewayBot, error)
}

// Pool spawns and supervises every shard of a client.
//
// Full handshakes are rationed globally: spawns go through a single queue
// processed one at a time, and every identify waits on a shared pacer.
type Pool struct {
	cfg      *Config
	log      *zap.Logger
	metrics  metrics.Recorder
	source   GatewayInfoSource
	events   *Emitter
	dispatch *DispatchTable
	pacer    *rate.Limiter
	guilds   *entity.Store[string, *entity.Guild]

	// ctx is cancelled by Destroy and bounds every internal wait
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	shards     map[int]*Shard
	queue      []*Shard
	processing bool
	ready      bool
	readyAt    time.Time
	destroyed  bool
	gatewayURL string
	total      int
	startLimit rest.SessionStartLimit
	user       *entity.User
}

// NewPool creates a pool. Nothing is spawned until SpawnAll.
func NewPool(cfg *Config, source GatewayInfoSource) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		source:   source,
		events:   NewEmitter(),
		dispatch: NewDispatchTable(cfg.Logger),
		pacer:    rate.NewLimiter(rate.Every(cfg.IdentifyInterval), 1),
		guilds:   entity.NewStore[string, *entity.Guild](),
		ctx:      ctx,
		cancel:   cancel,
		shards:   make(map[int]*Shard),
	}
}

// bind derives a context cancelled by either ctx or the pool's destruction.
func (p *Pool) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// SpawnAll fetches the gateway metadata, waits for the identify gate and
// spawns shards 0..n-1 in order. It returns once the spawn queue is drained.
func (p *Pool) SpawnAll(ctx context.Context) error {
	if p.isDestroyed() {
		return shardgate.ErrPoolDestroyed
	}
	ctx, cancel := p.bind(ctx)
	defer cancel()

	info, err := p.source.GatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("fetch gateway metadata: %w", err)
	}

	total := p.cfg.ShardCount
	if total == ShardCountAuto {
		total = info.Shards
	}
	if total <= 0 {
		total = 1
	}

	p.mu.Lock()
	p.gatewayURL = info.URL
	p.total = total
	p.startLimit = info.SessionStartLimit
	p.mu.Unlock()

	p.log.Info("spawning shards",
		zap.Int("shards", total),
		zap.String("url", info.URL),
		zap.Int("identify_remaining", info.SessionStartLimit.Remaining))

	if err := p.checkIdentifyLimit(ctx, info.SessionStartLimit); err != nil {
		return err
	}

	for id := 0; id < total; id++ {
		p.enqueue(newShard(p, id, total, info.URL))
	}
	return p.processQueue(ctx)
}

// checkIdentifyLimit suspends the caller for reset_after when no identify is left.
func (p *Pool) checkIdentifyLimit(ctx context.Context, limit rest.SessionStartLimit) error {
	if limit.Remaining > 0 {
		return nil
	}

	wait := time.Duration(limit.ResetAfter) * time.Millisecond
	p.log.Info("identify limit reached, waiting",
		zap.Int("total", limit.Total),
		zap.Duration("reset_after", wait))
	p.metrics.Cooldown("identify", wait)

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshLimit re-reads the identify rate limit snapshot.
func (p *Pool) refreshLimit(ctx context.Context) (rest.SessionStartLimit, error) {
	info, err := p.source.GatewayBot(ctx)
	if err != nil {
		return rest.SessionStartLimit{}, fmt.Errorf("refresh identify limit: %w", err)
	}

	p.mu.Lock()
	p.startLimit = info.SessionStartLimit
	p.mu.Unlock()
	return info.SessionStartLimit, nil
}

// waitIdentify is the gate a shard passes before a fresh handshake outside the
// bulk spawn path. A failed refresh falls back to the cached snapshot.
func (p *Pool) waitIdentify(ctx context.Context) error {
	limit, err := p.refreshLimit(ctx)
	if err != nil {
		p.log.Warn("using cached identify limit", zap.Error(err))
		limit = p.IdentifyLimit()
	}
	if err := p.checkIdentifyLimit(ctx, limit); err != nil {
		return err
	}
	return p.pacer.Wait(ctx)
}

func (p *Pool) enqueue(s *Shard) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.queue = append(p.queue, s)
}

// processQueue spawns queued shards one at a time in insertion order. A call
// made while another drains the queue returns at once; the running drain
// picks up the new entries.
func (p *Pool) processQueue(ctx context.Context) error {
	p.mu.Lock()
	if p.processing {
		p.mu.Unlock()
		return nil
	}
	p.processing = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if len(p.queue) == 0 || p.destroyed {
			p.processing = false
			p.mu.Unlock()
			break
		}
		s := p.queue[0]
		p.queue = p.queue[1:]
		p.shards[s.id] = s
		p.mu.Unlock()

		if err := p.pacer.Wait(ctx); err != nil {
			p.stopProcessing()
			return err
		}
		if err := p.spawnWithRetry(ctx, s); err != nil {
			if ctx.Err() != nil {
				p.stopProcessing()
				return ctx.Err()
			}
			p.drop(s, err)
		}
	}

	p.validateStatus()
	return nil
}

func (p *Pool) stopProcessing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processing = false
}

// spawnWithRetry tries up to SpawnAttempts times, SpawnRetryDelay apart.
func (p *Pool) spawnWithRetry(ctx context.Context, s *Shard) error {
	var err error
	for attempt := 1; attempt <= p.cfg.SpawnAttempts; attempt++ {
		if err = s.spawn(ctx); err == nil {
			return nil
		}
		p.log.Warn("spawn failed",
			zap.Int("shard", s.id),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == p.cfg.SpawnAttempts || p.cfg.SpawnRetryDelay == 0 {
			continue
		}

		t := time.NewTimer(p.cfg.SpawnRetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("shard %d: spawn failed after %d attempts: %w", s.id, p.cfg.SpawnAttempts, err)
}

// drop removes a shard that could not be spawned.
func (p *Pool) drop(s *Shard, err error) {
	p.mu.Lock()
	if p.shards[s.id] == s {
		delete(p.shards, s.id)
	}
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return
	}

	p.log.Error("shard dropped", zap.Int("shard", s.id), zap.Error(err))
	s.emitError(err)
	p.validateStatus()
}

// Respawn replaces shard id with a fresh one after re-checking the identify gate.
func (p *Pool) Respawn(ctx context.Context, id int) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return shardgate.ErrPoolDestroyed
	}
	if id < 0 || id >= p.total {
		p.mu.Unlock()
		return fmt.Errorf("respawn: no shard %d in [0, %d)", id, p.total)
	}
	old := p.shards[id]
	total, url := p.total, p.gatewayURL
	p.mu.Unlock()

	ctx, cancel := p.bind(ctx)
	defer cancel()

	limit, err := p.refreshLimit(ctx)
	if err != nil {
		return err
	}
	if err := p.checkIdentifyLimit(ctx, limit); err != nil {
		return err
	}

	if old != nil {
		old.Destroy()
		p.mu.Lock()
		if p.shards[id] == old {
			delete(p.shards, id)
		}
		p.mu.Unlock()
	}

	p.log.Info("respawning shard", zap.Int("shard", id))
	p.enqueue(newShard(p, id, total, url))
	return p.processQueue(ctx)
}

// validateStatus marks the pool ready once every shard is ready and nothing is
// queued. It flips at most once.
func (p *Pool) validateStatus() {
	p.mu.Lock()
	if p.ready || p.destroyed || len(p.queue) > 0 || len(p.shards) == 0 {
		p.mu.Unlock()
		return
	}
	shards := make([]*Shard, 0, len(p.shards))
	for _, s := range p.shards {
		shards = append(shards, s)
	}
	p.mu.Unlock()

	for _, s := range shards {
		if s.Status() != shardgate.StatusReady {
			return
		}
	}

	p.mu.Lock()
	if p.ready || p.destroyed || len(p.queue) > 0 {
		p.mu.Unlock()
		return
	}
	p.ready = true
	p.readyAt = time.Now()
	p.mu.Unlock()

	p.log.Info("all shards ready", zap.Int("shards", len(shards)))
	p.events.Emit(shardgate.Notification{Kind: shardgate.NotifyReady})
}

// Destroy destroys every shard and clears the pool. Only the first call has an effect.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	shards := make([]*Shard, 0, len(p.shards))
	for _, s := range p.shards {
		shards = append(shards, s)
	}
	p.shards = make(map[int]*Shard)
	p.queue = nil
	p.mu.Unlock()

	p.cancel()
	for _, s := range shards {
		s.Destroy()
	}

	p.log.Info("shard pool destroyed", zap.Int("shards", len(shards)))
	p.events.Emit(shardgate.Notification{Kind: shardgate.NotifyDestroyed})
}

func (p *Pool) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Ready reports whether every shard has reached StatusReady.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// ReadyAt returns when the pool became ready, or the zero time.
func (p *Pool) ReadyAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyAt
}

func (p *Pool) Shard(id int) (*Shard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.shards[id]
	return s, ok
}

// Shards returns the managed shards ordered by id.
func (p *Pool) Shards() []*Shard {
	p.mu.Lock()
	out := make([]*Shard, 0, len(p.shards))
	for _, s := range p.shards {
		out = append(out, s)
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b *Shard) int { return a.id - b.id })
	return out
}

// Total returns the shard count resolved by SpawnAll.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// IdentifyLimit returns the cached identify rate limit snapshot.
func (p *Pool) IdentifyLimit() rest.SessionStartLimit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLimit
}

func (p *Pool) Events() *Emitter { return p.events }

func (p *Pool) Dispatch() *DispatchTable { return p.dispatch }

// Guilds returns the guilds received through GUILD_CREATE.
func (p *Pool) Guilds() *entity.Store[string, *entity.Guild] { return p.guilds }

// User returns the user received with the first READY, if any.
func (p *Pool) User() *entity.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *Pool) setUser(u *entity.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = u
}
