package gateway

import (
	"slices"
	"sync"
	"time"

	"github.com/luciancaetano/shardgate"
)

// Emitter fans lifecycle notifications out to subscribers.
type Emitter struct {
	mu   sync.RWMutex
	subs map[shardgate.NotificationKind][]func(shardgate.Notification)
}

// NewEmitter creates an emitter without subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[shardgate.NotificationKind][]func(shardgate.Notification))}
}

// On subscribes fn to notifications of the given kind.
func (e *Emitter) On(kind shardgate.NotificationKind, fn func(shardgate.Notification)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[kind] = append(e.subs[kind], fn)
}

// Emit calls every subscriber of n.Kind in subscription order.
// Callers must not hold locks that subscribers could need.
func (e *Emitter) Emit(n shardgate.Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	e.mu.RLock()
	subs := slices.Clone(e.subs[n.Kind])
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(n)
	}
}
