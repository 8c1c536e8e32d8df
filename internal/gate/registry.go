package gate

import (
	"context"
	"sync"
	"time"
)

// Registry は訪問者IDごとのゲートを保持する。一定時間使用されなかったゲートはSweepで破棄される。
type Registry struct {
	ttl     time.Duration
	factory func(visitorID string) *Gate
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	gate     *Gate
	lastSeen time.Time
}

// NewRegistry は新しいレジストリを生成する。factoryは未登録の訪問者に対して呼ばれる。
func NewRegistry(ttl time.Duration, factory func(visitorID string) *Gate) *Registry {
	return &Registry{
		ttl:     ttl,
		factory: factory,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Get は訪問者のゲートを返す。存在しなければ生成して登録する。
func (r *Registry) Get(visitorID string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[visitorID]; ok {
		e.lastSeen = r.now()
		return e.gate
	}
	g := r.factory(visitorID)
	r.entries[visitorID] = &entry{gate: g, lastSeen: r.now()}
	return g
}

// Lookup は登録済みのゲートを返す。存在しなければfalse。
func (r *Registry) Lookup(visitorID string) (*Gate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[visitorID]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.gate, true
}

// Sweep はTTLを超えて使用されていないゲートを破棄し、破棄した数を返す。
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	removed := 0
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len は登録済みのゲート数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RunJanitor はctxが終了するまでintervalごとにSweepを実行する。
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
