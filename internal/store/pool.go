package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool keeps store handles open between requests, keyed by store file path.
// Handles in use are never closed by eviction.
type Pool struct {
	opts    Options
	max     int
	idle    time.Duration
	now     func() time.Time
	onCount func(int)

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool

	stop chan struct{}
	done chan struct{}
}

type poolEntry struct {
	store    *Store
	refs     int
	lastUsed time.Time
}

// PoolConfig controls pool sizing.
type PoolConfig struct {
	Options Options
	// MaxOpen bounds the number of idle handles kept open. Zero disables
	// pooling: every Acquire opens a fresh handle and release closes it.
	MaxOpen int
	// IdleTimeout closes handles unused for this long. Zero keeps them until
	// evicted by MaxOpen.
	IdleTimeout time.Duration
	// OnCount, if set, is called with the number of open pooled handles
	// whenever it changes.
	OnCount func(int)
}

// NewPool returns a pool and starts its idle janitor when IdleTimeout is set.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		opts:    cfg.Options,
		max:     cfg.MaxOpen,
		idle:    cfg.IdleTimeout,
		now:     time.Now,
		onCount: cfg.OnCount,
		entries: make(map[string]*poolEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if p.max > 0 && p.idle > 0 {
		go p.janitor()
	} else {
		close(p.done)
	}
	return p
}

// Acquire returns an open handle for the store named name at path. The
// returned release func must be called once the caller is done with it.
func (p *Pool) Acquire(ctx context.Context, name, path string) (*Store, func(), error) {
	if p.max <= 0 {
		s, err := Open(ctx, name, path, p.opts)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}

	if s, ok := p.take(path); ok {
		return s, p.releaser(path), nil
	}

	// Open outside the lock; another caller may race us to the same path.
	s, err := Open(ctx, name, path, p.opts)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Close()
		return nil, nil, &Error{Op: OpOpen, Database: name, Err: errPoolClosed}
	}
	if e, ok := p.entries[path]; ok {
		e.refs++
		e.lastUsed = p.now()
		p.mu.Unlock()
		_ = s.Close()
		return e.store, p.releaser(path), nil
	}
	p.entries[path] = &poolEntry{store: s, refs: 1, lastUsed: p.now()}
	victims := p.evictLocked()
	n := len(p.entries)
	p.mu.Unlock()

	closeAll(victims)
	p.notify(n)
	return s, p.releaser(path), nil
}

func (p *Pool) take(path string) (*Store, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[path]
	if !ok {
		return nil, false
	}
	e.refs++
	e.lastUsed = p.now()
	return e.store, true
}

func (p *Pool) releaser(path string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { p.release(path) })
	}
}

func (p *Pool) release(path string) {
	p.mu.Lock()
	if e, ok := p.entries[path]; ok {
		e.refs--
		e.lastUsed = p.now()
	}
	victims := p.evictLocked()
	n := len(p.entries)
	p.mu.Unlock()

	if len(victims) > 0 {
		closeAll(victims)
		p.notify(n)
	}
}

// evictLocked removes least recently used idle entries until the pool fits
// within max. Entries in use are skipped, so the pool may exceed max while
// they are held.
func (p *Pool) evictLocked() []*Store {
	var victims []*Store
	for len(p.entries) > p.max {
		var (
			oldestPath string
			oldest     *poolEntry
		)
		for path, e := range p.entries {
			if e.refs > 0 {
				continue
			}
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldestPath, oldest = path, e
			}
		}
		if oldest == nil {
			break
		}
		delete(p.entries, oldestPath)
		victims = append(victims, oldest.store)
	}
	return victims
}

// evictIdle closes handles unused since before now-idle.
func (p *Pool) evictIdle(now time.Time) int {
	p.mu.Lock()
	var victims []*Store
	for path, e := range p.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) >= p.idle {
			delete(p.entries, path)
			victims = append(victims, e.store)
		}
	}
	n := len(p.entries)
	p.mu.Unlock()

	if len(victims) > 0 {
		closeAll(victims)
		p.notify(n)
	}
	return len(victims)
}

func (p *Pool) janitor() {
	defer close(p.done)

	interval := max(p.idle/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := p.evictIdle(p.now()); n > 0 {
				slog.Debug("closed idle stores", "count", n)
			}
		case <-p.stop:
			return
		}
	}
}

// Len returns the number of pooled handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the janitor and closes every pooled handle. Callers must have
// released their handles first.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	victims := make([]*Store, 0, len(p.entries))
	for path, e := range p.entries {
		victims = append(victims, e.store)
		delete(p.entries, path)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	default:
		close(p.stop)
		<-p.done
	}
	closeAll(victims)
	p.notify(0)
	return nil
}

func (p *Pool) notify(n int) {
	if p.onCount != nil {
		p.onCount(n)
	}
}

func closeAll(stores []*Store) {
	for _, s := range stores {
		if err := s.Close(); err != nil {
			slog.Warn("closing store", "db", s.Name(), "err", err)
		}
	}
}
