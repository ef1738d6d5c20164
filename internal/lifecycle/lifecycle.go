// Package lifecycle sequences the life of one disposable database:
// create, initialize, open a pool, and later close the pool and drop. The
// driver-specific steps are supplied as Hooks.
package lifecycle

import (
	"context"
	"sync"
)

// State is the lifecycle state of a database.
type State int

const (
	Uninitialized State = iota
	Creating
	Initializing
	PoolOpen
	Ready
	Disposing
	Disposed
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Creating:      "creating",
	Initializing:  "initializing",
	PoolOpen:      "pool-open",
	Ready:         "ready",
	Disposing:     "disposing",
	Disposed:      "disposed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Hooks are the steps of a lifecycle. Errors returned by hooks are passed
// through unchanged.
type Hooks[P any] struct {
	// Create issues CREATE DATABASE.
	Create func(ctx context.Context) error

	// Created, if non-nil, is called once the database exists, or may
	// exist because ctx ended while Create was running.
	Created func()

	// Init, if non-nil, runs the caller's initializer.
	Init func(ctx context.Context) error

	// OpenPool opens the pool handed to the caller.
	OpenPool func(ctx context.Context) (P, error)

	// ClosePool releases a pool returned by OpenPool.
	ClosePool func(P)

	// Drop drops the database. ifExists is set when Create did not
	// report success but the database may exist anyway.
	Drop func(ifExists bool)
}

// Lifecycle is one database moving through its states.
type Lifecycle[P any] struct {
	hooks Hooks[P]

	closeOnce sync.Once

	mu       sync.Mutex
	state    State
	created  bool
	maybe    bool
	pool     P
	havePool bool
}

// Start runs the construction steps in order. On any failure it disposes
// of whatever was built, dropping the database if it may exist, and
// returns the failing step's error. A panic in a hook is treated the same
// way before it continues.
func Start[P any](ctx context.Context, h Hooks[P]) (_ *Lifecycle[P], err error) {
	l := &Lifecycle[P]{hooks: h, state: Creating}

	ok := false
	defer func() {
		if !ok {
			l.Close()
		}
	}()

	if err := h.Create(ctx); err != nil {
		// The server may finish creating the database after we stop
		// waiting for it.
		if ctx.Err() != nil {
			l.mu.Lock()
			l.maybe = true
			l.mu.Unlock()
			if h.Created != nil {
				h.Created()
			}
		}
		return nil, err
	}
	l.mu.Lock()
	l.created = true
	l.state = Initializing
	l.mu.Unlock()
	if h.Created != nil {
		h.Created()
	}

	if h.Init != nil {
		if err := h.Init(ctx); err != nil {
			return nil, err
		}
	}

	l.setState(PoolOpen)
	pool, err := h.OpenPool(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.pool, l.havePool = pool, true
	l.state = Ready
	l.mu.Unlock()

	ok = true
	return l, nil
}

// Pool returns the open pool, or false once Close has been called.
func (l *Lifecycle[P]) Pool() (P, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool, l.havePool
}

func (l *Lifecycle[P]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle[P]) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// Close closes the pool, then drops the database if it was created. Calls
// after the first do nothing; concurrent calls wait for the first.
func (l *Lifecycle[P]) Close() {
	l.closeOnce.Do(l.dispose)
}

func (l *Lifecycle[P]) dispose() {
	l.mu.Lock()
	l.state = Disposing
	pool, havePool := l.pool, l.havePool
	created, maybe := l.created, l.maybe
	var zero P
	l.pool, l.havePool = zero, false
	l.mu.Unlock()

	defer l.setState(Disposed)

	// The pool goes first. Its sessions would otherwise be terminated
	// from under it by the drop.
	if havePool {
		l.hooks.ClosePool(pool)
	}

	// A failed CREATE DATABASE may have collided with a database someone
	// else owns; only drop what we made or may have made.
	switch {
	case created:
		l.hooks.Drop(false)
	case maybe:
		l.hooks.Drop(true)
	}
}
