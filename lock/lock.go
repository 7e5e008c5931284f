// Package lock provides exclusive locks over branch paths for structural operations.
package lock

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrTimeout = errors.New("lock timeout")
	ErrNotHeld = errors.New("lock not held")
	ErrNoOwner = errors.New("lock owner is required")
	ErrNoPaths = errors.New("at least one lock path is required")
)

// Owner identifies the caller holding a lock.
type Owner struct {
	// User is the identity of the caller.
	User string
	// Description explains the operation holding the lock.
	Description string
}

// Holder describes a held lock.
type Holder struct {
	Path     string
	Owner    Owner
	Acquired time.Time
}

// Locker is the contract used by structural operations to get exclusive access to branch paths.
type Locker interface {
	// Acquire blocks until all of the given paths are locked by the owner.
	Acquire(ctx context.Context, owner Owner, paths ...string) error
	// Release unlocks the given paths held by the owner.
	Release(owner Owner, paths ...string) error
	// Holders returns all currently held locks sorted by path.
	Holders() []Holder
}

type entry struct {
	sem    chan struct{}
	mu     sync.Mutex
	holder *Holder
}

// Table is an in-process Locker backed by one semaphore per path.
//
// Paths are always acquired in sorted order so that two owners locking overlapping
// path sets can not deadlock.
type Table struct {
	timeout time.Duration
	entries *xsync.MapOf[string, *entry]
}

var _ Locker = (*Table)(nil)

// NewTable returns a new lock table where acquisition waits at most the given timeout.
//
// A timeout of zero waits until the context is done.
func NewTable(timeout time.Duration) *Table {
	return &Table{
		timeout: timeout,
		entries: xsync.NewMapOf[string, *entry](),
	}
}

func (t *Table) entry(path string) *entry {
	e, _ := t.entries.LoadOrCompute(path, func() *entry {
		return &entry{sem: make(chan struct{}, 1)}
	})
	return e
}

func (t *Table) Acquire(ctx context.Context, owner Owner, paths ...string) error {
	if owner.User == "" {
		return ErrNoOwner
	}
	paths = normalize(paths)
	if len(paths) == 0 {
		return ErrNoPaths
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	for i, p := range paths {
		e := t.entry(p)
		select {
		case e.sem <- struct{}{}:
			e.mu.Lock()
			e.holder = &Holder{Path: p, Owner: owner, Acquired: time.Now()}
			e.mu.Unlock()

		case <-ctx.Done():
			t.release(paths[:i])
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			if h, ok := e.current(); ok {
				return fmt.Errorf("%w: %s held by %s (%s)", ErrTimeout, p, h.Owner.User, h.Owner.Description)
			}
			return fmt.Errorf("%w: %s", ErrTimeout, p)
		}
	}
	return nil
}

func (t *Table) Release(owner Owner, paths ...string) error {
	paths = normalize(paths)
	for _, p := range paths {
		e, ok := t.entries.Load(p)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotHeld, p)
		}
		h, ok := e.current()
		if !ok || h.Owner.User != owner.User {
			return fmt.Errorf("%w: %s", ErrNotHeld, p)
		}
	}
	t.release(paths)
	return nil
}

func (t *Table) release(paths []string) {
	for _, p := range paths {
		e := t.entry(p)
		e.mu.Lock()
		e.holder = nil
		e.mu.Unlock()
		<-e.sem
	}
}

func (t *Table) Holders() []Holder {
	var holders []Holder
	t.entries.Range(func(_ string, e *entry) bool {
		if h, ok := e.current(); ok {
			holders = append(holders, h)
		}
		return true
	})
	slices.SortFunc(holders, func(a, b Holder) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return holders
}

func (e *entry) current() (Holder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holder == nil {
		return Holder{}, false
	}
	return *e.holder, true
}

func normalize(paths []string) []string {
	out := slices.Clone(paths)
	slices.Sort(out)
	return slices.Compact(out)
}
