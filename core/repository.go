package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nasdf/branchdb/index"
	"github.com/nasdf/branchdb/link"
	"github.com/nasdf/branchdb/lock"
	"github.com/nasdf/branchdb/logging"
	"github.com/nasdf/branchdb/metrics"
	"github.com/nasdf/branchdb/schema"
	"github.com/nasdf/branchdb/storage"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// SystemUser is the lock owner used when no user is given.
	SystemUser = "system"
	// DefaultLockTimeout is the lock wait used when no locker is given.
	DefaultLockTimeout = 10 * time.Second

	schemaID = "schema"
)

// Options configures a Repository.
type Options struct {
	// Clock allocates commit timestamps. Defaults to a WallClock.
	Clock Clock
	// Locker serializes structural operations. Defaults to a lock.Table.
	Locker lock.Locker
	// Logger defaults to a warn level logger writing to stderr.
	Logger logging.Logger
	// CacheSize is the number of decoded documents kept in memory.
	CacheSize int
}

// Repository is a revision controlled document store.
type Repository struct {
	index  index.Index
	links  *link.Store
	schema *schema.Schema
	clock  Clock
	locker lock.Locker
	log    logging.Logger

	arena       *xsync.MapOf[string, *Branch]
	commitLocks *xsync.MapOf[string, *sync.Mutex]
}

// Document is the visible revision of a document.
type Document struct {
	Type     string
	ID       string
	Node     datamodel.Node
	Revision *Revision
}

// Value returns the document content as go values.
func (d *Document) Value() (map[string]any, error) {
	return schema.MapValue(d.Node)
}

// Open returns a repository persisted in the given storage.
//
// When s is nil the schema saved by a previous Open is used.
func Open(ctx context.Context, store storage.Storage, s *schema.Schema, opts Options) (*Repository, error) {
	links, err := link.NewStore(store, opts.CacheSize)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = NewWallClock()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewTable(DefaultLockTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultLogger(slog.LevelWarn)
	}
	r := &Repository{
		index:       index.NewStore(store),
		links:       links,
		clock:       opts.Clock,
		locker:      opts.Locker,
		log:         opts.Logger,
		arena:       xsync.NewMapOf[string, *Branch](),
		commitLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}
	if err := r.loadSchema(ctx, s); err != nil {
		return nil, err
	}
	if err := r.loadBranches(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) loadSchema(ctx context.Context, s *schema.Schema) error {
	data, err := r.index.Get(ctx, metaKind, schemaID)
	if err != nil && !errors.Is(err, index.ErrNotFound) {
		return err
	}
	if s == nil {
		if data == nil {
			return fmt.Errorf("%w: repository has no schema", ErrNotFound)
		}
		s, err = schema.Load(string(data))
		if err != nil {
			return err
		}
	}
	r.schema = s
	if string(data) == s.Source() {
		return nil
	}
	tx := r.index.Write()
	tx.Put(metaKind, schemaID, []byte(s.Source()))
	return tx.Commit(ctx)
}

func (r *Repository) loadBranches(ctx context.Context) error {
	hits, err := r.index.Search(ctx, index.Query{Kind: branchKind})
	if err != nil {
		return err
	}
	var live float64
	for _, hit := range hits {
		var b Branch
		if err := records.Unmarshal(hit.Data, &b); err != nil {
			return err
		}
		r.clock.Receive(max(b.Head, b.Created, b.MergedAt))
		for _, p := range b.Lineage {
			r.clock.Receive(p.At)
		}
		if b.State != StateDeleted {
			live++
		}
		r.arena.Store(b.Path, &b)
	}
	if _, ok := r.arena.Load(RootBranch); ok {
		metrics.Branches.Set(live)
		return nil
	}
	root := &Branch{Path: RootBranch, State: StateActive}
	if err := r.persistBranches(ctx, root); err != nil {
		return err
	}
	r.arena.Store(root.Path, root)
	metrics.Branches.Set(live + 1)
	return nil
}

// Schema returns the schema describing the document types of the repository.
func (r *Repository) Schema() *schema.Schema {
	return r.schema
}

// Clock returns the clock allocating commit timestamps.
func (r *Repository) Clock() Clock {
	return r.clock
}

// Locker returns the locker serializing structural operations.
func (r *Repository) Locker() lock.Locker {
	return r.locker
}

func (r *Repository) view(path string) (*Branch, bool) {
	return r.arena.Load(path)
}

func (r *Repository) commitLock(path string) *sync.Mutex {
	mu, _ := r.commitLocks.LoadOrCompute(path, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return mu
}

// lockCommits locks the commit mutexes of the given paths and returns a function unlocking them.
//
// Mutexes of deleted branches are dropped from the map, so locking retries until every held
// mutex is still the registered one.
func (r *Repository) lockCommits(paths ...string) func() {
	paths = slices.Clone(paths)
	slices.Sort(paths)
	paths = slices.Compact(paths)
	for {
		locked := make([]*sync.Mutex, 0, len(paths))
		for _, p := range paths {
			mu := r.commitLock(p)
			mu.Lock()
			locked = append(locked, mu)
		}
		unlock := func() {
			for _, mu := range locked {
				mu.Unlock()
			}
		}
		if r.registered(paths, locked) {
			return unlock
		}
		unlock()
	}
}

func (r *Repository) registered(paths []string, locked []*sync.Mutex) bool {
	for i, p := range paths {
		if mu, ok := r.commitLocks.Load(p); !ok || mu != locked[i] {
			return false
		}
	}
	return true
}

// acquire takes the structural lock over the given paths and returns a function releasing it.
func (r *Repository) acquire(ctx context.Context, user, operation, target string, paths ...string) (func(), error) {
	if user == "" {
		user = SystemUser
	}
	owner := lock.Owner{User: user, Description: operation + " " + target}
	start := time.Now()
	err := r.locker.Acquire(ctx, owner, paths...)
	metrics.LockWait.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if errors.Is(err, lock.ErrTimeout) {
		return nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := r.locker.Release(owner, paths...); err != nil {
			r.log.ErrorCtx(ctx, "failed to release lock", "paths", paths, "err", err)
		}
	}, nil
}

func (r *Repository) persistBranches(ctx context.Context, branches ...*Branch) error {
	tx := r.index.Write()
	for _, b := range branches {
		data, err := records.Marshal(b)
		if err != nil {
			return err
		}
		tx.Put(branchKind, b.Path, data)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return nil
}

// withState returns a copy of the branch with its derived state.
func (r *Repository) withState(b *Branch) *Branch {
	c := b.clone()
	if c.State == StateDeleted || c.IsRoot() {
		return c
	}
	c.State = StateActive
	if p, ok := r.arena.Load(c.Parent); ok && p.Head > c.Base {
		c.State = StateStale
	}
	return c
}

// live returns the record of the branch with the given path if it exists and is not deleted.
func (r *Repository) live(path string) (*Branch, error) {
	b, ok := r.arena.Load(path)
	if !ok || b.State == StateDeleted {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, path)
	}
	return b, nil
}

// Branch returns the branch with the given path.
func (r *Repository) Branch(ctx context.Context, path string) (*Branch, error) {
	b, err := r.live(path)
	if err != nil {
		return nil, err
	}
	return r.withState(b), nil
}

// Branches returns all branches sorted by path.
func (r *Repository) Branches(ctx context.Context) ([]*Branch, error) {
	return r.filterBranches(func(b *Branch) bool { return true }), nil
}

// Children returns the direct children of the branch with the given path sorted by path.
func (r *Repository) Children(ctx context.Context, path string) ([]*Branch, error) {
	if _, err := r.live(path); err != nil {
		return nil, err
	}
	return r.filterBranches(func(b *Branch) bool { return b.Parent == path }), nil
}

func (r *Repository) filterBranches(fn func(b *Branch) bool) []*Branch {
	var branches []*Branch
	r.arena.Range(func(_ string, b *Branch) bool {
		if b.State != StateDeleted && fn(b) {
			branches = append(branches, r.withState(b))
		}
		return true
	})
	slices.SortFunc(branches, func(a, b *Branch) int {
		return strings.Compare(a.Path, b.Path)
	})
	return branches
}

// CreateBranch creates a new branch with the given name under the parent branch.
func (r *Repository) CreateBranch(ctx context.Context, parent, name, user string) (*Branch, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := ChildPath(parent, name)
	// ancestors are locked so a concurrent delete of any of them waits for the create
	paths := append(lineage(path), parent)
	release, err := r.acquire(ctx, user, "create", path, paths...)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := r.live(parent)
	if err != nil {
		return nil, err
	}
	for _, a := range lineage(ParentPath(parent)) {
		if _, err := r.live(a); err != nil {
			return nil, err
		}
	}
	if existing, ok := r.arena.Load(path); ok && existing.State != StateDeleted {
		return nil, fmt.Errorf("%w: branch %s", ErrAlreadyExists, path)
	}
	created := r.clock.Tick()
	b := &Branch{
		Path:    path,
		Parent:  parent,
		Created: created,
		Base:    p.Head,
		Head:    p.Head,
		Lineage: []LineagePoint{{At: created, Base: p.Head}},
		State:   StateActive,
	}
	if err := r.persistBranches(ctx, b); err != nil {
		r.log.ErrorCtx(ctx, "failed to create branch", "branch", path, "err", err)
		return nil, err
	}
	r.arena.Store(path, b)
	metrics.Branches.Inc()
	r.log.InfoCtx(ctx, "branch created", "branch", path, "base", b.Base)
	return r.withState(b), nil
}

// DeleteBranch marks the branch with the given path and all of its descendants as deleted.
func (r *Repository) DeleteBranch(ctx context.Context, path, user string) error {
	if path == RootBranch {
		return fmt.Errorf("%w: the root branch can not be deleted", ErrInvalidBranch)
	}
	release, err := r.acquire(ctx, user, "delete", path, path)
	if err != nil {
		return err
	}
	defer release()

	if _, err := r.live(path); err != nil {
		return err
	}
	var paths []string
	r.arena.Range(func(p string, b *Branch) bool {
		if b.State != StateDeleted && (p == path || strings.HasPrefix(p, path+PathSeparator)) {
			paths = append(paths, p)
		}
		return true
	})
	unlock := r.lockCommits(paths...)
	defer unlock()

	deleted := make([]*Branch, 0, len(paths))
	for _, p := range paths {
		b, _ := r.arena.Load(p)
		d := b.clone()
		d.State = StateDeleted
		deleted = append(deleted, d)
	}
	if err := r.persistBranches(ctx, deleted...); err != nil {
		r.log.ErrorCtx(ctx, "failed to delete branch", "branch", path, "err", err)
		return err
	}
	for _, d := range deleted {
		r.arena.Store(d.Path, d)
		r.commitLocks.Delete(d.Path)
	}
	metrics.Branches.Sub(float64(len(deleted)))
	r.log.InfoCtx(ctx, "branch deleted", "branch", path, "branches", len(deleted))
	return nil
}

// resolveRef returns the live branch and the read timestamp of the given ref.
//
// Timestamps after the branch head are clamped to the head.
func (r *Repository) resolveRef(ref Ref) (*Branch, int64, error) {
	b, err := r.live(ref.Path)
	if err != nil {
		return nil, 0, err
	}
	if ref.Timestamp == 0 || ref.Timestamp > b.Head {
		return b, b.Head, nil
	}
	return b, ref.Timestamp, nil
}

// resolve returns the revision of the document visible on the branch at the given timestamp or nil.
func (r *Repository) resolve(ctx context.Context, path string, ts int64, key docKey) (*Revision, error) {
	set, err := r.loadRevisions(ctx, key.Type, key.ID)
	if err != nil {
		return nil, err
	}
	return set.resolve(r.view, path, ts)
}

func (r *Repository) document(ctx context.Context, rev *Revision) (*Document, error) {
	node, err := r.links.LoadString(ctx, rev.Content)
	if err != nil {
		return nil, err
	}
	return &Document{Type: rev.Type, ID: rev.ID, Node: node, Revision: rev}, nil
}

// node returns the content of the given revision or nil if the revision is nil.
func (r *Repository) node(ctx context.Context, rev *Revision) (datamodel.Node, error) {
	if rev == nil {
		return nil, nil
	}
	return r.links.LoadString(ctx, rev.Content)
}

// Read returns the document of the given type and id visible at the given ref.
func (r *Repository) Read(ctx context.Context, ref Ref, typ, id string) (*Document, error) {
	if _, err := r.schema.Type(typ); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	b, ts, err := r.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	rev, err := r.resolve(ctx, b.Path, ts, docKey{Type: typ, ID: id})
	if err != nil {
		return nil, err
	}
	if rev == nil {
		return nil, fmt.Errorf("%w: %s/%s on %s", ErrNotFound, typ, id, ref)
	}
	return r.document(ctx, rev)
}

// ReadAll returns all documents of the given type visible at the given ref sorted by id.
//
// All documents are resolved against the same timestamp.
func (r *Repository) ReadAll(ctx context.Context, ref Ref, typ string) ([]*Document, error) {
	if _, err := r.schema.Type(typ); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	b, ts, err := r.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	docs, err := r.loadTypeRevisions(ctx, typ)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []*Document
	for _, id := range ids {
		rev, err := docs[id].resolve(r.view, b.Path, ts)
		if err != nil {
			return nil, err
		}
		if rev == nil {
			continue
		}
		doc, err := r.document(ctx, rev)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}
