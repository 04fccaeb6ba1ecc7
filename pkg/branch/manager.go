package branch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"chronodb/pkg/cache"
	"chronodb/pkg/chunk"
	"chronodb/pkg/clock"
	"chronodb/pkg/compression"
	"chronodb/pkg/dberrors"
	"chronodb/pkg/index"
	"chronodb/pkg/types"
)

const branchesDir = "branches"

type Options struct {
	Codec         compression.Codec
	Sync          bool
	CacheCapacity int
	Logger        *slog.Logger
	// Recover runs on a branch directory before its chunks are loaded. The
	// commit coordinator uses it to undo a commit interrupted by a crash.
	Recover func(dir string) error
}

// Manager owns the branch tree of one store root.
type Manager struct {
	root   string
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	branches map[string]*Branch
}

// Open loads every branch under root, parents before children. The master
// branch is created on first use.
func Open(root string, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		root:     root,
		opts:     opts,
		logger:   opts.Logger,
		branches: make(map[string]*Branch),
	}
	if err := os.MkdirAll(filepath.Join(root, branchesDir), 0750); err != nil {
		return nil, fmt.Errorf("create branches dir: %w", err)
	}

	metas, err := m.scan()
	if err != nil {
		return nil, err
	}
	if _, ok := metas[types.MasterBranch]; !ok {
		master := Meta{Name: types.MasterBranch, CreatedAt: time.Now().UTC()}
		if err := os.MkdirAll(m.dir(master.Name), 0750); err != nil {
			return nil, fmt.Errorf("create master dir: %w", err)
		}
		if err := writeMeta(m.dir(master.Name), master, m.opts.Sync); err != nil {
			return nil, err
		}
		metas[master.Name] = master
	}

	for _, meta := range loadOrder(metas, m.logger) {
		if _, err := m.load(meta); err != nil {
			m.Close()
			return nil, fmt.Errorf("open branch %q: %w", meta.Name, err)
		}
	}
	return m, nil
}

func (m *Manager) dir(name string) string {
	return filepath.Join(m.root, branchesDir, name)
}

func (m *Manager) scan() (map[string]Meta, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, branchesDir))
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	metas := make(map[string]Meta, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := readMeta(filepath.Join(m.root, branchesDir, e.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// a CreateBranch that crashed before its descriptor was written
				m.logger.Warn("branch directory without descriptor, ignoring", "dir", e.Name())
				continue
			}
			return nil, fmt.Errorf("branch %q: %w", e.Name(), err)
		}
		if meta.Name != e.Name() {
			return nil, fmt.Errorf("branch directory %q describes %q", e.Name(), meta.Name)
		}
		metas[meta.Name] = meta
	}
	return metas, nil
}

// loadOrder sorts descriptors so every parent comes before its children.
// Branches whose ancestry is broken are skipped.
func loadOrder(metas map[string]Meta, logger *slog.Logger) []Meta {
	names := make([]string, 0, len(metas))
	for name := range metas {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		out     []Meta
		visited = make(map[string]bool)
		visit   func(name string, depth int) bool
	)
	visit = func(name string, depth int) bool {
		if done, seen := visited[name]; seen {
			return done
		}
		meta, ok := metas[name]
		if !ok || depth > len(metas) {
			return false
		}
		if meta.Parent != "" && !visit(meta.Parent, depth+1) {
			logger.Warn("branch parent unavailable, skipping", "branch", name, "parent", meta.Parent)
			visited[name] = false
			return false
		}
		visited[name] = true
		out = append(out, meta)
		return true
	}
	for _, name := range names {
		visit(name, 0)
	}
	return out
}

func (m *Manager) load(meta Meta) (*Branch, error) {
	dir := m.dir(meta.Name)
	if m.opts.Recover != nil {
		if err := m.opts.Recover(dir); err != nil {
			return nil, fmt.Errorf("recover: %w", err)
		}
	}

	var parent *Branch
	if meta.Parent != "" {
		parent = m.branches[meta.Parent]
	}
	lower := int64(0)
	if parent != nil {
		lower = meta.Origin + 1
	}
	logger := m.logger.With("branch", meta.Name)
	chunks, err := chunk.Open(dir, chunk.Options{
		Lower:  lower,
		Now:    lower - 1,
		Codec:  m.opts.Codec,
		Sync:   m.opts.Sync,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	b := &Branch{
		name:   meta.Name,
		parent: parent,
		origin: meta.Origin,
		dir:    dir,
		chunks: chunks,
		cache:  cache.New(m.opts.CacheCapacity),
		now:    clock.NewAtomic(chunks.Head().Now()),
		logger: logger,
	}
	ix := index.New()
	for _, c := range chunks.Chunks() {
		recs, damaged := c.TakeIndexRecords()
		if damaged {
			b.markIndexDamaged(true)
		}
		ix.Apply(changesOf(recs)...)
	}
	b.index.Store(ix)
	if len(chunks.Lost()) > 0 {
		// events of a lost chunk are gone with it
		b.markIndexDamaged(true)
	}
	if b.IndexDamaged() {
		logger.Warn("secondary index incomplete, rebuild required")
	}

	m.mu.Lock()
	m.branches[meta.Name] = b
	m.mu.Unlock()
	return b, nil
}

func changesOf(recs []chunk.IndexRecord) []index.Change {
	out := make([]index.Change, len(recs))
	for i, r := range recs {
		out[i] = index.Change{
			Timestamp: r.Timestamp,
			Index:     r.Index,
			Value:     r.Value,
			Key:       r.Key,
			Added:     r.Op == chunk.IndexAdd,
		}
	}
	return out
}

// IndexRecords converts index changes into their on-disk form.
func IndexRecords(changes []index.Change) []chunk.IndexRecord {
	out := make([]chunk.IndexRecord, len(changes))
	for i, c := range changes {
		op := chunk.IndexRemove
		if c.Added {
			op = chunk.IndexAdd
		}
		out[i] = chunk.IndexRecord{
			Timestamp: c.Timestamp,
			Op:        op,
			Index:     c.Index,
			Key:       c.Key,
			Value:     c.Value,
		}
	}
	return out
}

// Branch returns the named branch.
func (m *Manager) Branch(name string) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.branches[name]
	if !ok || b == nil {
		return nil, &dberrors.Error{Kind: dberrors.KindNotFound, Op: "branch", Branch: name}
	}
	return b, nil
}

// Branches lists branch names in order.
func (m *Manager) Branches() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.branches))
	for name, b := range m.branches {
		if b != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every open branch, parents before children.
func (m *Manager) All() []*Branch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Branch, 0, len(m.branches))
	for _, b := range m.branches {
		if b != nil {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].depth(), out[j].depth()
		if di != dj {
			return di < dj
		}
		return out[i].name < out[j].name
	})
	return out
}

func (b *Branch) depth() int {
	d := 0
	for p := b.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// CreateBranch forks parent at ts at. A negative at forks at the parent's
// current now.
func (m *Manager) CreateBranch(parentName, name string, at int64) (*Branch, error) {
	const op = "create branch"
	if err := validName(name); err != nil {
		return nil, &dberrors.Error{Kind: dberrors.KindInvalidArgument, Op: op, Branch: name, Err: err}
	}
	parent, err := m.Branch(parentName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.branches[name]; exists {
		m.mu.Unlock()
		return nil, dberrors.Newf(dberrors.KindInvalidArgument, op, "branch %q already exists", name)
	}
	// reserve the name while the directory is written
	m.branches[name] = nil
	m.mu.Unlock()

	b, err := m.create(parent, name, at)
	if err != nil {
		m.mu.Lock()
		delete(m.branches, name)
		m.mu.Unlock()
		return nil, err
	}
	return b, nil
}

func (m *Manager) create(parent *Branch, name string, at int64) (*Branch, error) {
	const op = "create branch"
	now := parent.Now()
	if at < 0 {
		at = now
	}
	if at > now {
		return nil, &dberrors.Error{
			Kind:   dberrors.KindInvalidArgument,
			Op:     op,
			Branch: name,
			Err:    fmt.Errorf("branching timestamp %d is after parent now %d", at, now),
		}
	}

	dir := m.dir(name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, dberrors.Storage(op, name, err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, dberrors.Storage(op, name, err)
	}
	meta := Meta{Name: name, Parent: parent.name, Origin: at, CreatedAt: time.Now().UTC()}
	if err := writeMeta(dir, meta, m.opts.Sync); err != nil {
		os.RemoveAll(dir)
		return nil, dberrors.Storage(op, name, err)
	}

	b, err := m.load(meta)
	if err != nil {
		os.RemoveAll(dir)
		return nil, dberrors.Storage(op, name, err)
	}
	m.logger.Info("branch created", "branch", name, "parent", parent.name, "origin", at)
	return b, nil
}

// DropBranch deletes a branch and its files. Master and branches with
// children cannot be dropped.
func (m *Manager) DropBranch(name string) error {
	const op = "drop branch"
	if name == types.MasterBranch {
		return dberrors.Newf(dberrors.KindInvalidArgument, op, "master cannot be dropped")
	}

	m.mu.Lock()
	b, ok := m.branches[name]
	if !ok || b == nil {
		m.mu.Unlock()
		return &dberrors.Error{Kind: dberrors.KindNotFound, Op: op, Branch: name}
	}
	for _, other := range m.branches {
		if other != nil && other.parent == b {
			m.mu.Unlock()
			return &dberrors.Error{
				Kind:   dberrors.KindInvalidArgument,
				Op:     op,
				Branch: name,
				Err:    fmt.Errorf("branch %q is a child of it", other.name),
			}
		}
	}
	delete(m.branches, name)
	m.mu.Unlock()

	b.Lock()
	defer b.Unlock()
	b.dropped.Store(true)
	if err := b.chunks.RemoveAll(); err != nil {
		return dberrors.Storage(op, name, err)
	}
	if err := os.RemoveAll(b.dir); err != nil {
		return dberrors.Storage(op, name, err)
	}
	m.logger.Info("branch dropped", "branch", name)
	return nil
}

// Close releases the file handles of every branch.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, b := range m.branches {
		if b == nil {
			continue
		}
		if err := b.chunks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close branch %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
