package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"chronodb/pkg/branch"
	"chronodb/pkg/clock"
	"chronodb/pkg/codec"
	"chronodb/pkg/commit"
	"chronodb/pkg/compression"
	"chronodb/pkg/config"
	"chronodb/pkg/conflict"
	"chronodb/pkg/dberrors"
	"chronodb/pkg/index"
	"chronodb/pkg/listener"
	"chronodb/pkg/metrics"
	"chronodb/pkg/types"

	"github.com/zhangyunhao116/skipset"
)

// Store is a temporal key-value store: a tree of branches, each a timeline
// of committed versions.
type Store struct {
	cfg      config.DB
	logger   *slog.Logger
	metrics  metrics.Collector
	registry *codec.Registry
	strategy conflict.Strategy

	branches *branch.Manager
	commits  *commit.Coordinator

	imu      sync.RWMutex
	indexers map[string][]index.Indexer

	rollovers *rolloverWorker
	closed    atomic.Bool
}

func Open(cfg config.DB, opts ...Option) (*Store, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}
	if o.registry == nil {
		o.registry = codec.NewRegistry()
	}
	if o.tp == nil {
		o.tp = clock.SystemTime{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, dberrors.New(dberrors.KindInvalidArgument, "open", err)
	}
	strategy, err := conflict.ByName(cfg.Commit.ConflictStrategy)
	if err != nil {
		return nil, dberrors.New(dberrors.KindInvalidArgument, "open", err)
	}
	comp, err := compression.ByName(cfg.Chunk.Compression)
	if err != nil {
		return nil, dberrors.New(dberrors.KindInvalidArgument, "open", err)
	}
	if err := os.MkdirAll(cfg.RootPath, 0750); err != nil {
		return nil, dberrors.Storage("open", "", fmt.Errorf("create root dir: %w", err))
	}

	s := &Store{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  o.metrics,
		registry: o.registry,
		strategy: strategy,
		indexers: o.indexers,
	}
	if s.indexers == nil {
		s.indexers = make(map[string][]index.Indexer)
	}

	s.branches, err = branch.Open(cfg.RootPath, branch.Options{
		Codec:         comp,
		Sync:          cfg.Chunk.Sync,
		CacheCapacity: cfg.Cache.Capacity,
		Logger:        o.logger,
		Recover:       s.recover,
	})
	if err != nil {
		return nil, dberrors.Storage("open", "", err)
	}

	s.commits = commit.New(commit.Config{
		Codec:       o.registry,
		Clock:       o.tp,
		Faults:      o.faults,
		Metrics:     o.metrics,
		Logger:      o.logger,
		Sync:        cfg.Chunk.Sync,
		Indexers:    s.currentIndexers,
		AfterCommit: s.afterCommit,
	})

	for _, b := range s.branches.All() {
		s.metrics.SetGauge(metrics.LostChunks, map[string]string{"branch": b.Name()}, float64(len(b.Chunks().Lost())))
		s.metrics.SetGauge(metrics.BranchNow, map[string]string{"branch": b.Name()}, float64(b.Now()))
		if b.IndexDamaged() && len(s.indexers) > 0 {
			if err := s.reindex(b); err != nil {
				_ = s.branches.Close()
				return nil, err
			}
		}
	}

	s.rollovers = newRolloverWorker(s, cfg.Rollover.QueueSize)
	s.rollovers.Start(context.Background())

	s.logger.Info("store opened", "path", cfg.RootPath, "branches", len(s.branches.Branches()), "compression", comp.Name())
	return s, nil
}

// recover undoes a commit a crash interrupted in a branch directory.
func (s *Store) recover(dir string) error {
	recovered, err := commit.Recover(dir, s.cfg.Chunk.Sync, s.logger)
	if err != nil {
		return err
	}
	if recovered {
		s.metrics.IncCounter(metrics.RecoveredCommits, map[string]string{"branch": filepath.Base(dir)}, 1)
	}
	return nil
}

func (s *Store) afterCommit(b *branch.Branch) {
	hits, misses := b.Cache().Stats()
	s.metrics.SetGauge(metrics.CacheRequests, map[string]string{"branch": b.Name(), "result": "hit"}, float64(hits))
	s.metrics.SetGauge(metrics.CacheRequests, map[string]string{"branch": b.Name(), "result": "miss"}, float64(misses))

	limit := s.cfg.Rollover.ThresholdBytes
	if limit > 0 && b.Chunks().Head().DataSize() > limit {
		s.rollovers.enqueue(b.Name())
	}
}

func (s *Store) currentIndexers() map[string][]index.Indexer {
	s.imu.RLock()
	defer s.imu.RUnlock()
	out := make(map[string][]index.Indexer, len(s.indexers))
	for name, list := range s.indexers {
		out[name] = append([]index.Indexer(nil), list...)
	}
	return out
}

func (s *Store) branch(op, name string) (*branch.Branch, error) {
	if s.closed.Load() {
		return nil, &dberrors.Error{Kind: dberrors.KindClosed, Op: op, Branch: name}
	}
	b, err := s.branches.Branch(name)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Registry is the value codec of the store.
func (s *Store) Registry() *codec.Registry { return s.registry }

// Tx opens a transaction on the newest committed state of a branch.
func (s *Store) Tx(branchName string, opts ...TxOption) (*Tx, error) {
	b, err := s.branch("tx", branchName)
	if err != nil {
		return nil, err
	}
	return s.newTx(b, b.Now(), opts), nil
}

// TxAt opens a transaction reading a branch as of ts. ts must not be after
// the branch's now.
func (s *Store) TxAt(branchName string, ts int64, opts ...TxOption) (*Tx, error) {
	b, err := s.branch("tx", branchName)
	if err != nil {
		return nil, err
	}
	if ts < 0 || ts > b.Now() {
		return nil, &dberrors.Error{
			Kind:   dberrors.KindInvalidArgument,
			Op:     "tx",
			Branch: branchName,
			Err:    fmt.Errorf("timestamp %d is outside [0, %d]", ts, b.Now()),
		}
	}
	return s.newTx(b, ts, opts), nil
}

func (s *Store) Now(branchName string) (int64, error) {
	b, err := s.branch("now", branchName)
	if err != nil {
		return 0, err
	}
	return b.Now(), nil
}

// CreateBranch forks parent at ts; a negative ts forks at the parent's now.
func (s *Store) CreateBranch(parent, name string, ts int64) error {
	if _, err := s.branch("create branch", parent); err != nil {
		return err
	}
	_, err := s.branches.CreateBranch(parent, name, ts)
	return err
}

func (s *Store) DropBranch(name string) error {
	if _, err := s.branch("drop branch", name); err != nil {
		return err
	}
	return s.branches.DropBranch(name)
}

func (s *Store) Branches() []string {
	return s.branches.Branches()
}

// Rollover closes the head chunk of a branch and starts a new one.
func (s *Store) Rollover(branchName string) error {
	b, err := s.branch("rollover", branchName)
	if err != nil {
		return err
	}
	return s.rollover(b, "manual")
}

func (s *Store) rollover(b *branch.Branch, trigger string) error {
	head, err := b.Rollover()
	if err != nil {
		return dberrors.Storage("rollover", b.Name(), err)
	}
	s.metrics.IncCounter(metrics.RolloversTotal, map[string]string{"branch": b.Name(), "trigger": trigger}, 1)
	s.logger.Info("chunk rolled over", "branch", b.Name(), "seq", head.Seq(), "lower", head.Period().Lower, "trigger", trigger)
	return nil
}

// AddIndexer installs ix under the index name and rebuilds the indexes of
// every branch, parents first.
func (s *Store) AddIndexer(name string, ix index.Indexer) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if strings.TrimSpace(name) == "" || ix == nil {
		return dberrors.Newf(dberrors.KindInvalidArgument, "add indexer", "index name and indexer are required")
	}
	s.imu.Lock()
	previous := s.indexers[name]
	s.indexers[name] = append(append([]index.Indexer(nil), previous...), ix)
	s.imu.Unlock()

	for _, b := range s.branches.All() {
		if err := s.reindex(b); err != nil {
			s.imu.Lock()
			if previous == nil {
				delete(s.indexers, name)
			} else {
				s.indexers[name] = previous
			}
			s.imu.Unlock()
			for _, b := range s.branches.All() {
				if rerr := s.reindex(b); rerr != nil {
					s.logger.Error("restoring index failed", "branch", b.Name(), "error", rerr)
				}
			}
			return err
		}
	}
	return nil
}

// Reindex rebuilds the secondary index of a branch from its primary data.
func (s *Store) Reindex(branchName string) error {
	b, err := s.branch("reindex", branchName)
	if err != nil {
		return err
	}
	return s.reindex(b)
}

func (s *Store) reindex(b *branch.Branch) error {
	err := b.Reindex(s.currentIndexers(), s.registry.Unmarshal)
	if err != nil {
		if dberrors.KindOf(err) != dberrors.KindUnknown {
			return err
		}
		return dberrors.Storage("reindex", b.Name(), err)
	}
	s.metrics.IncCounter(metrics.IndexRebuildsTotal, map[string]string{"branch": b.Name()}, 1)
	return nil
}

// CommitTimestampsBetween lists the commits of a branch in [from, to],
// including those inherited from its ancestors.
func (s *Store) CommitTimestampsBetween(branchName string, from, to int64) ([]int64, error) {
	b, err := s.branch("commit timestamps", branchName)
	if err != nil {
		return nil, err
	}
	if from > to {
		return nil, dberrors.Newf(dberrors.KindInvalidArgument, "commit timestamps", "from %d is after to %d", from, to)
	}
	recs := b.CommitsBetween(from, min(to, b.Now()))
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.Timestamp
	}
	return out, nil
}

// CommitMetadata returns the metadata stored with the commit at ts.
func (s *Store) CommitMetadata(branchName string, ts int64) (any, bool, error) {
	b, err := s.branch("commit metadata", branchName)
	if err != nil {
		return nil, false, err
	}
	if ts > b.Now() {
		return nil, false, nil
	}
	rec, ok := b.CommitAt(ts)
	if !ok || len(rec.Metadata) == 0 {
		return nil, ok, nil
	}
	v, err := s.registry.Unmarshal(rec.Metadata)
	if err != nil {
		return nil, true, dberrors.Storage("commit metadata", branchName, err)
	}
	return v, true, nil
}

// Close stops background work and releases every chunk file. Transactions
// still open fail afterwards.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.rollovers.Stop()
	err := s.branches.Close()
	s.logger.Info("store closed", "path", s.cfg.RootPath)
	return err
}

// key builds a qualified key, defaulting the keyspace.
func key(keyspace, k string) (types.QualifiedKey, error) {
	if keyspace == "" {
		keyspace = types.DefaultKeyspace
	}
	if k == "" {
		return types.QualifiedKey{}, dberrors.Newf(dberrors.KindInvalidArgument, "key", "key must not be empty")
	}
	return types.NewQualifiedKey(keyspace, k), nil
}

// rolloverWorker runs automatic rollovers off the commit path.
type rolloverWorker struct {
	*listener.Listener[string]
	s      *Store
	in     chan string
	queued *skipset.OrderedSet[string]
}

func newRolloverWorker(s *Store, size int) *rolloverWorker {
	if size < 1 {
		size = 1
	}
	w := &rolloverWorker{s: s, in: make(chan string, size), queued: skipset.New[string]()}
	w.Listener = listener.New(w.in, w.handle, func(name string, err error) {
		s.logger.Error("automatic rollover failed", "branch", name, "error", err)
	})
	return w
}

// enqueue asks for a rollover of a branch unless one is already pending.
func (w *rolloverWorker) enqueue(name string) {
	if !w.queued.Add(name) {
		return
	}
	select {
	case w.in <- name:
	default:
		w.queued.Remove(name)
		w.s.logger.Debug("rollover queue full", "branch", name)
	}
}

func (w *rolloverWorker) handle(_ context.Context, name string) error {
	defer w.queued.Remove(name)
	if w.s.closed.Load() {
		return nil
	}
	b, err := w.s.branches.Branch(name)
	if err != nil {
		// dropped meanwhile
		return nil
	}
	if b.Chunks().Head().DataSize() <= w.s.cfg.Rollover.ThresholdBytes {
		return nil
	}
	return w.s.rollover(b, "auto")
}
