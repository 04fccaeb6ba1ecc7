package commit

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chronodb/pkg/branch"
	"chronodb/pkg/chunk"
	"chronodb/pkg/clock"
	"chronodb/pkg/codec"
	"chronodb/pkg/conflict"
	"chronodb/pkg/dberrors"
	"chronodb/pkg/index"
	"chronodb/pkg/memtable"
	"chronodb/pkg/metrics"
	"chronodb/pkg/types"
	"chronodb/pkg/wal"

	"github.com/google/uuid"
)

type iTimeProvider interface {
	Now() time.Time
}

type Config struct {
	Codec   *codec.Registry
	Clock   iTimeProvider
	Faults  FaultInjector
	Metrics metrics.Collector
	Logger  *slog.Logger
	// Sync fsyncs the commit journal on every append.
	Sync bool
	// Indexers returns the secondary indexers in effect.
	Indexers func() map[string][]index.Indexer
	// AfterCommit runs after a successful commit, once the branch lock is
	// released.
	AfterCommit func(b *branch.Branch)
}

// Coordinator runs commits through the commit state machine. One
// coordinator serves every branch of a store; the branch commit lock keeps
// commits of a single branch apart.
type Coordinator struct {
	cfg Config

	mu sync.Mutex
	// branches whose in-process rollback failed; they need a reopen
	broken map[string]error
}

func New(cfg Config) *Coordinator {
	if cfg.Codec == nil {
		cfg.Codec = codec.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemTime{}
	}
	if cfg.Faults == nil {
		cfg.Faults = NoFaults{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Indexers == nil {
		cfg.Indexers = func() map[string][]index.Indexer { return nil }
	}
	return &Coordinator{cfg: cfg, broken: make(map[string]error)}
}

// Request is the part of a transaction the coordinator needs.
type Request struct {
	TxID uuid.UUID
	// Base is the timestamp the transaction read at.
	Base     int64
	Writes   []conflict.Write
	Metadata any
	Strategy conflict.Strategy
	// BlindOverwriteProtection refuses writes to keys changed after Base.
	BlindOverwriteProtection bool
}

// Commit resolves conflicts and writes req in one step. It returns the
// commit timestamp, or the unchanged now when nothing had to be written.
func (c *Coordinator) Commit(b *branch.Branch, req Request) (int64, error) {
	start := time.Now()
	b.Lock()
	r, err := c.begin(b, req.TxID)
	if err != nil {
		b.Unlock()
		return 0, err
	}

	ts, err := r.flush(req)
	if err == nil {
		if len(r.written) == 0 {
			r.discard()
			b.Unlock()
			return r.prevNow, nil
		}
		ts, err = r.finish(req.Metadata)
	}
	if err != nil {
		err = r.abort(err)
	}
	b.Unlock()

	c.observe(r, start, err)
	if err == nil && c.cfg.AfterCommit != nil {
		c.cfg.AfterCommit(b)
	}
	return ts, err
}

func (c *Coordinator) observe(r *run, start time.Time, err error) {
	outcome := "committed"
	switch {
	case err == nil:
		c.cfg.Metrics.SetGauge(metrics.BranchNow, map[string]string{"branch": r.b.Name()}, float64(r.ts))
	case dberrors.KindOf(err) == dberrors.KindCommitConflict, dberrors.KindOf(err) == dberrors.KindBlindOverwrite:
		outcome = "conflict"
	default:
		outcome = "rolled_back"
	}
	c.cfg.Metrics.IncCounter(metrics.CommitsTotal, map[string]string{"branch": r.b.Name(), "outcome": outcome}, 1)
	c.cfg.Metrics.ObserveHistogram(metrics.CommitDuration, map[string]string{"branch": r.b.Name()}, time.Since(start).Seconds())
}

func (c *Coordinator) begin(b *branch.Branch, txID uuid.UUID) (*run, error) {
	const op = "commit"
	if b.Dropped() {
		return nil, &dberrors.Error{Kind: dberrors.KindNotFound, Op: op, Branch: b.Name()}
	}
	c.mu.Lock()
	cause := c.broken[b.Dir()]
	c.mu.Unlock()
	if cause != nil {
		return nil, &dberrors.Error{Kind: dberrors.KindStorage, Op: op, Branch: b.Name(), Err: fmt.Errorf("branch needs recovery, reopen the store: %w", cause)}
	}
	if txID == uuid.Nil {
		txID = uuid.New()
	}

	head := b.Chunks().Head()
	dataOff, indexOff := head.Offsets()
	prevNow := b.Now()
	return &run{
		c:        c,
		b:        b,
		head:     head,
		txID:     txID,
		prevNow:  prevNow,
		ts:       clock.NextCommitTimestamp(prevNow, c.cfg.Clock),
		dataOff:  dataOff,
		indexOff: indexOff,
		final:    make(map[types.QualifiedKey]pending),
		logger:   c.cfg.Logger.With("branch", b.Name(), "tx", txID),
	}, nil
}

// run is the state of one commit in flight. The branch lock is held for
// its whole life.
type run struct {
	c      *Coordinator
	b      *branch.Branch
	head   *chunk.Chunk
	logger *slog.Logger

	txID    uuid.UUID
	prevNow int64
	ts      int64
	stage   Stage

	dataOff, indexOff int64
	journal           *wal.WAL

	written      []types.QualifiedKey
	final        map[types.QualifiedKey]pending
	changes      []index.Change
	commitAdded  bool
	nowPersisted bool
}

type pending struct {
	key     types.QualifiedKey
	value   conflict.Value
	encoded []byte
}

// step asks the fault injector, does the work of stage s and enters it.
func (r *run) step(s Stage, work func() error) error {
	if err := r.c.cfg.Faults.BeforeStage(s); err != nil {
		return fmt.Errorf("before %s: %w", s, err)
	}
	if err := work(); err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	r.stage = s
	return nil
}

// flush resolves the writes of req and appends them to the journal and the
// head chunk. The versions stay invisible until finish advances now.
func (r *run) flush(req Request) (int64, error) {
	var resolved []pending
	err := r.step(StageConflictsResolved, func() error {
		var err error
		resolved, err = r.resolve(req)
		return err
	})
	if err != nil || len(resolved) == 0 {
		return r.ts, err
	}

	if err := r.journalWrites(resolved); err != nil {
		return r.ts, err
	}
	err = r.step(StagePrimaryIndexWritten, func() error {
		recs := make([]chunk.VersionRecord, len(resolved))
		for i, p := range resolved {
			recs[i] = chunk.VersionRecord{Key: p.key, Timestamp: r.ts, Value: p.encoded, Tombstone: !p.value.Exists}
		}
		if err := r.head.AppendVersions(recs); err != nil {
			return err
		}
		for _, p := range resolved {
			r.head.Table().Put(p.key, memtable.Version{Timestamp: r.ts, Value: p.encoded, Tombstone: !p.value.Exists})
			if _, seen := r.final[p.key]; !seen {
				r.written = append(r.written, p.key)
			}
			r.final[p.key] = p
		}
		return nil
	})
	return r.ts, err
}

func (r *run) resolve(req Request) ([]pending, error) {
	heads := make(map[types.QualifiedKey]memtable.Version)
	d := conflict.Detector{
		Branch:                   r.b.Name(),
		Base:                     req.Base,
		Strategy:                 req.Strategy,
		BlindOverwriteProtection: req.BlindOverwriteProtection,
		HeadOf: func(qk types.QualifiedKey) (conflict.Head, error) {
			v, ok := r.b.Latest(qk, r.prevNow)
			if !ok {
				return conflict.Head{Value: conflict.Missing(), LastModified: -1}, nil
			}
			heads[qk] = v
			value, err := r.decode(v)
			if err != nil {
				return conflict.Head{}, err
			}
			return conflict.Head{Value: value, LastModified: v.Timestamp}, nil
		},
		ValueAt: func(qk types.QualifiedKey, ts int64) (conflict.Value, error) {
			v, ok := r.b.Latest(qk, ts)
			if !ok {
				return conflict.Missing(), nil
			}
			return r.decode(v)
		},
	}
	resolutions, conflicts, err := d.Resolve(req.Writes)
	if err != nil {
		return nil, err
	}
	conflicted := make(map[types.QualifiedKey]bool, len(conflicts))
	for _, ac := range conflicts {
		conflicted[ac.Key] = true
	}

	out := make([]pending, 0, len(resolutions))
	for _, res := range resolutions {
		if res.Skip {
			continue
		}
		p := pending{key: res.Key, value: res.Value}
		if res.Value.Exists {
			if p.encoded, err = r.c.cfg.Codec.Marshal(res.Value.Data); err != nil {
				return nil, &dberrors.Error{Kind: dberrors.KindInvalidArgument, Op: "commit", Branch: r.b.Name(), Keys: []types.QualifiedKey{res.Key}, Err: err}
			}
		}
		if head, ok := heads[res.Key]; ok && conflicted[res.Key] && sameVersion(head, p) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// sameVersion compares the encoded form of a resolution with a stored version.
func sameVersion(v memtable.Version, p pending) bool {
	if v.Tombstone || !p.value.Exists {
		return v.Tombstone == !p.value.Exists
	}
	return bytes.Equal(v.Value, p.encoded)
}

func (r *run) decode(v memtable.Version) (conflict.Value, error) {
	if v.Tombstone {
		return conflict.Missing(), nil
	}
	data, err := r.c.cfg.Codec.Unmarshal(v.Value)
	if err != nil {
		return conflict.Value{}, err
	}
	return conflict.Present(data), nil
}

// journalWrites makes the intended change durable before any chunk file is
// touched. The journal is created on the first call.
func (r *run) journalWrites(resolved []pending) error {
	if r.journal == nil {
		j, err := wal.Create(r.b.Dir(), wal.Header{
			TxID:        r.txID,
			Timestamp:   r.ts,
			PrevNow:     r.prevNow,
			ChunkSeq:    r.head.Seq(),
			DataOffset:  r.dataOff,
			IndexOffset: r.indexOff,
		}, r.c.cfg.Sync)
		if err != nil {
			return fmt.Errorf("create journal: %w", err)
		}
		r.journal = j
	}
	entries := make([]wal.Entry, len(resolved))
	for i, p := range resolved {
		entries[i] = wal.Entry{Key: p.key, Value: p.encoded, Tombstone: !p.value.Exists}
	}
	if err := r.journal.Append(entries...); err != nil {
		return fmt.Errorf("journal writes: %w", err)
	}
	return nil
}

// finish runs the stages after the primary write and publishes the commit.
func (r *run) finish(metadata any) (int64, error) {
	var meta []byte
	if metadata != nil {
		var err error
		if meta, err = r.c.cfg.Codec.Marshal(metadata); err != nil {
			return 0, &dberrors.Error{Kind: dberrors.KindInvalidArgument, Op: "commit metadata", Branch: r.b.Name(), Err: err}
		}
		if err := r.journal.AppendMetadata(meta); err != nil {
			return 0, fmt.Errorf("journal metadata: %w", err)
		}
	}

	err := r.step(StageSecondaryIndexWritten, func() error {
		changes, err := r.indexChanges()
		if err != nil {
			return err
		}
		if err := r.head.AppendIndex(branch.IndexRecords(changes)); err != nil {
			return err
		}
		r.b.Index().Apply(changes...)
		r.changes = changes
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = r.step(StageMetadataWritten, func() error {
		rec := chunk.CommitRecord{Timestamp: r.ts, TxID: r.txID, Metadata: meta}
		if err := r.head.AppendCommit(rec); err != nil {
			return err
		}
		r.head.AddCommit(rec)
		r.commitAdded = true
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = r.step(StageCacheUpdated, func() error {
		for _, qk := range r.written {
			p := r.final[qk]
			r.b.Cache().Commit(qk, r.ts, p.encoded, p.value.Exists)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = r.step(StageNowAdvanced, func() error {
		r.nowPersisted = true
		return r.head.PersistNow(r.ts)
	})
	if err != nil {
		return 0, err
	}

	err = r.step(StageCommitted, func() error {
		// removing the journal is the commit point
		if err := r.journal.Remove(); err != nil {
			return err
		}
		r.journal = nil
		r.b.Publish(r.ts)
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug("commit published", "ts", r.ts, "keys", len(r.written))
	return r.ts, nil
}

// indexChanges diffs every written key against its state before the
// commit. Both sides are decoded from their stored form.
func (r *run) indexChanges() ([]index.Change, error) {
	indexers := r.c.cfg.Indexers()
	if len(indexers) == 0 {
		return nil, nil
	}
	var changes []index.Change
	for _, qk := range r.written {
		var before, after any
		if v, ok := r.b.Latest(qk, r.prevNow); ok {
			old, err := r.decode(v)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", qk, err)
			}
			before = old.Data
		}
		p := r.final[qk]
		if p.value.Exists {
			cur, err := r.c.cfg.Codec.Unmarshal(p.encoded)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", qk, err)
			}
			after = cur
		}
		diff, err := index.CalculateDiff(indexers, before, after)
		if err != nil {
			return nil, err
		}
		changes = append(changes, index.Changes(r.ts, qk, diff)...)
	}
	return changes, nil
}

// discard releases a run that wrote nothing.
func (r *run) discard() {
	if r.journal != nil {
		_ = r.journal.Close()
		_ = wal.Discard(r.b.Dir(), r.c.cfg.Sync)
	}
}

// abort rolls the run back and returns the error to report.
func (r *run) abort(cause error) error {
	failed := r.stage
	rbErr := r.rollback()
	r.logger.Warn("commit rolled back", "ts", r.ts, "stage", failed, "error", cause)
	if rbErr != nil {
		r.markBroken(rbErr)
		cause = errors.Join(cause, rbErr)
	}
	switch dberrors.KindOf(cause) {
	case dberrors.KindUnknown:
		return dberrors.Storage("commit", r.b.Name(), cause)
	default:
		return cause
	}
}

func (r *run) markBroken(err error) {
	r.logger.Error("rollback incomplete, branch needs recovery", "error", err)
	r.c.mu.Lock()
	r.c.broken[r.b.Dir()] = err
	r.c.mu.Unlock()
}

// rollback undoes everything the run did, newest first. The journal is
// removed only when the files are back in their previous state.
func (r *run) rollback() error {
	var errs []error
	if r.nowPersisted {
		if err := r.head.PersistNow(r.prevNow); err != nil {
			errs = append(errs, fmt.Errorf("restore now: %w", err))
		}
	}
	for _, qk := range r.written {
		r.b.Cache().Invalidate(qk)
	}
	r.b.Cache().Abort(r.ts, r.prevNow)
	if r.commitAdded {
		r.head.RemoveCommit(r.ts)
	}
	if len(r.changes) > 0 {
		r.b.Index().Revert(r.changes...)
	}
	for _, qk := range r.written {
		r.head.Table().Remove(qk, r.ts)
	}
	if r.journal != nil {
		if err := r.head.TruncateTo(r.dataOff, r.indexOff); err != nil {
			errs = append(errs, fmt.Errorf("truncate chunk %d: %w", r.head.Seq(), err))
		}
		if err := r.journal.Close(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			if err := wal.Discard(r.b.Dir(), r.c.cfg.Sync); err != nil {
				errs = append(errs, err)
			}
		}
		r.journal = nil
	}
	r.stage = StageRolledBack
	return errors.Join(errs...)
}
