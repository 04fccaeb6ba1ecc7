package store

import (
	"sort"
	"sync"

	"chronodb/pkg/branch"
	"chronodb/pkg/commit"
	"chronodb/pkg/conflict"
	"chronodb/pkg/dberrors"
	"chronodb/pkg/index"
	"chronodb/pkg/types"

	"github.com/google/uuid"
)

// Tx reads one branch as of a fixed timestamp and buffers writes until
// Commit. Reads see the transaction's own pending writes. A Tx is closed by
// Commit or Rollback; every later call fails with a transaction-closed
// error.
type Tx struct {
	s  *Store
	b  *branch.Branch
	ts int64
	id uuid.UUID
	txOptions

	mu      sync.Mutex
	writes  map[types.QualifiedKey]conflict.Value
	flushed map[types.QualifiedKey]conflict.Value
	inc     *commit.Incremental
	closed  bool
}

func (s *Store) newTx(b *branch.Branch, ts int64, opts []TxOption) *Tx {
	o := txOptions{strategy: s.strategy, blind: s.cfg.Commit.BlindOverwriteProtection}
	for _, opt := range opts {
		opt(&o)
	}
	return &Tx{
		s:         s,
		b:         b,
		ts:        ts,
		id:        uuid.New(),
		txOptions: o,
		writes:    make(map[types.QualifiedKey]conflict.Value),
		flushed:   make(map[types.QualifiedKey]conflict.Value),
	}
}

func (tx *Tx) ID() uuid.UUID    { return tx.id }
func (tx *Tx) Branch() string   { return tx.b.Name() }
func (tx *Tx) Timestamp() int64 { return tx.ts }

func (tx *Tx) check(op string) error {
	if tx.closed {
		return &dberrors.Error{Kind: dberrors.KindTransactionClosed, Op: op, Branch: tx.b.Name()}
	}
	if tx.s.closed.Load() {
		return &dberrors.Error{Kind: dberrors.KindClosed, Op: op, Branch: tx.b.Name()}
	}
	return nil
}

func (tx *Tx) pending(qk types.QualifiedKey) (conflict.Value, bool) {
	if v, ok := tx.writes[qk]; ok {
		return v, true
	}
	v, ok := tx.flushed[qk]
	return v, ok
}

// Get returns the value of a key as of the transaction timestamp.
func (tx *Tx) Get(keyspace, k string) (any, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("get"); err != nil {
		return nil, false, err
	}
	qk, err := key(keyspace, k)
	if err != nil {
		return nil, false, err
	}
	if v, ok := tx.pending(qk); ok {
		return v.Data, v.Exists, nil
	}
	r := tx.b.RangedGet(qk, tx.ts)
	if !r.Exists {
		return nil, false, nil
	}
	v, err := tx.s.registry.Unmarshal(r.Value)
	if err != nil {
		return nil, false, dberrors.Storage("get", tx.b.Name(), err)
	}
	return v, true, nil
}

// RangedGet returns the committed version of a key valid at the
// transaction timestamp together with its validity period. Pending writes
// are not reflected: they have no period yet.
func (tx *Tx) RangedGet(keyspace, k string) (types.RangedGetResult, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("ranged get"); err != nil {
		return types.RangedGetResult{}, err
	}
	qk, err := key(keyspace, k)
	if err != nil {
		return types.RangedGetResult{}, err
	}
	return tx.b.RangedGet(qk, tx.ts), nil
}

// Put buffers a new value for a key. Use Remove to delete.
func (tx *Tx) Put(keyspace, k string, value any) error {
	if value == nil {
		return dberrors.Newf(dberrors.KindInvalidArgument, "put", "nil value, use Remove")
	}
	return tx.write("put", keyspace, k, conflict.Present(value))
}

// Remove buffers a deletion of a key.
func (tx *Tx) Remove(keyspace, k string) error {
	return tx.write("remove", keyspace, k, conflict.Missing())
}

func (tx *Tx) write(op, keyspace, k string, v conflict.Value) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(op); err != nil {
		return err
	}
	qk, err := key(keyspace, k)
	if err != nil {
		return err
	}
	tx.writes[qk] = v
	return nil
}

func (tx *Tx) request(metadata any) commit.Request {
	writes := make([]conflict.Write, 0, len(tx.writes))
	for qk, v := range tx.writes {
		writes = append(writes, conflict.Write{Key: qk, Value: v})
	}
	return commit.Request{
		TxID:                     tx.id,
		Base:                     tx.ts,
		Writes:                   writes,
		Metadata:                 metadata,
		Strategy:                 tx.strategy,
		BlindOverwriteProtection: tx.blind,
	}
}

// Commit writes the buffered changes and closes the transaction. It returns
// the commit timestamp, or the branch's now when there was nothing to write.
func (tx *Tx) Commit(metadata any) (int64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("commit"); err != nil {
		return 0, err
	}
	tx.closed = true
	if tx.inc != nil {
		return tx.inc.Commit(tx.request(metadata))
	}
	return tx.s.commits.Commit(tx.b, tx.request(metadata))
}

// CommitIncremental persists the writes buffered so far without publishing
// them. The first call locks the branch for commits until Commit or
// Rollback ends the transaction. A failure rolls back everything flushed
// and closes the transaction.
func (tx *Tx) CommitIncremental() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("commit incremental"); err != nil {
		return err
	}
	if tx.inc == nil {
		inc, err := tx.s.commits.BeginIncremental(tx.b, tx.id)
		if err != nil {
			tx.closed = true
			return err
		}
		tx.inc = inc
	}
	if err := tx.inc.Flush(tx.request(nil)); err != nil {
		tx.closed = true
		return err
	}
	for qk, v := range tx.writes {
		tx.flushed[qk] = v
	}
	clear(tx.writes)
	return nil
}

// Rollback discards the transaction. Rolling back a closed transaction is a
// no-op.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil
	}
	tx.closed = true
	clear(tx.writes)
	clear(tx.flushed)
	if tx.inc != nil {
		return tx.inc.Rollback()
	}
	return nil
}

// History lists the timestamps at which a key changed, up to the
// transaction timestamp, oldest first. Deletions are included.
func (tx *Tx) History(keyspace, k string) ([]int64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("history"); err != nil {
		return nil, err
	}
	qk, err := key(keyspace, k)
	if err != nil {
		return nil, err
	}
	return tx.b.History(qk, tx.ts), nil
}

// ModificationsBetween lists every key version written in [from, to] within
// a keyspace, ordered by timestamp. to is capped at the transaction
// timestamp.
func (tx *Tx) ModificationsBetween(keyspace string, from, to int64) ([]types.TemporalKey, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("modifications"); err != nil {
		return nil, err
	}
	if from > to {
		return nil, dberrors.Newf(dberrors.KindInvalidArgument, "modifications", "from %d is after to %d", from, to)
	}
	if keyspace == "" {
		keyspace = types.DefaultKeyspace
	}
	return tx.b.Modifications(keyspace, from, min(to, tx.ts)), nil
}

// Find evaluates a secondary index search on the committed state.
func (tx *Tx) Find(spec index.SearchSpec) ([]types.QualifiedKey, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("find"); err != nil {
		return nil, err
	}
	if spec.Keyspace == "" {
		spec.Keyspace = types.DefaultKeyspace
	}
	keys, err := tx.b.Find(spec, tx.ts)
	if err != nil {
		return nil, dberrors.New(dberrors.KindInvalidArgument, "find", err)
	}
	return keys, nil
}

// Keys lists the live keys of a keyspace, sorted, pending writes included.
func (tx *Tx) Keys(keyspace string) ([]string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("keys"); err != nil {
		return nil, err
	}
	if keyspace == "" {
		keyspace = types.DefaultKeyspace
	}
	live := make(map[string]struct{})
	for _, k := range tx.b.Keys(keyspace, tx.ts) {
		live[k] = struct{}{}
	}
	overlay := func(pending map[types.QualifiedKey]conflict.Value) {
		for qk, v := range pending {
			if qk.Keyspace != keyspace {
				continue
			}
			if v.Exists {
				live[qk.Key] = struct{}{}
			} else {
				delete(live, qk.Key)
			}
		}
	}
	overlay(tx.flushed)
	overlay(tx.writes)

	out := make([]string, 0, len(live))
	for k := range live {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Keyspaces lists the keyspaces with at least one live key.
func (tx *Tx) Keyspaces() ([]string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check("keyspaces"); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, ks := range tx.b.Keyspaces(tx.ts) {
		set[ks] = struct{}{}
	}
	for _, pending := range []map[types.QualifiedKey]conflict.Value{tx.flushed, tx.writes} {
		for qk, v := range pending {
			if v.Exists {
				set[qk.Keyspace] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for ks := range set {
		out = append(out, ks)
	}
	sort.Strings(out)
	return out, nil
}
