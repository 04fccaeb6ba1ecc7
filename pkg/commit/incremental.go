package commit

import (
	"sync"
	"time"

	"chronodb/pkg/branch"
	"chronodb/pkg/dberrors"

	"github.com/google/uuid"
)

// Incremental is a commit split over several flushes. The first flush
// reserves the commit timestamp and takes the branch lock; both are held
// until Commit or Rollback. Flushed versions are durable in the head chunk
// but stay invisible, and a crash before Commit discards all of them.
type Incremental struct {
	c     *Coordinator
	b     *branch.Branch
	start time.Time

	mu   sync.Mutex
	r    *run
	done bool
}

// BeginIncremental locks b for an incremental commit.
func (c *Coordinator) BeginIncremental(b *branch.Branch, txID uuid.UUID) (*Incremental, error) {
	b.Lock()
	r, err := c.begin(b, txID)
	if err != nil {
		b.Unlock()
		return nil, err
	}
	r.logger.Debug("incremental commit started", "ts", r.ts)
	return &Incremental{c: c, b: b, start: time.Now(), r: r}, nil
}

// Timestamp is the reserved commit timestamp.
func (inc *Incremental) Timestamp() int64 { return inc.r.ts }

// Flush resolves and persists the writes of req. Index diffs, metadata and
// the new now are left to Commit. A failed flush rolls back the whole
// sequence and ends it.
func (inc *Incremental) Flush(req Request) error {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	if inc.done {
		return dberrors.ErrTransactionClosed
	}
	if _, err := inc.r.flush(req); err != nil {
		return inc.fail(err)
	}
	return nil
}

// Commit flushes the remaining writes of req and publishes the sequence.
func (inc *Incremental) Commit(req Request) (int64, error) {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	if inc.done {
		return 0, dberrors.ErrTransactionClosed
	}
	r := inc.r
	if _, err := r.flush(req); err != nil {
		return 0, inc.fail(err)
	}
	if len(r.written) == 0 {
		r.discard()
		inc.end()
		return r.prevNow, nil
	}
	ts, err := r.finish(req.Metadata)
	if err != nil {
		return 0, inc.fail(err)
	}
	inc.end()
	inc.c.observe(r, inc.start, nil)
	if inc.c.cfg.AfterCommit != nil {
		inc.c.cfg.AfterCommit(inc.b)
	}
	return ts, nil
}

// Rollback discards every flushed write and releases the branch.
func (inc *Incremental) Rollback() error {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	if inc.done {
		return nil
	}
	err := inc.r.rollback()
	if err != nil {
		inc.r.markBroken(err)
		err = dberrors.Storage("rollback", inc.b.Name(), err)
	}
	inc.end()
	return err
}

func (inc *Incremental) fail(cause error) error {
	err := inc.r.abort(cause)
	inc.end()
	inc.c.observe(inc.r, inc.start, err)
	return err
}

func (inc *Incremental) end() {
	inc.done = true
	inc.b.Unlock()
}
