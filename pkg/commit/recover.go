package commit

import (
	"errors"
	"fmt"
	"log/slog"

	"chronodb/pkg/chunk"
	"chronodb/pkg/wal"
)

// Recover undoes a commit that was interrupted in branch directory dir. It
// must run before the chunks of dir are loaded. A journal found here never
// reached its commit point, so it is discarded rather than replayed: the
// head files are cut back to the journaled offsets and the previous now is
// restored. recovered reports whether there was anything to undo.
func Recover(dir string, sync bool, logger *slog.Logger) (recovered bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	rec, found, err := wal.Read(dir)
	if err != nil {
		return false, fmt.Errorf("read commit journal: %w", err)
	}
	if found {
		h := rec.Header
		err := chunk.RollbackFiles(dir, h.ChunkSeq, h.DataOffset, h.IndexOffset, h.PrevNow, sync)
		switch {
		case errors.Is(err, chunk.ErrMetaLost):
			logger.Warn("head chunk of interrupted commit has no meta, leaving it to the chunk scan",
				"dir", dir, "seq", h.ChunkSeq, "error", err)
		case err != nil:
			return false, err
		}
		logger.Warn("rolled back interrupted commit",
			"dir", dir, "tx", h.TxID, "ts", h.Timestamp, "now", h.PrevNow, "writes", len(rec.Entries))
	}
	if err := wal.Discard(dir, sync); err != nil {
		return false, err
	}
	return found, nil
}
