package chunk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrMetaLost reports that the meta file of a rolled back chunk is missing
// or unreadable. The data files are cut back anyway; the startup scan then
// treats the chunk as lost.
var ErrMetaLost = errors.New("chunk meta lost")

// RollbackFiles undoes an interrupted commit directly on the files of one
// chunk, before the store is opened: the data file is cut to dataOffset,
// the index file to indexOffset (removed when -1) and the meta horizon is
// reset to now. Running it twice has the same effect as running it once.
func RollbackFiles(dir string, seq uint64, dataOffset, indexOffset, now int64, sync bool) error {
	if err := shrink(dataPath(dir, seq), dataOffset, sync); err != nil {
		return fmt.Errorf("rollback chunk %d data: %w", seq, err)
	}
	if indexOffset < 0 {
		if err := os.Remove(indexPath(dir, seq)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("rollback chunk %d index: %w", seq, err)
		}
	} else if err := shrink(indexPath(dir, seq), indexOffset, sync); err != nil {
		return fmt.Errorf("rollback chunk %d index: %w", seq, err)
	}

	m, err := readMeta(metaPath(dir, seq))
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("rollback chunk %d meta: %w", seq, err)
		}
		return fmt.Errorf("rollback chunk %d: %w: %w", seq, ErrMetaLost, err)
	}
	if m.Now != now {
		m.Now = now
		if err := writeMeta(metaPath(dir, seq), m, sync); err != nil {
			return fmt.Errorf("rollback chunk %d meta: %w", seq, err)
		}
	}
	return nil
}

// shrink truncates path to size if it is longer. Missing files are left alone.
func shrink(path string, size int64, sync bool) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() <= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return err
	}
	if sync {
		return f.Sync()
	}
	return nil
}
