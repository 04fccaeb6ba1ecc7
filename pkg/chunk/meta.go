package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chronodb/pkg/types"

	"github.com/goccy/go-yaml"
)

// Meta is the small YAML sidecar of a chunk. Now is the durable "now" of
// the owning branch while the chunk is the head; records above it are
// never visible.
type Meta struct {
	Sequence    uint64    `yaml:"sequence"`
	Lower       int64     `yaml:"lower"`
	Upper       int64     `yaml:"upper"`
	Now         int64     `yaml:"now"`
	Compression string    `yaml:"compression"`
	CreatedAt   time.Time `yaml:"created_at"`
}

func (m Meta) Period() types.Period {
	return types.Period{Lower: m.Lower, Upper: m.Upper}
}

func readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Upper <= m.Lower {
		return Meta{}, fmt.Errorf("%s: empty period [%d, %d)", path, m.Lower, m.Upper)
	}
	return m, nil
}

// writeMeta replaces path atomically: temp file, fsync, rename.
func writeMeta(path string, m Meta, sync bool) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode chunk meta: %w", err)
	}
	return WriteFileAtomic(path, data, sync)
}

// WriteFileAtomic replaces path with data through a temp file and a rename.
// With sync the file and its directory are fsynced.
func WriteFileAtomic(path string, data []byte, sync bool) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync %s: %w", tmp, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	if sync {
		return SyncDir(filepath.Dir(path))
	}
	return nil
}

// SyncDir fsyncs a directory so created and renamed entries survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
