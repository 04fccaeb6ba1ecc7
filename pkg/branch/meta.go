package branch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"chronodb/pkg/chunk"

	"github.com/goccy/go-yaml"
)

const metaFile = "branch.yaml"

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Meta is the branch.yaml descriptor stored in every branch directory.
type Meta struct {
	Name   string `yaml:"name"`
	Parent string `yaml:"parent,omitempty"`
	// Origin is the branching timestamp; the branch sees its parent as of
	// this point. Zero for the master branch.
	Origin    int64     `yaml:"origin"`
	CreatedAt time.Time `yaml:"created_at"`
}

func validName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid branch name %q", name)
	}
	return nil
}

func readMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("parse %s: %w", metaFile, err)
	}
	if err := validName(m.Name); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// writeMeta stores the descriptor of a freshly created branch directory.
// With sync the descriptor and the directory entry itself are made durable.
func writeMeta(dir string, m Meta, sync bool) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", metaFile, err)
	}
	if err := chunk.WriteFileAtomic(filepath.Join(dir, metaFile), data, sync); err != nil {
		return fmt.Errorf("write %s: %w", metaFile, err)
	}
	if sync {
		return chunk.SyncDir(filepath.Dir(dir))
	}
	return nil
}
