package checkpoint

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// ArtifactChecker reports whether an artifact location still exists.
type ArtifactChecker interface {
	Exists(ctx context.Context, location string) (bool, error)
}

// FSChecker resolves artifact locations as file paths, relative ones
// against Base.
type FSChecker struct {
	FS   afero.Fs
	Base string
}

// NewFSChecker checks artifacts on fs relative to base.
func NewFSChecker(fs afero.Fs, base string) *FSChecker {
	return &FSChecker{FS: fs, Base: base}
}

func (c *FSChecker) Exists(ctx context.Context, location string) (bool, error) {
	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Base, path)
	}
	return afero.Exists(c.FS, path)
}

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}
