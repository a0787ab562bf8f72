package isolation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/aristath/taskforge/internal/fault"
)

// Dirs provisions a plain directory per task under Root, optionally seeded
// with a copy of Source. It serves targets that are not git repositories.
type Dirs struct {
	fs     afero.Fs
	root   string
	source string
}

var _ Provider = (*Dirs)(nil)

// NewDirs creates a directory provider. source may be empty.
func NewDirs(fs afero.Fs, root, source string) *Dirs {
	return &Dirs{fs: fs, root: root, source: source}
}

// Create makes root/<taskID>, copying source into it when configured.
// branchHint is ignored.
func (d *Dirs) Create(ctx context.Context, taskID, branchHint string) (string, error) {
	op := "isolation.create"
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return "", fault.Newf(fault.ErrProvisioning, op, "invalid task id %q", taskID)
	}
	dst := filepath.Join(d.root, taskID)

	if exists, _ := afero.DirExists(d.fs, dst); exists {
		return "", fault.Newf(fault.ErrProvisioning, op, "working copy %s already exists", dst)
	}
	if err := d.fs.MkdirAll(dst, 0o755); err != nil {
		return "", fault.New(fault.ErrProvisioning, op, err)
	}
	if d.source != "" {
		if err := d.copyTree(ctx, d.source, dst); err != nil {
			_ = d.fs.RemoveAll(dst)
			return "", fault.New(fault.ErrProvisioning, op, err)
		}
	}
	return dst, nil
}

// Remove deletes root/<taskID>. Missing directories are not an error.
func (d *Dirs) Remove(ctx context.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	if err := d.fs.RemoveAll(filepath.Join(d.root, taskID)); err != nil {
		return fault.New(fault.ErrProvisioning, "isolation.remove", err)
	}
	return nil
}

func (d *Dirs) copyTree(ctx context.Context, src, dst string) error {
	return afero.Walk(d.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			if info.Name() == ".git" || filepath.Clean(path) == filepath.Clean(d.root) {
				return filepath.SkipDir
			}
			return d.fs.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return d.copyFile(path, target, info.Mode().Perm())
	})
}

func (d *Dirs) copyFile(src, dst string, perm os.FileMode) error {
	in, err := d.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := d.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
