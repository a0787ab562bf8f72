package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/aristath/taskforge/internal/checkpoint"
	"github.com/aristath/taskforge/internal/fault"
)

// FileStore keeps checkpoints and records as JSON files:
//
//	<root>/checkpoints/<run>/<NNNNNN>.json
//	<root>/records/<kind>/<run>.json
//
// Every file is written to a temp file and renamed into place.
type FileStore struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory layout under root.
func NewFileStore(fs afero.Fs, root string) (*FileStore, error) {
	for _, dir := range []string{"checkpoints", "records"} {
		if err := fs.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &FileStore{fs: fs, root: root}, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.root, "checkpoints", runID)
}

func checkpointFile(n int) string {
	return fmt.Sprintf("%06d.json", n)
}

func validName(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// Save writes cp as the next file of its run. The store lock makes the gap
// check and the rename atomic with respect to other writers in-process.
func (s *FileStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Check(); err != nil {
		return err
	}
	if !validName(cp.RunID) {
		return fault.Newf(fault.ErrValidation, "checkpoint.save", "invalid run id %q", cp.RunID)
	}
	cp.CompletedAt = cp.CompletedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	numbers, err := s.stepNumbers(cp.RunID)
	if err != nil {
		return err
	}
	latest := 0
	if len(numbers) > 0 {
		latest = numbers[len(numbers)-1]
	}
	if err := checkpoint.CheckAppend(cp, latest); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fault.New(fault.ErrStorage, "checkpoint.save", fmt.Errorf("encode: %w", err))
	}
	if err := s.writeAtomic(s.runDir(cp.RunID), checkpointFile(cp.StepNumber), data); err != nil {
		return fault.New(fault.ErrStorage, "checkpoint.save", err)
	}
	return nil
}

// stepNumbers lists the step numbers written for runID, ascending.
func (s *FileStore) stepNumbers(runID string) ([]int, error) {
	entries, err := afero.ReadDir(s.fs, s.runDir(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.New(fault.ErrStorage, "checkpoint.scan", err)
	}

	var numbers []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}

func (s *FileStore) readCheckpoint(runID string, n int) (checkpoint.Checkpoint, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.runDir(runID), checkpointFile(n)))
	if err != nil {
		return checkpoint.Checkpoint{}, fault.New(fault.ErrStorage, "checkpoint.read", err)
	}
	cp, err := checkpoint.Decode(data)
	if err != nil {
		return checkpoint.Checkpoint{}, fault.New(fault.ErrStorage, "checkpoint.read", fmt.Errorf("decode step %d: %w", n, err))
	}
	return cp, nil
}

// Latest returns the highest-numbered checkpoint of runID.
func (s *FileStore) Latest(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	if !validName(runID) {
		return checkpoint.Checkpoint{}, fault.Newf(fault.ErrNotFound, "checkpoint.latest", "no checkpoints for run %q", runID)
	}
	numbers, err := s.stepNumbers(runID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if len(numbers) == 0 {
		return checkpoint.Checkpoint{}, fault.Newf(fault.ErrNotFound, "checkpoint.latest", "no checkpoints for run %q", runID)
	}
	return s.readCheckpoint(runID, numbers[len(numbers)-1])
}

// List returns every checkpoint of runID in step order.
func (s *FileStore) List(ctx context.Context, runID string) ([]checkpoint.Checkpoint, error) {
	if !validName(runID) {
		return nil, nil
	}
	numbers, err := s.stepNumbers(runID)
	if err != nil {
		return nil, err
	}
	list := make([]checkpoint.Checkpoint, 0, len(numbers))
	for _, n := range numbers {
		cp, err := s.readCheckpoint(runID, n)
		if err != nil {
			return nil, err
		}
		list = append(list, cp)
	}
	return list, nil
}

// ListResumable returns every run id with at least one checkpoint file.
func (s *FileStore) ListResumable(ctx context.Context) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.root, "checkpoints"))
	if err != nil {
		return nil, fault.New(fault.ErrStorage, "checkpoint.resumable", err)
	}
	var runs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		numbers, err := s.stepNumbers(e.Name())
		if err != nil {
			return nil, err
		}
		if len(numbers) > 0 {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// PutRecord writes v to records/<kind>/<run>.json and returns that path.
func (s *FileStore) PutRecord(ctx context.Context, kind, runID string, v any) (string, error) {
	if !validName(kind) || !validName(runID) {
		return "", fault.Newf(fault.ErrValidation, "record.put", "invalid record key %q/%q", kind, runID)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fault.New(fault.ErrStorage, "record.put", fmt.Errorf("encode %s: %w", kind, err))
	}
	dir := filepath.Join(s.root, "records", kind)
	if err := s.writeAtomic(dir, runID+".json", data); err != nil {
		return "", fault.New(fault.ErrStorage, "record.put", err)
	}
	return filepath.Join(dir, runID+".json"), nil
}

// GetRecord decodes records/<kind>/<run>.json into v.
func (s *FileStore) GetRecord(ctx context.Context, kind, runID string, v any) error {
	if !validName(kind) || !validName(runID) {
		return fault.Newf(fault.ErrNotFound, "record.get", "no %s record for run %q", kind, runID)
	}
	data, err := afero.ReadFile(s.fs, filepath.Join(s.root, "records", kind, runID+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return fault.Newf(fault.ErrNotFound, "record.get", "no %s record for run %q", kind, runID)
	}
	if err != nil {
		return fault.New(fault.ErrStorage, "record.get", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fault.New(fault.ErrStorage, "record.get", fmt.Errorf("decode %s: %w", kind, err))
	}
	return nil
}

// ListRecords returns the run ids holding a record of kind, sorted.
func (s *FileStore) ListRecords(ctx context.Context, kind string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.root, "records", kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.New(fault.ErrStorage, "record.list", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// writeAtomic writes data to dir/name via a synced temp file and rename, so
// readers never observe a partial file.
func (s *FileStore) writeAtomic(dir, name string, data []byte) (err error) {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = s.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := s.fs.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
