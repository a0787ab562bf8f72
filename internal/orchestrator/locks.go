package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// pathLocks provides per-path mutual exclusion between tasks of a batch:
// each path gets its own one-slot channel, so tasks writing different paths
// proceed concurrently while tasks writing the same path serialize.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]chan struct{})}
}

func (p *pathLocks) slot(path string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		p.locks[path] = ch
	}
	return ch
}

// lock acquires path or returns ctx's error.
func (p *pathLocks) lock(ctx context.Context, path string) error {
	select {
	case p.slot(path) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pathLocks) unlock(path string) {
	p.mu.Lock()
	ch, ok := p.locks[path]
	p.mu.Unlock()
	if ok {
		<-ch
	}
}

// lockAll acquires every path in sorted order to avoid deadlock between
// tasks with overlapping sets. On failure nothing stays held.
func (p *pathLocks) lockAll(ctx context.Context, paths []string) error {
	sorted := sortedUnique(paths)
	for i, path := range sorted {
		if err := p.lock(ctx, path); err != nil {
			for j := i - 1; j >= 0; j-- {
				p.unlock(sorted[j])
			}
			return err
		}
	}
	return nil
}

// unlockAll releases paths in reverse sorted order.
func (p *pathLocks) unlockAll(paths []string) {
	sorted := sortedUnique(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		p.unlock(sorted[i])
	}
}

func sortedUnique(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
