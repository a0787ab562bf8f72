// Package isolation provisions a private working copy per task so concurrent
// tasks never collide on shared files.
package isolation

import "context"

// Provider creates and destroys per-task working copies.
//
// Remove must be idempotent: removing an unknown or already removed task is
// not an error.
type Provider interface {
	Create(ctx context.Context, taskID, branchHint string) (string, error)
	Remove(ctx context.Context, taskID string) error
}
