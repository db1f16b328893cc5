// Package workspace manages isolated git working copies for tasks (C2): one
// worktree per task, checked out onto its own branch off a shared canonical
// repository, merged back (or preserved for inspection) once the task ends.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

// MergeResult reports the outcome of merging a task's branch back into base.
type MergeResult struct {
	Merged      bool
	Conflict    bool
	CommitCount int
}

// Manager serializes worktree creation and merges against a single canonical
// repository, mirroring the branch-creation mutex discipline the corpus uses
// for shared git state: only one git mutation runs against the canonical
// checkout at a time, even though each task otherwise operates in its own
// worktree directory.
type Manager struct {
	root          string // parent directory under which per-task worktrees are created
	canonicalRepo string // absolute path to the shared canonical clone
	baseBranch    string

	mu     sync.Mutex
	nextID int
}

// New returns a Manager rooted at root, branching off baseBranch of the
// canonical repository at canonicalRepo.
func New(root, canonicalRepo, baseBranch string) *Manager {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Manager{root: root, canonicalRepo: canonicalRepo, baseBranch: baseBranch}
}

// Allocate creates a new worktree for taskID on branch "task/<taskID>",
// branched off baseBranch, and returns its absolute path.
func (m *Manager) Allocate(ctx context.Context, taskID string) (path, branch string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch = "task/" + taskID
	path = filepath.Join(m.root, taskID)

	_, err = m.git(ctx, m.canonicalRepo, "worktree", "add", "-b", branch, path, m.baseBranch)
	if err != nil {
		// Branch already exists from a retried submission; reuse the
		// worktree rather than failing the whole allocation.
		if _, rmErr := m.git(ctx, m.canonicalRepo, "worktree", "add", path, branch); rmErr == nil {
			return path, branch, nil
		}
		return "", "", models.NewError(models.ErrSubprocessFailed, "create worktree", err)
	}
	m.nextID++
	return path, branch, nil
}

// Merge merges taskID's branch into baseBranch with a no-ff merge run in the
// canonical repository, refusing if the task's worktree has uncommitted
// changes. Conflicts are reported, not resolved; the worktree is left intact
// either way so the operator can inspect it.
func (m *Manager) Merge(ctx context.Context, taskID, branch string) (MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worktreePath := filepath.Join(m.root, taskID)
	out, err := m.git(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return MergeResult{}, models.NewError(models.ErrSubprocessFailed, "status before merge", err)
	}
	if strings.TrimSpace(out) != "" {
		return MergeResult{}, models.NewError(models.ErrConflict, "task worktree has uncommitted changes", nil)
	}

	countOut, err := m.git(ctx, m.canonicalRepo, "rev-list", "--count", m.baseBranch+".."+branch)
	if err != nil {
		return MergeResult{}, models.NewError(models.ErrSubprocessFailed, "count commits", err)
	}
	var commitCount int
	fmt.Sscanf(countOut, "%d", &commitCount)
	if commitCount == 0 {
		return MergeResult{Merged: false, CommitCount: 0}, nil
	}

	if _, err := m.git(ctx, m.canonicalRepo, "checkout", m.baseBranch); err != nil {
		return MergeResult{}, models.NewError(models.ErrSubprocessFailed, "checkout base", err)
	}
	_, err = m.git(ctx, m.canonicalRepo, "merge", "--no-ff", "-m", "merge "+branch, branch)
	if err != nil {
		return MergeResult{Merged: false, Conflict: true, CommitCount: commitCount}, models.NewError(
			models.ErrMergeConflict, "merge "+branch+" into "+m.baseBranch, err)
	}
	return MergeResult{Merged: true, CommitCount: commitCount}, nil
}

// Preserve is a no-op: the worktree at Allocate's returned path remains on
// disk for operator inspection until Reap removes it. It exists as an
// explicit call site so callers can mark intent even though nothing needs to
// happen today.
func (m *Manager) Preserve(taskID string) {}

// Reap removes worktrees (and their branches) for the given task IDs. It is
// operator-invoked only; nothing in the task lifecycle calls it
// automatically, so completed task workspaces survive until someone decides
// they're no longer needed.
func (m *Manager) Reap(ctx context.Context, taskIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, id := range taskIDs {
		path := filepath.Join(m.root, id)
		if _, err := m.git(ctx, m.canonicalRepo, "worktree", "remove", "--force", path); err != nil && firstErr == nil {
			firstErr = err
		}
		branch := "task/" + id
		if _, err := m.git(ctx, m.canonicalRepo, "branch", "-D", branch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return models.NewError(models.ErrSubprocessFailed, "reap worktrees", firstErr)
	}
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return stdout.String(), nil
}
