// Package gitx manages git mirrors and per-run worktrees through the
// git CLI.
//
// Layout under the manager's root:
//
//	mirrors/<digest>.git   one bare mirror per repository URL
//	worktrees/<branch>     one worktree per run branch
//
// Operations are written to be retried: preparing an existing mirror
// fetches instead of cloning, and adding an existing worktree returns
// its path.
package gitx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager implements workflow.WorkingCopyManager.
type Manager struct {
	root string
}

// NewManager creates a manager storing mirrors and worktrees under
// root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// EnsureMirror clones the repository as a bare mirror, or fetches it
// when the mirror already exists.
func (m *Manager) EnsureMirror(ctx context.Context, repoURL string) (string, error) {
	digest := sha256.Sum256([]byte(repoURL))
	mirror := filepath.Join(m.root, "mirrors", hex.EncodeToString(digest[:8])+".git")

	if _, err := os.Stat(mirror); err == nil {
		if _, err := git(ctx, "", "--git-dir", mirror, "fetch", "--prune", "origin"); err != nil {
			return "", fmt.Errorf("failed to refresh mirror for %s: %w", repoURL, err)
		}
		return mirror, nil
	}

	if err := os.MkdirAll(filepath.Dir(mirror), 0o755); err != nil {
		return "", err
	}
	if _, err := git(ctx, "", "clone", "--mirror", repoURL, mirror); err != nil {
		return "", fmt.Errorf("failed to mirror %s: %w", repoURL, err)
	}
	// clone --mirror marks the remote as a mirror, and git refuses
	// refspec pushes from a mirror remote. Unset the flag so worktrees
	// can push single branches; the mirror fetch refspec is kept.
	if _, err := git(ctx, "", "--git-dir", mirror, "config", "remote.origin.mirror", "false"); err != nil {
		return "", fmt.Errorf("failed to configure mirror for %s: %w", repoURL, err)
	}
	return mirror, nil
}

// AddWorktree checks out a fresh branch off the target branch in a new
// worktree. An existing worktree for the branch is reused.
func (m *Manager) AddWorktree(ctx context.Context, mirrorPath, branch, targetBranch string) (string, error) {
	path := filepath.Join(m.root, "worktrees", sanitize(branch))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if _, err := git(ctx, "", "--git-dir", mirrorPath, "worktree", "add", "-B", branch, path, targetBranch); err != nil {
		return "", fmt.Errorf("failed to add worktree for %s: %w", branch, err)
	}
	return path, nil
}

// RemoveWorktree detaches and deletes a worktree.
func (m *Manager) RemoveWorktree(ctx context.Context, worktreePath string) error {
	gitDir, err := git(ctx, worktreePath, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return fmt.Errorf("failed to resolve git dir for %s: %w", worktreePath, err)
	}
	if _, err := git(ctx, "", "--git-dir", strings.TrimSpace(gitDir), "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", worktreePath, err)
	}
	return nil
}

// FinalizeAndPush stages everything, commits, optionally squashes the
// branch down to a single commit over the merge-base, and pushes.
func (m *Manager) FinalizeAndPush(ctx context.Context, worktreePath, branch string, squash bool, targetBranch string) error {
	if _, err := git(ctx, worktreePath, "add", "-A"); err != nil {
		return err
	}
	staged, err := git(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(staged) != "" {
		if _, err := git(ctx, worktreePath, "commit", "-m", commitMessage(branch)); err != nil {
			return err
		}
	}

	if squash {
		base, err := git(ctx, worktreePath, "merge-base", "HEAD", targetBranch)
		if err != nil {
			return fmt.Errorf("failed to find merge-base with %s: %w", targetBranch, err)
		}
		base = strings.TrimSpace(base)
		head, err := m.HeadCommit(ctx, worktreePath)
		if err != nil {
			return err
		}
		if base != head {
			if _, err := git(ctx, worktreePath, "reset", "--soft", base); err != nil {
				return err
			}
			if _, err := git(ctx, worktreePath, "commit", "-m", commitMessage(branch)); err != nil {
				return err
			}
		}
	}

	if _, err := git(ctx, worktreePath, "push", "--force-with-lease", "origin", branch); err != nil {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// HeadCommit returns the worktree's HEAD hash.
func (m *Manager) HeadCommit(ctx context.Context, worktreePath string) (string, error) {
	out, err := git(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DiffAgainstMergeBase stages everything and returns the combined diff
// against the merge-base with the target branch, so both committed and
// uncommitted changes appear.
func (m *Manager) DiffAgainstMergeBase(ctx context.Context, worktreePath, targetBranch string) (string, error) {
	if _, err := git(ctx, worktreePath, "add", "-A"); err != nil {
		return "", err
	}
	base, err := git(ctx, worktreePath, "merge-base", "HEAD", targetBranch)
	if err != nil {
		return "", fmt.Errorf("failed to find merge-base with %s: %w", targetBranch, err)
	}
	return git(ctx, worktreePath, "diff", "--cached", strings.TrimSpace(base))
}

func commitMessage(branch string) string {
	key := branch
	if i := strings.LastIndex(branch, "/"); i >= 0 {
		key = branch[i+1:]
	}
	return key + ": automated change"
}

func sanitize(branch string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, branch)
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
