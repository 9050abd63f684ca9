package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Git implements Adapter by shelling out to the git binary.
type Git struct {
	// root is the repository root directory path
	root string
}

// NewGit creates a Git adapter for the repository containing path.
func NewGit(path string) (*Git, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInRepo, path)
	}
	return &Git{root: strings.TrimSpace(string(output))}, nil
}

// Root returns the repository root directory path.
func (g *Git) Root() string {
	return g.root
}

// ExcludePath returns the repository-local exclude file (info/exclude under
// the git dir). Ignore rules written there never dirty the working tree,
// unlike a tracked .gitignore.
func (g *Git) ExcludePath(ctx context.Context) (string, error) {
	output, err := g.run(ctx, "rev-parse", "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(output)
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.root, path)
	}
	return path, nil
}

// run executes a git command in the repository root and returns its combined
// output. Failures are wrapped in a GitError tagged with op.
func (g *Git) run(ctx context.Context, op string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), &GitError{Op: op, Args: args, Output: string(output), Err: err}
	}
	return string(output), nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (g *Git) IsClean(ctx context.Context) (bool, error) {
	output, err := g.run(ctx, "status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) == "", nil
}

// StageAll stages every change in the working tree.
func (g *Git) StageAll(ctx context.Context) error {
	_, err := g.run(ctx, "stage_all", "add", "-A")
	return err
}

// StageForce stages paths even when ignore rules exclude them.
func (g *Git) StageForce(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "-f", "--"}, paths...)
	_, err := g.run(ctx, "stage_force", args...)
	return err
}

// Commit records staged changes and returns the new commit id.
func (g *Git) Commit(ctx context.Context, message string, allowEmpty bool) (CommitID, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}

	if !allowEmpty {
		// git diff --cached --quiet exits 0 when the index is empty and 1
		// when there are staged changes; detect the empty case up front so
		// the caller gets a typed error instead of parsed output.
		_, err := g.run(ctx, "commit", "diff", "--cached", "--quiet")
		if err == nil {
			return "", ErrNothingToCommit
		}
		if exitCode(err) != 1 {
			return "", err
		}
	}

	args := []string{"commit", "-m", message, "--no-verify"}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := g.run(ctx, "commit", args...); err != nil {
		return "", err
	}

	return g.Head(ctx)
}

// exitCode extracts the command exit code from a GitError, or -1 if the
// error did not come from a completed process.
func exitCode(err error) int {
	var gerr *GitError
	if !errors.As(err, &gerr) {
		return -1
	}
	var exit *exec.ExitError
	if !errors.As(gerr.Err, &exit) {
		return -1
	}
	return exit.ExitCode()
}

// Head returns the current HEAD commit id.
func (g *Git) Head(ctx context.Context) (CommitID, error) {
	output, err := g.run(ctx, "head", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return CommitID(strings.TrimSpace(output)), nil
}

// ResetHard discards working tree and index state back to the checkpoint.
func (g *Git) ResetHard(ctx context.Context, to CommitID) error {
	if _, err := g.run(ctx, "reset_hard", "reset", "--hard", string(to)); err != nil {
		return err
	}
	// reset --hard leaves untracked files behind; a rollback must also
	// remove files the failed operation created.
	_, err := g.run(ctx, "reset_hard", "clean", "-fd")
	return err
}

// CreateBranch creates a branch at the current HEAD.
func (g *Git) CreateBranch(ctx context.Context, name string) error {
	if g.refExists(ctx, name) {
		return fmt.Errorf("%w: %s", ErrRefExists, name)
	}
	_, err := g.run(ctx, "create_branch", "branch", name)
	return err
}

// Checkout switches the working tree to the named ref.
func (g *Git) Checkout(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "checkout", "checkout", ref)
	return err
}

// DeleteBranch force-deletes the named branch.
func (g *Git) DeleteBranch(ctx context.Context, name string) error {
	if !g.refExists(ctx, name) {
		return fmt.Errorf("%w: %s", ErrRefNotFound, name)
	}
	_, err := g.run(ctx, "delete_branch", "branch", "-D", name)
	return err
}

// Merge merges the named branch into the current branch.
func (g *Git) Merge(ctx context.Context, name string) error {
	_, err := g.run(ctx, "merge", "merge", "--no-ff", "--no-edit", name)
	return err
}

// CurrentBranch returns the checked-out branch name, or "" for detached HEAD.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	output, err := g.run(ctx, "current_branch", "symbolic-ref", "--short", "HEAD")
	if err != nil {
		if exitCode(err) == 1 || strings.Contains(output, "not a symbolic ref") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// refExists returns true if the named local branch exists.
func (g *Git) refExists(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = g.root
	return cmd.Run() == nil
}

// logFormat is the machine-readable format used for history queries:
// hash, author timestamp (unix), author name, subject.
const logFormat = "%H%x1f%at%x1f%an%x1f%s"

// LastCommitFor returns the most recent commit touching path, or nil if the
// path has no history.
func (g *Git) LastCommitFor(ctx context.Context, path string) (*CommitInfo, error) {
	output, err := g.run(ctx, "last_commit_for",
		"log", "-1", "--format="+logFormat, "--", path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(output) == "" {
		return nil, nil
	}

	info, err := parseLogLine(strings.TrimSpace(output))
	if err != nil {
		return nil, fmt.Errorf("failed to parse log for %s: %w", path, err)
	}
	return &info, nil
}

// IsTracked reports whether path is tracked by git.
func (g *Git) IsTracked(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--error-unmatch", "--", path)
	cmd.Dir = g.root
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, &GitError{Op: "is_tracked", Args: []string{"ls-files", "--error-unmatch", "--", path}, Err: err}
	}
	return true, nil
}

// TrackedFiles lists tracked paths under prefix, relative to the repo root.
func (g *Git) TrackedFiles(ctx context.Context, prefix string) ([]string, error) {
	args := []string{"ls-files"}
	if prefix != "" {
		args = append(args, "--", prefix)
	}
	output, err := g.run(ctx, "tracked_files", args...)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// CommitsSince lists commits in (from, to], newest first, optionally
// restricted to a path.
func (g *Git) CommitsSince(ctx context.Context, from, to CommitID, path string) ([]CommitInfo, error) {
	rev := "HEAD"
	if to != "" {
		rev = string(to)
	}
	if from != "" {
		rev = string(from) + ".." + rev
	}

	args := []string{"log", "--format=" + logFormat, rev}
	if path != "" {
		args = append(args, "--", path)
	}

	output, err := g.run(ctx, "commits_since", args...)
	if err != nil {
		return nil, err
	}

	var commits []CommitInfo
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		info, err := parseLogLine(line)
		if err != nil {
			return nil, err
		}
		commits = append(commits, info)
	}
	return commits, nil
}

// parseLogLine parses a single logFormat line.
func parseLogLine(line string) (CommitInfo, error) {
	parts := strings.SplitN(line, "\x1f", 4)
	if len(parts) < 4 {
		return CommitInfo{}, fmt.Errorf("malformed log line: %q", line)
	}

	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("malformed commit timestamp %q: %w", parts[1], err)
	}

	return CommitInfo{
		ID:      CommitID(parts[0]),
		When:    time.Unix(unix, 0),
		Author:  parts[2],
		Subject: parts[3],
	}, nil
}
