package gitcmp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onefinestay/cinch/internal/shell"
)

// DefaultTimeout bounds every git subprocess invocation.
const DefaultTimeout = 60 * time.Second

// conflictSentinel is the line old-style git merge-tree emits for a
// three-way conflict.
const conflictSentinel = "changed in both"

// FetchError is a transient failure talking to the remote or running git.
// Callers leave the affected pull request stale and move on.
type FetchError struct {
	Op   string
	Repo string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("git %s for %s: %v", e.Op, e.Repo, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Comparator maintains one bare mirror per project under BaseDir and answers
// ahead/behind, mergeability and merge-head questions about pull requests.
// Mirrors are a rebuildable cache; the provider remains the source of truth.
type Comparator struct {
	BaseDir    string
	BaseBranch string
	// CloneURL maps (owner, name) to the remote URL. Defaults to the
	// public provider HTTPS form.
	CloneURL func(owner, name string) string
	Timeout  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Comparator rooted at baseDir with the canonical integration
// branch as base.
func New(baseDir string) *Comparator {
	return &Comparator{
		BaseDir:    baseDir,
		BaseBranch: "master",
		Timeout:    DefaultTimeout,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (c *Comparator) cloneURL(owner, name string) string {
	if c.CloneURL != nil {
		return c.CloneURL(owner, name)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
}

func (c *Comparator) mirrorPath(owner, name string) string {
	return filepath.Join(c.BaseDir, owner, name)
}

// repoLock serialises mutations on a single mirror. Distinct mirrors
// proceed in parallel.
func (c *Comparator) repoLock(owner, name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks == nil {
		c.locks = make(map[string]*sync.Mutex)
	}
	key := owner + "/" + name
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}

func (c *Comparator) runner(dir string) *shell.Runner {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &shell.Runner{Dir: dir, Timeout: timeout}
}

// Ensure clones the bare mirror for (owner, name) if it does not exist yet.
// An existing mirror is a no-op.
func (c *Comparator) Ensure(ctx context.Context, owner, name string) error {
	lock := c.repoLock(owner, name)
	lock.Lock()
	defer lock.Unlock()
	return c.ensureLocked(ctx, owner, name)
}

func (c *Comparator) ensureLocked(ctx context.Context, owner, name string) error {
	path := c.mirrorPath(owner, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return &FetchError{Op: "clone", Repo: owner + "/" + name, Err: err}
	}

	url := c.cloneURL(owner, name)
	r := c.runner(parent)
	if _, err := r.Run(ctx, "git", "clone", "--bare", url, name); err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) && strings.Contains(exitErr.Stderr, "already exists") {
			return nil
		}
		return &FetchError{Op: "clone", Repo: owner + "/" + name, Err: err}
	}

	repo := c.runner(path)
	remotes := []struct{ name, spec string }{
		{"origin", "+refs/heads/*:refs/remotes/origin/*"},
		{"pr_head", "+refs/pull/*/head:refs/remotes/pr_head/*"},
		{"pr_merge", "+refs/pull/*/merge:refs/remotes/pr_merge/*"},
	}
	for _, remote := range remotes {
		if remote.name != "origin" {
			if _, err := repo.Run(ctx, "git", "remote", "add", remote.name, url); err != nil {
				return &FetchError{Op: "remote add", Repo: owner + "/" + name, Err: err}
			}
		}
		if _, err := repo.Run(ctx, "git", "config", "remote."+remote.name+".fetch", remote.spec); err != nil {
			return &FetchError{Op: "remote config", Repo: owner + "/" + name, Err: err}
		}
	}
	return nil
}

// Fetch updates all remotes of the mirror, cloning it first when absent.
func (c *Comparator) Fetch(ctx context.Context, owner, name string) error {
	lock := c.repoLock(owner, name)
	lock.Lock()
	defer lock.Unlock()

	if err := c.ensureLocked(ctx, owner, name); err != nil {
		return err
	}
	r := c.runner(c.mirrorPath(owner, name))
	if _, err := r.Run(ctx, "git", "fetch", "--all", "--prune"); err != nil {
		return &FetchError{Op: "fetch", Repo: owner + "/" + name, Err: err}
	}
	return nil
}

// Compare returns (behind, ahead) counts for the pull request relative to
// the base branch. Both are nil when either ref is unknown to the mirror.
func (c *Comparator) Compare(ctx context.Context, owner, name string, prNumber int) (behind, ahead *int, err error) {
	lock := c.repoLock(owner, name)
	lock.Lock()
	defer lock.Unlock()

	r := c.runner(c.mirrorPath(owner, name))
	base := "origin/" + c.baseBranch()
	head := fmt.Sprintf("pr_head/%d", prNumber)

	behind, err = c.revListCount(ctx, r, owner, name, head, base)
	if err != nil || behind == nil {
		return nil, nil, err
	}
	ahead, err = c.revListCount(ctx, r, owner, name, base, head)
	if err != nil || ahead == nil {
		return nil, nil, err
	}
	return behind, ahead, nil
}

// revListCount counts commits reachable from upper but not from lower.
// Unknown refs yield nil without error.
func (c *Comparator) revListCount(ctx context.Context, r *shell.Runner, owner, name, lower, upper string) (*int, error) {
	out, err := r.Run(ctx, "git", "rev-list", "--count", lower+".."+upper)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, &FetchError{Op: "rev-list", Repo: owner + "/" + name, Err: err}
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return nil, &FetchError{Op: "rev-list", Repo: owner + "/" + name, Err: err}
	}
	return &n, nil
}

// Mergeable computes the three-way merge between the base tip, the merge
// base and the pull request head without touching a working tree. The result
// is true iff no conflict is reported. Unknown refs yield nil.
func (c *Comparator) Mergeable(ctx context.Context, owner, name string, prNumber int) (*bool, error) {
	lock := c.repoLock(owner, name)
	lock.Lock()
	defer lock.Unlock()

	r := c.runner(c.mirrorPath(owner, name))
	base := "origin/" + c.baseBranch()
	head := fmt.Sprintf("pr_head/%d", prNumber)

	mergeBase, err := r.Run(ctx, "git", "merge-base", base, head)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, &FetchError{Op: "merge-base", Repo: owner + "/" + name, Err: err}
	}

	out, err := r.Run(ctx, "git", "merge-tree", strings.TrimSpace(mergeBase), base, head)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, &FetchError{Op: "merge-tree", Repo: owner + "/" + name, Err: err}
	}

	mergeable := true
	for _, line := range strings.Split(out, "\n") {
		if line == conflictSentinel {
			mergeable = false
			break
		}
	}
	return &mergeable, nil
}

// MergeHead resolves the provider-synthesised merge commit for the pull
// request, or nil when the provider has not published one.
func (c *Comparator) MergeHead(ctx context.Context, owner, name string, prNumber int) (*string, error) {
	lock := c.repoLock(owner, name)
	lock.Lock()
	defer lock.Unlock()

	r := c.runner(c.mirrorPath(owner, name))
	ref := fmt.Sprintf("refs/remotes/pr_merge/%d", prNumber)
	out, err := r.Run(ctx, "git", "rev-parse", "--verify", ref)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, &FetchError{Op: "rev-parse", Repo: owner + "/" + name, Err: err}
	}
	sha := strings.TrimSpace(out)
	return &sha, nil
}

func (c *Comparator) baseBranch() string {
	if c.BaseBranch == "" {
		return "master"
	}
	return c.BaseBranch
}
