package gitcmp

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// upstream builds a throwaway provider-side repository with one pull
// request: master holds base.txt, PR #1 adds topic.txt, and the provider
// refs refs/pull/1/{head,merge} are published.
type upstream struct {
	t    *testing.T
	path string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{t: t, path: t.TempDir()}
	u.git("init", "-b", "master")
	u.git("config", "user.email", "test@example.com")
	u.git("config", "user.name", "test")
	u.commitFile("base.txt", "base\n", "initial")
	u.git("checkout", "-b", "topic")
	u.commitFile("topic.txt", "topic\n", "topic change")
	u.git("update-ref", "refs/pull/1/head", "topic")
	u.git("checkout", "master")
	u.git("checkout", "-b", "premerge")
	u.git("merge", "topic", "-m", "provider merge")
	u.git("update-ref", "refs/pull/1/merge", "HEAD")
	u.git("checkout", "master")
	u.git("branch", "-D", "premerge")
	return u
}

func (u *upstream) git(args ...string) string {
	u.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = u.path
	out, err := cmd.CombinedOutput()
	if err != nil {
		u.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func (u *upstream) commitFile(name, content, msg string) {
	u.t.Helper()
	if err := os.WriteFile(filepath.Join(u.path, name), []byte(content), 0o644); err != nil {
		u.t.Fatalf("writing %s: %v", name, err)
	}
	u.git("add", name)
	u.git("commit", "-m", msg)
}

func testComparator(t *testing.T, u *upstream) *Comparator {
	t.Helper()
	c := New(t.TempDir())
	c.CloneURL = func(owner, name string) string { return u.path }
	return c
}

func TestEnsure_ClonesOnceAndIsIdempotent(t *testing.T) {
	u := newUpstream(t)
	c := testComparator(t, u)
	ctx := context.Background()

	if err := c.Ensure(ctx, "acme", "lib"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.BaseDir, "acme", "lib")); err != nil {
		t.Fatalf("mirror not created: %v", err)
	}
	if err := c.Ensure(ctx, "acme", "lib"); err != nil {
		t.Fatalf("second ensure should be a no-op: %v", err)
	}
}

func TestCompare_AheadAndBehind(t *testing.T) {
	u := newUpstream(t)
	c := testComparator(t, u)
	ctx := context.Background()

	if err := c.Fetch(ctx, "acme", "lib"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	behind, ahead, err := c.Compare(ctx, "acme", "lib", 1)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if behind == nil || ahead == nil {
		t.Fatalf("expected counts, got behind=%v ahead=%v", behind, ahead)
	}
	if *behind != 0 || *ahead != 1 {
		t.Errorf("expected (behind=0, ahead=1), got (%d, %d)", *behind, *ahead)
	}

	// master moves on: the PR falls behind.
	u.commitFile("more.txt", "more\n", "master moves")
	if err := c.Fetch(ctx, "acme", "lib"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	behind, ahead, err = c.Compare(ctx, "acme", "lib", 1)
	if err != nil {
		t.Fatalf("compare after move: %v", err)
	}
	if *behind != 1 || *ahead != 1 {
		t.Errorf("expected (behind=1, ahead=1), got (%d, %d)", *behind, *ahead)
	}
}

func TestCompare_UnknownPR_ReturnsNil(t *testing.T) {
	u := newUpstream(t)
	c := testComparator(t, u)
	ctx := context.Background()

	if err := c.Fetch(ctx, "acme", "lib"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	behind, ahead, err := c.Compare(ctx, "acme", "lib", 99)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if behind != nil || ahead != nil {
		t.Errorf("expected nil counts for unknown PR, got behind=%v ahead=%v", behind, ahead)
	}
}

func TestMergeable_CleanAndConflicting(t *testing.T) {
	u := newUpstream(t)
	c := testComparator(t, u)
	ctx := context.Background()

	if err := c.Fetch(ctx, "acme", "lib"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	ok, err := c.Mergeable(ctx, "acme", "lib", 1)
	if err != nil {
		t.Fatalf("mergeable: %v", err)
	}
	if ok == nil || !*ok {
		t.Errorf("expected mergeable=true, got %v", ok)
	}

	// Both sides edit the same line: three-way merge reports a conflict.
	u.git("checkout", "topic")
	u.commitFile("base.txt", "topic version\n", "conflicting topic edit")
	u.git("update-ref", "refs/pull/1/head", "topic")
	u.git("checkout", "master")
	u.commitFile("base.txt", "master version\n", "conflicting master edit")
	if err := c.Fetch(ctx, "acme", "lib"); err != nil {
		t.Fatalf("refetch: %v", err)
	}

	ok, err = c.Mergeable(ctx, "acme", "lib", 1)
	if err != nil {
		t.Fatalf("mergeable after conflict: %v", err)
	}
	if ok == nil || *ok {
		t.Errorf("expected mergeable=false, got %v", ok)
	}
}

func TestMergeable_UnknownPR_ReturnsNil(t *testing.T) {
	u := newUpstream(t)
	c := testComparator(t, u)
	ctx := context.Background()

	if err := c.Fetch(ctx, "acme", "lib"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	ok, err := c.Mergeable(ctx, "acme", "lib", 99)
	if err != nil {
		t.Fatalf("mergeable: %v", err)
	}
	if ok != nil {
		t.Errorf("expected nil for unknown PR, got %v", *ok)
	}
}

func TestMergeHead_ResolvesProviderMergeRef(t *testing.T) {
	u := newUpstream(t)
	c := testComparator(t, u)
	ctx := context.Background()

	if err := c.Fetch(ctx, "acme", "lib"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	sha, err := c.MergeHead(ctx, "acme", "lib", 1)
	if err != nil {
		t.Fatalf("merge head: %v", err)
	}
	if sha == nil || len(*sha) != 40 {
		t.Fatalf("expected 40-hex merge head, got %v", sha)
	}

	missing, err := c.MergeHead(ctx, "acme", "lib", 99)
	if err != nil {
		t.Fatalf("merge head for unknown PR: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil merge head for unknown PR, got %q", *missing)
	}
}
