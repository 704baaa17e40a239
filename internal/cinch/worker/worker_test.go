package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/onefinestay/cinch/internal/cinch/bus"
	"github.com/onefinestay/cinch/internal/cinch/db"
	"github.com/onefinestay/cinch/internal/cinch/engine"
	"github.com/onefinestay/cinch/internal/cinch/gitcmp"
	"github.com/onefinestay/cinch/internal/cinch/github"
)

type fakeGit struct {
	fetches    int
	failFetch  bool
	failFor    map[int]bool // pr numbers whose compare fails transiently
	behind     int
	ahead      int
	mergeable  bool
	mergeHeads map[int]string
}

func (g *fakeGit) Fetch(_ context.Context, owner, name string) error {
	g.fetches++
	if g.failFetch {
		return &gitcmp.FetchError{Op: "fetch", Repo: owner + "/" + name, Err: errors.New("remote hung up")}
	}
	return nil
}

func (g *fakeGit) Compare(_ context.Context, owner, name string, prNumber int) (*int, *int, error) {
	if g.failFor[prNumber] {
		return nil, nil, &gitcmp.FetchError{Op: "rev-list", Repo: owner + "/" + name, Err: errors.New("timeout")}
	}
	behind, ahead := g.behind, g.ahead
	return &behind, &ahead, nil
}

func (g *fakeGit) Mergeable(_ context.Context, _, _ string, _ int) (*bool, error) {
	m := g.mergeable
	return &m, nil
}

func (g *fakeGit) MergeHead(_ context.Context, _, _ string, prNumber int) (*string, error) {
	sha, ok := g.mergeHeads[prNumber]
	if !ok {
		return nil, nil
	}
	return &sha, nil
}

type postedStatus struct {
	Owner, Name, Sha, State, Description, TargetURL string
}

type fakePoster struct {
	posted []postedStatus
	err    error
}

func (p *fakePoster) PostStatus(_ context.Context, owner, name, sha, state, description, targetURL string) error {
	if p.err != nil {
		return p.err
	}
	p.posted = append(p.posted, postedStatus{owner, name, sha, state, description, targetURL})
	return nil
}

type fakeBus struct {
	events []bus.Event
}

func (b *fakeBus) Publish(_ context.Context, e bus.Event) error {
	b.events = append(b.events, e)
	return nil
}

type fixture struct {
	db     *db.DB
	git    *fakeGit
	bus    *fakeBus
	poster *fakePoster
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "cinch.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	b := &fakeBus{}
	git := &fakeGit{ahead: 3, mergeable: true, failFor: map[int]bool{}, mergeHeads: map[int]string{}}
	poster := &fakePoster{}
	w := New(d, git, engine.New(d, b), b, poster)
	w.ServerURL = "https://cinch.example.com"
	w.CIBaseURL = "https://ci.example.com"
	return &fixture{db: d, git: git, bus: b, poster: poster, worker: w}
}

func (f *fixture) project(t *testing.T, publish bool) db.Project {
	t.Helper()
	tip := "b0"
	p, err := f.db.CreateProject(db.Project{Owner: "acme", Name: "lib", BaseTip: &tip, PublishStatus: publish})
	if err != nil {
		t.Fatalf("creating project: %v", err)
	}
	return p
}

func (f *fixture) openPR(t *testing.T, projectID int64, number int, head string) {
	t.Helper()
	err := f.db.UpsertPullRequest(db.PullRequest{ProjectID: projectID, Number: number, Head: head, IsOpen: true})
	if err != nil {
		t.Fatalf("upserting pr %d: %v", number, err)
	}
}

func TestMasterMoved_RefreshesAllOpenPRsWithOneFetch(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, false)
	f.openPR(t, p.ID, 1, "h1")
	f.openPR(t, p.ID, 2, "h2")
	err := f.db.UpsertPullRequest(db.PullRequest{ProjectID: p.ID, Number: 3, Head: "h3", IsOpen: false})
	if err != nil {
		t.Fatalf("upserting closed pr: %v", err)
	}
	f.git.mergeHeads[1] = "m1"

	if err := f.worker.Handle(context.Background(), bus.MasterMoved{Owner: "acme", Name: "lib"}); err != nil {
		t.Fatalf("handling: %v", err)
	}

	if f.git.fetches != 1 {
		t.Errorf("expected exactly one fetch, got %d", f.git.fetches)
	}

	pr, err := f.db.GetPullRequest(p.ID, 1)
	if err != nil {
		t.Fatalf("getting pr: %v", err)
	}
	if pr.Ahead == nil || *pr.Ahead != 3 || pr.Behind == nil || *pr.Behind != 0 {
		t.Errorf("relative state not stored: %+v", pr)
	}
	if pr.MergeHead == nil || *pr.MergeHead != "m1" {
		t.Errorf("merge head = %v, want m1", pr.MergeHead)
	}

	want := []bus.Event{
		bus.PullRequestStatusUpdated{ProjectID: p.ID, Number: 1},
		bus.PullRequestStatusUpdated{ProjectID: p.ID, Number: 2},
	}
	if diff := cmp.Diff(want, f.bus.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestMasterMoved_FetchFailureLeavesAllStale(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, false)
	f.openPR(t, p.ID, 1, "h1")
	f.git.failFetch = true

	if err := f.worker.Handle(context.Background(), bus.MasterMoved{Owner: "acme", Name: "lib"}); err != nil {
		t.Fatalf("fetch failure must ack, got %v", err)
	}

	pr, err := f.db.GetPullRequest(p.ID, 1)
	if err != nil {
		t.Fatalf("getting pr: %v", err)
	}
	if pr.Ahead != nil {
		t.Errorf("pr must stay stale, got ahead=%d", *pr.Ahead)
	}
	if len(f.bus.events) != 0 {
		t.Errorf("expected no events, got %v", f.bus.events)
	}
}

func TestMasterMoved_TransientCompareFailureSkipsThatPR(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, false)
	f.openPR(t, p.ID, 1, "h1")
	f.openPR(t, p.ID, 2, "h2")
	f.git.failFor[1] = true

	if err := f.worker.Handle(context.Background(), bus.MasterMoved{Owner: "acme", Name: "lib"}); err != nil {
		t.Fatalf("handling: %v", err)
	}

	pr1, err := f.db.GetPullRequest(p.ID, 1)
	if err != nil {
		t.Fatalf("getting pr 1: %v", err)
	}
	if pr1.Ahead != nil {
		t.Errorf("pr 1 must stay stale")
	}

	want := []bus.Event{bus.PullRequestStatusUpdated{ProjectID: p.ID, Number: 2}}
	if diff := cmp.Diff(want, f.bus.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestMasterMoved_UnknownProjectAcked(t *testing.T) {
	f := newFixture(t)

	if err := f.worker.Handle(context.Background(), bus.MasterMoved{Owner: "acme", Name: "ghost"}); err != nil {
		t.Errorf("unknown project must ack, got %v", err)
	}
}

func TestPullRequestMoved_RefreshesOne(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, false)
	f.openPR(t, p.ID, 1, "h1")
	f.openPR(t, p.ID, 2, "h2")

	err := f.worker.Handle(context.Background(), bus.PullRequestMoved{Owner: "acme", Name: "lib", Number: 2})
	if err != nil {
		t.Fatalf("handling: %v", err)
	}

	want := []bus.Event{bus.PullRequestStatusUpdated{ProjectID: p.ID, Number: 2}}
	if diff := cmp.Diff(want, f.bus.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	pr1, err := f.db.GetPullRequest(p.ID, 1)
	if err != nil {
		t.Fatalf("getting pr 1: %v", err)
	}
	if pr1.Ahead != nil {
		t.Errorf("pr 1 must be untouched")
	}
}

func TestStatusUpdated_PostsSuccessVerdict(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, true)
	f.openPR(t, p.ID, 1, "h1")
	ahead, behind := 3, 0
	mergeable := true
	if err := f.db.SetRelativeState(p.ID, 1, &ahead, &behind, &mergeable, nil); err != nil {
		t.Fatalf("setting relative state: %v", err)
	}
	job, err := f.db.CreateJob("unit")
	if err != nil {
		t.Fatalf("creating job: %v", err)
	}
	if err := f.db.AddJobProject(job.ID, p.ID, 0, ""); err != nil {
		t.Fatalf("adding job project: %v", err)
	}
	if _, err := f.db.RecordBuildSha(job.ID, 5, p.ID, "h1"); err != nil {
		t.Fatalf("recording sha: %v", err)
	}
	if _, err := f.db.RecordBuildResult(job.ID, 5, true, "SUCCESS"); err != nil {
		t.Fatalf("recording result: %v", err)
	}

	err = f.worker.Handle(context.Background(), bus.PullRequestStatusUpdated{ProjectID: p.ID, Number: 1})
	if err != nil {
		t.Fatalf("handling: %v", err)
	}

	want := []postedStatus{{
		Owner: "acme", Name: "lib", Sha: "h1",
		State:       "success",
		Description: "Ready for release",
		TargetURL:   "https://cinch.example.com/pr/acme/lib/1",
	}}
	if diff := cmp.Diff(want, f.poster.posted); diff != "" {
		t.Errorf("posted statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusUpdated_PendingWhileBuildMissing(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, true)
	f.openPR(t, p.ID, 1, "h1")
	ahead, behind := 3, 0
	mergeable := true
	if err := f.db.SetRelativeState(p.ID, 1, &ahead, &behind, &mergeable, nil); err != nil {
		t.Fatalf("setting relative state: %v", err)
	}
	job, err := f.db.CreateJob("unit")
	if err != nil {
		t.Fatalf("creating job: %v", err)
	}
	if err := f.db.AddJobProject(job.ID, p.ID, 0, ""); err != nil {
		t.Fatalf("adding job project: %v", err)
	}

	err = f.worker.Handle(context.Background(), bus.PullRequestStatusUpdated{ProjectID: p.ID, Number: 1})
	if err != nil {
		t.Fatalf("handling: %v", err)
	}

	if len(f.poster.posted) != 1 || f.poster.posted[0].State != "pending" {
		t.Errorf("expected pending status, got %+v", f.poster.posted)
	}
}

func TestStatusUpdated_SkipsWhenPublishDisabled(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, false)
	f.openPR(t, p.ID, 1, "h1")

	err := f.worker.Handle(context.Background(), bus.PullRequestStatusUpdated{ProjectID: p.ID, Number: 1})
	if err != nil {
		t.Fatalf("handling: %v", err)
	}
	if len(f.poster.posted) != 0 {
		t.Errorf("expected no posts, got %+v", f.poster.posted)
	}
}

func TestStatusUpdated_ProviderErrorAcked(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, true)
	f.openPR(t, p.ID, 1, "h1")
	f.poster.err = &github.APIError{Op: "create status", Err: errors.New("boom")}

	err := f.worker.Handle(context.Background(), bus.PullRequestStatusUpdated{ProjectID: p.ID, Number: 1})
	if err != nil {
		t.Errorf("provider failure must ack, got %v", err)
	}
}
