// Package engine correlates CI builds with pull requests. A build matches a
// pull request when the build's recorded SHA tuple equals the tuple the job
// would be expected to run for that pull request against the current base
// tips.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onefinestay/cinch/internal/cinch/bus"
	"github.com/onefinestay/cinch/internal/cinch/db"
)

// Store is the slice of the database layer the engine uses.
type Store interface {
	GetJobByName(name string) (db.Job, error)
	GetProjectByRepo(owner, name string) (db.Project, error)
	GetPullRequest(projectID int64, number int) (db.PullRequest, error)
	ListJobs() ([]db.Job, error)
	ListProjects() ([]db.Project, error)
	ListAllOpenPullRequests() ([]db.PullRequest, error)
	QueryBuildTuples(jobID int64, projectIDs []int64) ([]db.BuildTuple, error)
	RecordBuildSha(jobID int64, buildNumber int, projectID int64, sha string) (int64, error)
	RecordBuildResult(jobID int64, buildNumber int, success bool, status string) (int64, error)
	BuildShas(buildID int64) (map[int64]string, error)
}

// Engine answers "which build, if any, covers this pull request for this
// job?" and fans out status-updated events when new build data arrives.
type Engine struct {
	store Store
	bus   bus.Publisher
}

func New(store Store, pub bus.Publisher) *Engine {
	return &Engine{store: store, bus: pub}
}

// Key identifies a pull request.
type Key struct {
	ProjectID int64
	Number    int
}

// JobResult is the latest build of one job that matches a pull request.
// A nil BuildNumber means no build matches the expected tuple; a nil
// Success means the matching build is still running.
type JobResult struct {
	BuildNumber *int
	Success     *bool
}

// buildMatch is one entry of a job's tuple index.
type buildMatch struct {
	number  int
	success *bool
}

// Mapping computes the job results of every open pull request. The database
// cost is one tuple query per job plus three list queries, independent of
// pull request count.
func (e *Engine) Mapping(ctx context.Context) (map[Key]map[string]JobResult, error) {
	jobs, err := e.loadJobs(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := e.loadProjects(ctx)
	if err != nil {
		return nil, err
	}
	prs, err := e.loadOpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}

	// One tuple query per job, regardless of how many pull requests
	// consult it below.
	indexes := make(map[int64]map[string]buildMatch, len(jobs))
	for _, job := range jobs {
		idx, err := e.tupleIndex(ctx, job)
		if err != nil {
			return nil, err
		}
		indexes[job.ID] = idx
	}

	mapping := make(map[Key]map[string]JobResult, len(prs))
	for _, pr := range prs {
		results := make(map[string]JobResult)
		for _, job := range jobs {
			if !contains(job.ProjectIDs, pr.ProjectID) {
				continue
			}
			results[job.Name] = lookup(indexes[job.ID], job, projects, pr)
		}
		mapping[Key{ProjectID: pr.ProjectID, Number: pr.Number}] = results
	}
	return mapping, nil
}

// JobStatuses computes the job results of a single pull request, open or
// closed.
func (e *Engine) JobStatuses(ctx context.Context, projectID int64, number int) (map[string]JobResult, error) {
	pr, err := e.store.GetPullRequest(projectID, number)
	if err != nil {
		return nil, err
	}
	jobs, err := e.loadJobs(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := e.loadProjects(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]JobResult)
	for _, job := range jobs {
		if !contains(job.ProjectIDs, pr.ProjectID) {
			continue
		}
		idx, err := e.tupleIndex(ctx, job)
		if err != nil {
			return nil, err
		}
		results[job.Name] = lookup(idx, job, projects, pr)
	}
	return results, nil
}

// lookup finds the build covering pr in the job's tuple index. The merge
// head tuple is checked first: a build of the synthesised merge commit
// proves the pull request against the current base, so it beats any head
// match regardless of build number.
func lookup(idx map[string]buildMatch, job db.Job, projects map[int64]db.Project, pr db.PullRequest) JobResult {
	if pr.MergeHead != nil {
		if m, ok := idx[expectedKey(job, projects, pr, *pr.MergeHead)]; ok {
			n := m.number
			return JobResult{BuildNumber: &n, Success: m.success}
		}
	}
	if m, ok := idx[expectedKey(job, projects, pr, pr.Head)]; ok {
		n := m.number
		return JobResult{BuildNumber: &n, Success: m.success}
	}
	return JobResult{}
}

// expectedKey joins the tuple the job would build for pr: ownSha in the pull
// request's own slot, the base tip everywhere else. Returns "" when any slot
// is unknowable (a project without a recorded base tip), which matches no
// index entry.
func expectedKey(job db.Job, projects map[int64]db.Project, pr db.PullRequest, ownSha string) string {
	shas := make([]string, len(job.ProjectIDs))
	for i, pid := range job.ProjectIDs {
		if pid == pr.ProjectID {
			shas[i] = ownSha
			continue
		}
		p, ok := projects[pid]
		if !ok || p.BaseTip == nil {
			return ""
		}
		shas[i] = *p.BaseTip
	}
	return tupleKey(shas)
}

// tupleIndex returns the job's tuple index, computed at most once per memo
// scope. Tuples arrive in ascending build_number order, so overwriting
// leaves the highest build number for each tuple.
func (e *Engine) tupleIndex(ctx context.Context, job db.Job) (map[string]buildMatch, error) {
	m := memoFrom(ctx)
	if m != nil {
		if idx, ok := m.indexes[job.ID]; ok {
			return idx, nil
		}
	}

	tuples, err := e.store.QueryBuildTuples(job.ID, job.ProjectIDs)
	if err != nil {
		return nil, fmt.Errorf("querying builds for job %q: %w", job.Name, err)
	}
	idx := make(map[string]buildMatch, len(tuples))
	for _, t := range tuples {
		idx[tupleKey(t.Shas)] = buildMatch{number: t.BuildNumber, success: t.Success}
	}

	if m != nil {
		m.indexes[job.ID] = idx
	}
	return idx, nil
}

// RecordBuildSha stores the SHA a CI build pinned for one project and
// notifies every open pull request the build might now cover. The database
// write commits before any event is published.
func (e *Engine) RecordBuildSha(ctx context.Context, jobName string, buildNumber int, owner, name, sha string) error {
	job, err := e.store.GetJobByName(jobName)
	if err != nil {
		return err
	}
	project, err := e.store.GetProjectByRepo(owner, name)
	if err != nil {
		return err
	}

	buildID, err := e.store.RecordBuildSha(job.ID, buildNumber, project.ID, sha)
	if err != nil {
		return err
	}
	slog.Info("build.sha.recorded",
		"job", jobName, "build", buildNumber, "project", owner+"/"+name, "sha", sha)
	return e.fanOut(ctx, buildID)
}

// RecordBuildResult stores the outcome of a CI build and notifies every open
// pull request the build covers.
func (e *Engine) RecordBuildResult(ctx context.Context, jobName string, buildNumber int, success bool, status string) error {
	job, err := e.store.GetJobByName(jobName)
	if err != nil {
		return err
	}
	buildID, err := e.store.RecordBuildResult(job.ID, buildNumber, success, status)
	if err != nil {
		return err
	}
	slog.Info("build.result.recorded",
		"job", jobName, "build", buildNumber, "success", success, "status", status)
	return e.fanOut(ctx, buildID)
}

// fanOut publishes PullRequestStatusUpdated for each open pull request whose
// head or merge head appears in the build's SHA set.
func (e *Engine) fanOut(ctx context.Context, buildID int64) error {
	shas, err := e.store.BuildShas(buildID)
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(shas))
	for _, sha := range shas {
		set[sha] = true
	}

	prs, err := e.store.ListAllOpenPullRequests()
	if err != nil {
		return err
	}
	for _, pr := range prs {
		if !set[pr.Head] && (pr.MergeHead == nil || !set[*pr.MergeHead]) {
			continue
		}
		err := e.bus.Publish(ctx, bus.PullRequestStatusUpdated{ProjectID: pr.ProjectID, Number: pr.Number})
		if err != nil {
			return fmt.Errorf("publishing status update for pr %d#%d: %w", pr.ProjectID, pr.Number, err)
		}
	}
	return nil
}

// tupleKey joins a SHA tuple into an index key. SHAs are hex so NUL is a
// safe separator.
func tupleKey(shas []string) string {
	return strings.Join(shas, "\x00")
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
