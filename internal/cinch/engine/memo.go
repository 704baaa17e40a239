package engine

import (
	"context"

	"github.com/onefinestay/cinch/internal/cinch/db"
)

type memoCtxKey struct{}

// memo caches the list queries and per-job tuple indexes for the duration of
// one request or event. It is not safe for concurrent use; a memo scope is
// one request.
type memo struct {
	jobs       []db.Job
	jobsLoaded bool
	projects   map[int64]db.Project
	prs        []db.PullRequest
	prsLoaded  bool
	indexes    map[int64]map[string]buildMatch
}

// WithMemo returns a context carrying a fresh memo scope. Handlers attach
// one per request so repeated engine calls share their reads; without it
// every call hits the store.
func WithMemo(ctx context.Context) context.Context {
	return context.WithValue(ctx, memoCtxKey{}, &memo{
		indexes: make(map[int64]map[string]buildMatch),
	})
}

func memoFrom(ctx context.Context) *memo {
	m, _ := ctx.Value(memoCtxKey{}).(*memo)
	return m
}

func (e *Engine) loadJobs(ctx context.Context) ([]db.Job, error) {
	m := memoFrom(ctx)
	if m != nil && m.jobsLoaded {
		return m.jobs, nil
	}
	jobs, err := e.store.ListJobs()
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.jobs = jobs
		m.jobsLoaded = true
	}
	return jobs, nil
}

func (e *Engine) loadProjects(ctx context.Context) (map[int64]db.Project, error) {
	m := memoFrom(ctx)
	if m != nil && m.projects != nil {
		return m.projects, nil
	}
	list, err := e.store.ListProjects()
	if err != nil {
		return nil, err
	}
	projects := make(map[int64]db.Project, len(list))
	for _, p := range list {
		projects[p.ID] = p
	}
	if m != nil {
		m.projects = projects
	}
	return projects, nil
}

func (e *Engine) loadOpenPullRequests(ctx context.Context) ([]db.PullRequest, error) {
	m := memoFrom(ctx)
	if m != nil && m.prsLoaded {
		return m.prs, nil
	}
	prs, err := e.store.ListAllOpenPullRequests()
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.prs = prs
		m.prsLoaded = true
	}
	return prs, nil
}
