// Package worker drains the event bus: it refreshes pull-request state
// relative to the base branch and publishes merge-readiness verdicts back to
// the provider. Handlers are idempotent; redelivery is safe.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onefinestay/cinch/internal/cinch/bus"
	"github.com/onefinestay/cinch/internal/cinch/checks"
	"github.com/onefinestay/cinch/internal/cinch/db"
	"github.com/onefinestay/cinch/internal/cinch/engine"
	"github.com/onefinestay/cinch/internal/cinch/gitcmp"
	"github.com/onefinestay/cinch/internal/cinch/github"
)

// Comparator is the slice of the git layer the worker uses.
type Comparator interface {
	Fetch(ctx context.Context, owner, name string) error
	Compare(ctx context.Context, owner, name string, prNumber int) (behind, ahead *int, err error)
	Mergeable(ctx context.Context, owner, name string, prNumber int) (*bool, error)
	MergeHead(ctx context.Context, owner, name string, prNumber int) (*string, error)
}

// StatusPoster publishes commit statuses to the provider.
type StatusPoster interface {
	PostStatus(ctx context.Context, owner, name, sha, state, description, targetURL string) error
}

type Worker struct {
	db     *db.DB
	git    Comparator
	engine *engine.Engine
	bus    bus.Publisher
	poster StatusPoster

	// ServerURL is the external origin for outbound target_urls; CIBaseURL
	// builds per-build detail links in check statuses.
	ServerURL string
	CIBaseURL string
}

func New(d *db.DB, git Comparator, eng *engine.Engine, pub bus.Publisher, poster StatusPoster) *Worker {
	return &Worker{db: d, git: git, engine: eng, bus: pub, poster: poster}
}

// Handle dispatches one bus event. Missing entities are logged and acked:
// retrying cannot help. Database and bus failures propagate so the message
// is redelivered.
func (w *Worker) Handle(ctx context.Context, e bus.Event) error {
	ctx = engine.WithMemo(ctx)

	var err error
	switch ev := e.(type) {
	case bus.MasterMoved:
		err = w.handleMasterMoved(ctx, ev)
	case bus.PullRequestMoved:
		err = w.handlePullRequestMoved(ctx, ev)
	case bus.PullRequestStatusUpdated:
		err = w.handleStatusUpdated(ctx, ev)
	default:
		slog.Warn("worker.event.unknown", "kind", e.Kind())
		return nil
	}

	if db.IsNotFound(err) {
		slog.Warn("worker.event.stale", "kind", e.Kind(), "error", err)
		return nil
	}
	return err
}

// handleMasterMoved refreshes every open pull request of the project. The
// mirror is fetched exactly once; a per-PR comparator failure leaves that
// pull request stale and emits no event for it.
func (w *Worker) handleMasterMoved(ctx context.Context, e bus.MasterMoved) error {
	project, err := w.db.GetProjectByRepo(e.Owner, e.Name)
	if err != nil {
		return err
	}
	prs, err := w.db.ListOpenPullRequests(project.ID)
	if err != nil {
		return err
	}
	if len(prs) == 0 {
		return nil
	}

	if err := w.git.Fetch(ctx, e.Owner, e.Name); err != nil {
		// Every pull request stays stale; a later event retries.
		slog.Warn("worker.fetch.failed", "project", e.Owner+"/"+e.Name, "error", err)
		return nil
	}

	for _, pr := range prs {
		if err := w.refresh(ctx, project, pr.Number); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handlePullRequestMoved(ctx context.Context, e bus.PullRequestMoved) error {
	project, err := w.db.GetProjectByRepo(e.Owner, e.Name)
	if err != nil {
		return err
	}
	if _, err := w.db.GetPullRequest(project.ID, e.Number); err != nil {
		return err
	}

	if err := w.git.Fetch(ctx, e.Owner, e.Name); err != nil {
		slog.Warn("worker.fetch.failed", "project", e.Owner+"/"+e.Name, "error", err)
		return nil
	}
	return w.refresh(ctx, project, e.Number)
}

// refresh recomputes one pull request's relative state and emits a
// status-updated event. Comparator failures leave the stored state as-is and
// suppress the event.
func (w *Worker) refresh(ctx context.Context, project db.Project, number int) error {
	behind, ahead, err := w.git.Compare(ctx, project.Owner, project.Name, number)
	if err != nil {
		return w.skipStale(project, number, err)
	}
	mergeable, err := w.git.Mergeable(ctx, project.Owner, project.Name, number)
	if err != nil {
		return w.skipStale(project, number, err)
	}
	mergeHead, err := w.git.MergeHead(ctx, project.Owner, project.Name, number)
	if err != nil {
		return w.skipStale(project, number, err)
	}

	if err := w.db.SetRelativeState(project.ID, number, ahead, behind, mergeable, mergeHead); err != nil {
		return err
	}
	slog.Info("worker.pr.refreshed",
		"project", project.Owner+"/"+project.Name, "number", number,
		"ahead", ptrLog(ahead), "behind", ptrLog(behind))

	return w.bus.Publish(ctx, bus.PullRequestStatusUpdated{ProjectID: project.ID, Number: number})
}

func (w *Worker) skipStale(project db.Project, number int, err error) error {
	var fetchErr *gitcmp.FetchError
	if errors.As(err, &fetchErr) {
		slog.Warn("worker.pr.stale",
			"project", project.Owner+"/"+project.Name, "number", number, "error", err)
		return nil
	}
	return err
}

// handleStatusUpdated recomputes the verdict and publishes it as a commit
// status, when the project opts in.
func (w *Worker) handleStatusUpdated(ctx context.Context, e bus.PullRequestStatusUpdated) error {
	project, err := w.db.GetProject(e.ProjectID)
	if err != nil {
		return err
	}
	if !project.PublishStatus {
		return nil
	}
	pr, err := w.db.GetPullRequest(e.ProjectID, e.Number)
	if err != nil {
		return err
	}

	results, err := w.engine.JobStatuses(ctx, e.ProjectID, e.Number)
	if err != nil {
		return err
	}
	statuses := checks.Run(&checks.Context{JobResults: results, CIBaseURL: w.CIBaseURL}, pr)
	verdict := checks.Verdict(statuses)

	targetURL := fmt.Sprintf("%s/pr/%s/%s/%d", w.ServerURL, project.Owner, project.Name, e.Number)
	err = w.poster.PostStatus(ctx, project.Owner, project.Name, pr.Head,
		verdict, checks.Descriptions[verdict], targetURL)
	if err != nil {
		// Not retried in-band; the next status-updated event republishes.
		var apiErr *github.APIError
		if errors.As(err, &apiErr) {
			slog.Error("worker.status.post_failed",
				"project", project.Owner+"/"+project.Name, "number", e.Number, "error", err)
			return nil
		}
		return err
	}
	slog.Info("worker.status.posted",
		"project", project.Owner+"/"+project.Name, "number", e.Number, "state", verdict)
	return nil
}

func ptrLog(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
