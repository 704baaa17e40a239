package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onefinestay/cinch/internal/cinch/checks"
	"github.com/onefinestay/cinch/internal/cinch/db"
	"github.com/onefinestay/cinch/internal/cinch/engine"
)

type apiHandler struct {
	db          *db.DB
	engine      *engine.Engine
	ciBaseURL   string
	historySize int
}

type apiError struct {
	Error string `json:"error"`
}

// prSummary is one dashboard row.
type prSummary struct {
	Owner   string               `json:"owner"`
	Name    string               `json:"name"`
	Number  int                  `json:"number"`
	Title   string               `json:"title"`
	Author  string               `json:"author"`
	Ahead   *int                 `json:"ahead"`
	Behind  *int                 `json:"behind"`
	Verdict string               `json:"verdict"`
	Checks  []checks.CheckStatus `json:"checks"`
}

// prDetail adds the per-job build history to a summary.
type prDetail struct {
	prSummary
	Jobs []jobHistory `json:"jobs"`
}

type jobHistory struct {
	Name   string         `json:"name"`
	Builds []buildSummary `json:"builds"`
}

// buildSummary is one historical build with its SHA tuple, keyed by
// "owner/name".
type buildSummary struct {
	Number  int               `json:"number"`
	Success *bool             `json:"success"`
	Status  string            `json:"status,omitempty"`
	Shas    map[string]string `json:"shas"`
}

// handleListPRs serves the dashboard: every open pull request with its
// verdict and per-check detail. The engine's memo keeps this at one tuple
// query per job however many rows are listed.
func (h *apiHandler) handleListPRs(w http.ResponseWriter, r *http.Request) {
	ctx := engine.WithMemo(r.Context())

	prs, err := h.db.ListAllOpenPullRequests()
	if err != nil {
		h.fail(w, err)
		return
	}
	projects, err := h.projectIndex()
	if err != nil {
		h.fail(w, err)
		return
	}
	mapping, err := h.engine.Mapping(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}

	summaries := make([]prSummary, 0, len(prs))
	for _, pr := range prs {
		project := projects[pr.ProjectID]
		results := mapping[engine.Key{ProjectID: pr.ProjectID, Number: pr.Number}]
		summaries = append(summaries, h.summarize(project, pr, results))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *apiHandler) handleGetPR(w http.ResponseWriter, r *http.Request) {
	ctx := engine.WithMemo(r.Context())
	project, pr, ok := h.resolvePR(w, r)
	if !ok {
		return
	}

	results, err := h.engine.JobStatuses(ctx, project.ID, pr.Number)
	if err != nil {
		h.fail(w, err)
		return
	}

	detail := prDetail{prSummary: h.summarize(project, pr, results)}
	projects, err := h.projectIndex()
	if err != nil {
		h.fail(w, err)
		return
	}
	jobs, err := h.db.ListJobs()
	if err != nil {
		h.fail(w, err)
		return
	}
	for _, job := range jobs {
		if !jobCovers(job, project.ID) {
			continue
		}
		history, err := h.jobHistory(job, projects)
		if err != nil {
			h.fail(w, err)
			return
		}
		detail.Jobs = append(detail.Jobs, history)
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleJobStatusPage serves the page outbound commit statuses point at:
// the pull request's checks, as JSON.
func (h *apiHandler) handleJobStatusPage(w http.ResponseWriter, r *http.Request) {
	ctx := engine.WithMemo(r.Context())
	project, pr, ok := h.resolvePR(w, r)
	if !ok {
		return
	}

	results, err := h.engine.JobStatuses(ctx, project.ID, pr.Number)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.summarize(project, pr, results))
}

func (h *apiHandler) resolvePR(w http.ResponseWriter, r *http.Request) (db.Project, db.PullRequest, bool) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad pull request number")
		return db.Project{}, db.PullRequest{}, false
	}
	project, err := h.db.GetProjectByRepo(r.PathValue("owner"), r.PathValue("name"))
	if err != nil {
		h.fail(w, err)
		return db.Project{}, db.PullRequest{}, false
	}
	pr, err := h.db.GetPullRequest(project.ID, number)
	if err != nil {
		h.fail(w, err)
		return db.Project{}, db.PullRequest{}, false
	}
	return project, pr, true
}

func (h *apiHandler) summarize(project db.Project, pr db.PullRequest, results map[string]engine.JobResult) prSummary {
	statuses := checks.Run(&checks.Context{JobResults: results, CIBaseURL: h.ciBaseURL}, pr)
	return prSummary{
		Owner:   project.Owner,
		Name:    project.Name,
		Number:  pr.Number,
		Title:   pr.Title,
		Author:  pr.Author,
		Ahead:   pr.Ahead,
		Behind:  pr.Behind,
		Verdict: checks.Verdict(statuses),
		Checks:  statuses,
	}
}

func (h *apiHandler) jobHistory(job db.Job, projects map[int64]db.Project) (jobHistory, error) {
	builds, shas, err := h.db.RecentBuilds(job.ID, h.historySize)
	if err != nil {
		return jobHistory{}, err
	}
	history := jobHistory{Name: job.Name, Builds: make([]buildSummary, 0, len(builds))}
	for _, b := range builds {
		summary := buildSummary{
			Number:  b.BuildNumber,
			Success: b.Success,
			Status:  b.Status,
			Shas:    make(map[string]string),
		}
		for pid, sha := range shas[b.ID] {
			p := projects[pid]
			summary.Shas[p.Owner+"/"+p.Name] = sha
		}
		history.Builds = append(history.Builds, summary)
	}
	return history, nil
}

func (h *apiHandler) projectIndex() (map[int64]db.Project, error) {
	list, err := h.db.ListProjects()
	if err != nil {
		return nil, err
	}
	projects := make(map[int64]db.Project, len(list))
	for _, p := range list {
		projects[p.ID] = p
	}
	return projects, nil
}

func (h *apiHandler) fail(w http.ResponseWriter, err error) {
	if db.IsNotFound(err) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Error("server.error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func jobCovers(job db.Job, projectID int64) bool {
	for _, pid := range job.ProjectIDs {
		if pid == projectID {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}
