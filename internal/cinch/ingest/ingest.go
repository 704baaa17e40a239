// Package ingest exposes the HTTP endpoints fed by the source-control
// provider's webhooks and the CI server's notification plugin. Handlers
// persist first and publish bus events after the database commit, so the
// worker never observes an event for unwritten state.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onefinestay/cinch/internal/cinch/bus"
	"github.com/onefinestay/cinch/internal/cinch/db"
	"github.com/onefinestay/cinch/internal/cinch/engine"
)

// EventHeader names the webhook event kind.
const EventHeader = "X-Hook-Event"

// DefaultBaseBranch is the canonical integration branch.
const DefaultBaseBranch = "master"

type Handler struct {
	db     *db.DB
	engine *engine.Engine
	bus    bus.Publisher
	secret string

	// BaseBranch is the only branch pushes and pull requests are accepted
	// against. Defaults to DefaultBaseBranch.
	BaseBranch string
}

func New(d *db.DB, eng *engine.Engine, pub bus.Publisher, secret string) *Handler {
	return &Handler{db: d, engine: eng, bus: pub, secret: secret, BaseBranch: DefaultBaseBranch}
}

// Register mounts the ingest routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /hooks/provider", h.handleHook)
	mux.HandleFunc("POST /ci/build_sha", h.handleBuildSha)
	mux.HandleFunc("POST /ci/build_status", h.handleBuildStatus)
}

// Webhook payload fragments. The provider names the repository owner "name"
// on push events and "login" on pull request events.
type repoPayload struct {
	Name  string `json:"name"`
	Owner struct {
		Name  string `json:"name"`
		Login string `json:"login"`
	} `json:"owner"`
}

func (r repoPayload) owner() string {
	if r.Owner.Name != "" {
		return r.Owner.Name
	}
	return r.Owner.Login
}

type pushPayload struct {
	Ref        string      `json:"ref"`
	After      string      `json:"after"`
	Repository repoPayload `json:"repository"`
}

type pullRequestPayload struct {
	Repository  repoPayload `json:"repository"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		Head   struct {
			Sha string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
}

func (h *Handler) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("secret") != h.secret {
		http.Error(w, "bad secret", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get(EventHeader)
	slog.Info("webhook.received", "event", event)

	switch event {
	case "ping":
		fmt.Fprint(w, "pong")
	case "push":
		h.handlePush(w, r)
	case "pull_request":
		h.handlePullRequest(w, r)
	default:
		fmt.Fprintf(w, "Ignoring: unknown event %q", event)
	}
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	var payload pushPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if payload.Ref != "refs/heads/"+h.BaseBranch {
		fmt.Fprint(w, "Ignoring: non-base push")
		return
	}

	owner, name := payload.Repository.owner(), payload.Repository.Name
	project, err := h.db.GetProjectByRepo(owner, name)
	if db.IsNotFound(err) {
		fmt.Fprint(w, "Ignoring: unknown project")
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	// Moving the base tip also resets the relative state of every open
	// pull request of the project, in one transaction.
	if payload.After != "" {
		if err := h.db.SetBaseTip(project.ID, payload.After); err != nil {
			h.fail(w, err)
			return
		}
	}
	slog.Info("webhook.base_moved", "project", owner+"/"+name, "tip", payload.After)

	if err := h.bus.Publish(r.Context(), bus.MasterMoved{Owner: owner, Name: name}); err != nil {
		h.fail(w, err)
		return
	}
	fmt.Fprint(w, "Base branch updated")
}

func (h *Handler) handlePullRequest(w http.ResponseWriter, r *http.Request) {
	var payload pullRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	pr := payload.PullRequest

	if pr.Base.Ref != h.BaseBranch {
		fmt.Fprint(w, "Ignoring: non-base PR")
		return
	}

	owner, name := payload.Repository.owner(), payload.Repository.Name
	project, err := h.db.GetProjectByRepo(owner, name)
	if db.IsNotFound(err) {
		fmt.Fprint(w, "Ignoring: unknown project")
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	err = h.db.UpsertPullRequest(db.PullRequest{
		ProjectID: project.ID,
		Number:    pr.Number,
		Head:      pr.Head.Sha,
		Author:    pr.User.Login,
		Title:     pr.Title,
		IsOpen:    pr.State == "open",
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	slog.Info("webhook.pull_request", "project", owner+"/"+name, "number", pr.Number, "state", pr.State)

	err = h.bus.Publish(r.Context(), bus.PullRequestMoved{Owner: owner, Name: name, Number: pr.Number})
	if err != nil {
		h.fail(w, err)
		return
	}
	fmt.Fprint(w, "Pull request updated")
}

func (h *Handler) handleBuildSha(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	buildNumber, err := strconv.Atoi(r.PostFormValue("build_number"))
	if err != nil {
		http.Error(w, "bad build_number", http.StatusBadRequest)
		return
	}

	err = h.engine.RecordBuildSha(r.Context(),
		r.PostFormValue("job_name"),
		buildNumber,
		r.PostFormValue("project_owner"),
		r.PostFormValue("project_name"),
		r.PostFormValue("sha"),
	)
	if err != nil {
		h.fail(w, err)
		return
	}
	fmt.Fprint(w, "OK")
}

// buildStatusPayload is the CI notification plugin's shape. A payload
// without build.status is a phase transition and records nothing.
type buildStatusPayload struct {
	Name  string `json:"name"`
	Build struct {
		Number int     `json:"number"`
		Phase  string  `json:"phase"`
		Status *string `json:"status"`
	} `json:"build"`
}

func (h *Handler) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	var payload buildStatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if payload.Build.Status == nil {
		slog.Info("build.phase", "job", payload.Name, "build", payload.Build.Number, "phase", payload.Build.Phase)
		fmt.Fprint(w, "OK")
		return
	}

	status := *payload.Build.Status
	err := h.engine.RecordBuildResult(r.Context(), payload.Name, payload.Build.Number, status == "SUCCESS", status)
	if err != nil {
		h.fail(w, err)
		return
	}
	fmt.Fprint(w, "OK")
}

// fail translates domain errors to HTTP codes: missing entities are 404, an
// unreachable bus is 503 (the database mutation has already committed).
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case db.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, bus.ErrUnavailable):
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("ingest.error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
