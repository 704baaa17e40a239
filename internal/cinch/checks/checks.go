// Package checks composes the independent merge-readiness checks of a pull
// request into an overall verdict.
package checks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/onefinestay/cinch/internal/cinch/db"
	"github.com/onefinestay/cinch/internal/cinch/engine"
)

// Verdict states, mirroring provider commit-status states.
const (
	StateSuccess = "success"
	StateFailure = "failure"
	StatePending = "pending"
	StateError   = "error"
)

// Descriptions published alongside each verdict state.
var Descriptions = map[string]string{
	StateSuccess: "Ready for release",
	StatePending: "Rolling, rolling, rolling",
	StateFailure: "Better luck next time",
	StateError:   "Something went terribly wrong",
}

// CheckStatus is one check outcome. Status is tri-state: nil means the check
// cannot be decided yet.
type CheckStatus struct {
	Label  string `json:"label"`
	Status *bool  `json:"status"`
	URL    string `json:"url,omitempty"`
}

// Context carries the data checks evaluate against: the pull request's job
// results from the correlation engine and the CI origin for build links.
type Context struct {
	JobResults map[string]engine.JobResult
	CIBaseURL  string
}

// Check evaluates one aspect of a pull request. A check may yield several
// statuses (one per job, say).
type Check func(cx *Context, pr db.PullRequest) []CheckStatus

// Registration is static.
var registry = []Check{StrictlyAhead, Mergeable, Builds}

// Run evaluates every registered check.
func Run(cx *Context, pr db.PullRequest) []CheckStatus {
	var statuses []CheckStatus
	for _, check := range registry {
		statuses = append(statuses, check(cx, pr)...)
	}
	return statuses
}

// StrictlyAhead passes when the branch adds commits on top of the current
// base tip. Being behind fails outright; an empty or stale branch stays
// undecided.
func StrictlyAhead(_ *Context, pr db.PullRequest) []CheckStatus {
	s := CheckStatus{Label: "Up to date with master"}
	switch {
	case pr.Behind != nil && *pr.Behind > 0:
		s.Status = boolp(false)
	case pr.Ahead == nil || pr.Behind == nil:
	case *pr.Ahead == 0:
	default:
		s.Status = boolp(true)
	}
	return []CheckStatus{s}
}

// Mergeable mirrors the comparator's tri-state merge result.
func Mergeable(_ *Context, pr db.PullRequest) []CheckStatus {
	return []CheckStatus{{Label: "Mergeable", Status: pr.IsMergeable}}
}

// Builds yields one status per related CI job, labelled with the job name
// and linked to the matching build when one exists.
func Builds(cx *Context, pr db.PullRequest) []CheckStatus {
	names := make([]string, 0, len(cx.JobResults))
	for name := range cx.JobResults {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]CheckStatus, 0, len(names))
	for _, name := range names {
		r := cx.JobResults[name]
		s := CheckStatus{Label: name, Status: r.Success}
		if r.BuildNumber != nil && cx.CIBaseURL != "" {
			s.URL = fmt.Sprintf("%s/job/%s/%d/", strings.TrimRight(cx.CIBaseURL, "/"), name, *r.BuildNumber)
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// Verdict folds check statuses into one state: any failure loses, any
// undecided check keeps the verdict pending, otherwise success.
func Verdict(statuses []CheckStatus) string {
	pending := false
	for _, s := range statuses {
		if s.Status == nil {
			pending = true
			continue
		}
		if !*s.Status {
			return StateFailure
		}
	}
	if pending {
		return StatePending
	}
	return StateSuccess
}

func boolp(v bool) *bool { return &v }
