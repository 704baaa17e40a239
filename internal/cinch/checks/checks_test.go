package checks

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/onefinestay/cinch/internal/cinch/db"
	"github.com/onefinestay/cinch/internal/cinch/engine"
)

func intp(v int) *int { return &v }

func TestStrictlyAhead(t *testing.T) {
	tests := []struct {
		name   string
		ahead  *int
		behind *int
		want   *bool
	}{
		{"ahead and current", intp(3), intp(0), boolp(true)},
		{"behind", intp(3), intp(2), boolp(false)},
		{"behind with no own commits", intp(0), intp(2), boolp(false)},
		{"already merged", intp(0), intp(0), nil},
		{"stale", nil, nil, nil},
		{"partially stale", intp(3), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StrictlyAhead(nil, db.PullRequest{Ahead: tt.ahead, Behind: tt.behind})
			if len(got) != 1 {
				t.Fatalf("expected 1 status, got %d", len(got))
			}
			if diff := cmp.Diff(tt.want, got[0].Status); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuilds_SortedWithLinks(t *testing.T) {
	cx := &Context{
		CIBaseURL: "https://ci.example.com/",
		JobResults: map[string]engine.JobResult{
			"unit":        {BuildNumber: intp(12), Success: boolp(true)},
			"integration": {},
		},
	}

	got := Builds(cx, db.PullRequest{})
	want := []CheckStatus{
		{Label: "integration"},
		{Label: "unit", Status: boolp(true), URL: "https://ci.example.com/job/unit/12/"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("build statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		name     string
		statuses []CheckStatus
		want     string
	}{
		{"all green", []CheckStatus{{Status: boolp(true)}, {Status: boolp(true)}}, StateSuccess},
		{"one failure", []CheckStatus{{Status: boolp(true)}, {Status: boolp(false)}}, StateFailure},
		{"one undecided", []CheckStatus{{Status: boolp(true)}, {}}, StatePending},
		{"failure beats undecided", []CheckStatus{{}, {Status: boolp(false)}}, StateFailure},
		{"no checks", nil, StateSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verdict(tt.statuses); got != tt.want {
				t.Errorf("verdict = %q, want %q", got, tt.want)
			}
		})
	}
}
