package domain

import (
	"fmt"
	"regexp"
	"time"
)

type State string

const (
	StateOpened State = "opened"
	StateReady  State = "ready"
	StateStaged State = "staged"
	StateError  State = "error"
	StateMerged State = "merged"
	StateClosed State = "closed"
)

// Terminal reports whether a PR in this state can never be staged again.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateClosed
}

type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
)

type MergeMethod string

const (
	MethodNone        MergeMethod = ""
	MethodMerge       MergeMethod = "merge"
	MethodRebaseMerge MergeMethod = "rebase-merge"
	MethodRebaseFF    MergeMethod = "rebase-ff"
	MethodSquash      MergeMethod = "squash"
)

type PullRequest struct {
	ID         int64       `db:"id" json:"id"`
	Repository string      `db:"repository" json:"repository"`
	Target     string      `db:"target" json:"target"`
	Number     int         `db:"number" json:"number"`
	Label      string      `db:"label" json:"label"`
	Head       string      `db:"head" json:"head"`
	Priority   Priority    `db:"priority" json:"priority"`
	Method     MergeMethod `db:"merge_method" json:"merge_method"`
	Squash     bool        `db:"squash" json:"squash"`
	Message    string      `db:"message" json:"message"`
	State      State       `db:"state" json:"state"`
	Blocked    string      `db:"blocked" json:"blocked,omitempty"`

	ReviewerLogin string `db:"reviewer_login" json:"reviewer_login,omitempty"`
	ReviewerName  string `db:"reviewer_name" json:"reviewer_name,omitempty"`

	// CommitsMap maps original commit ids to staged commit ids once the PR
	// has been staged. The empty key maps to the final staged head.
	CommitsMap map[string]string `db:"-" json:"commits_map,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"-"`
	UpdatedAt time.Time `db:"updated_at" json:"-"`
}

func NewPullRequest(repository, target string, number int, label, head string) *PullRequest {
	return &PullRequest{
		Repository: repository,
		Target:     target,
		Number:     number,
		Label:      label,
		Head:       head,
		Priority:   PriorityNormal,
		State:      StateOpened,
	}
}

// DisplayName is the cross-repository reference form, e.g. "odoo/odoo#1234".
func (pr *PullRequest) DisplayName() string {
	return fmt.Sprintf("%s#%d", pr.Repository, pr.Number)
}

var patchLabel = regexp.MustCompile(`:patch-\d+$`)

// DedupKey groups companion PRs sharing a label into one batch. PRs whose
// label ends in ":patch-<n>" always stage alone, so automatic fork branch
// names don't glue unrelated changes together.
func (pr *PullRequest) DedupKey() string {
	if patchLabel.MatchString(pr.Label) {
		return fmt.Sprintf("%d", pr.ID)
	}
	return pr.Label
}
