package domain

import "time"

// Batch is a set of PRs that must be staged together: the same logical
// change proposed against several repositories under one label.
type Batch struct {
	ID        int64     `db:"id" json:"id"`
	Target    string    `db:"target" json:"target"`
	PRIDs     []int64   `db:"-" json:"pr_ids"`
	CreatedAt time.Time `db:"created_at" json:"-"`
}

// RepoHead records, per repository, the commit a staging published and the
// marker commit CI re-evaluates.
type RepoHead struct {
	Repository string `db:"repository" json:"repository"`
	Head       string `db:"head" json:"head"`
	ToCheck    string `db:"to_check" json:"to_check"`
}

// Staging is a published, CI-pending candidate integration of one or more
// batches onto a target branch. Created once per successful attempt, never
// mutated afterwards.
type Staging struct {
	ID        int64      `db:"id" json:"id"`
	Target    string     `db:"target" json:"target"`
	Active    bool       `db:"active" json:"active"`
	BatchIDs  []int64    `db:"-" json:"batch_ids"`
	Heads     []RepoHead `db:"-" json:"heads"`
	CreatedAt time.Time  `db:"created_at" json:"-"`
}

// Split is the leftover decomposition of a failed large staging: the batches
// to re-stage individually before any fresh normal-priority selection.
type Split struct {
	ID      int64     `db:"id" json:"id"`
	Target  string    `db:"target" json:"target"`
	Batches [][]int64 `db:"-" json:"batches"`
}
