package staging

import (
	"fmt"
	"strings"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
)

// UncheckedFields lists the PR attributes the pre-flight consistency check
// cannot verify against live state; they are called out in mismatch
// notifications so users know what to double-check themselves.
var UncheckedFields = []string{"merge method", "overrides", "draft"}

// UnmergeableError marks a PR that can structurally never be staged: too
// many commits, untrusted authorship, impossible merge topology. Terminal
// for the PR.
type UnmergeableError struct {
	PR     *domain.PullRequest
	Reason string
}

func (e *UnmergeableError) Error() string {
	return fmt.Sprintf("%s is unmergeable: %s", e.PR.DisplayName(), e.Reason)
}

// MergeError reports that the remote rejected a merge or rebase operation
// for a PR, usually a conflict against the moving staging target.
type MergeError struct {
	PR    *domain.PullRequest
	Cause error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("staging %s failed: %v", e.PR.DisplayName(), e.Cause)
}

func (e *MergeError) Unwrap() error { return e.Cause }

// FieldDiff is one cached-vs-live discrepancy found by the consistency
// check.
type FieldDiff struct {
	Field string
	Old   string
	New   string
}

// MismatchError reports that a PR's cached state disagrees with the forge.
// The PR has already been resynced and requeued when this is returned; it
// is not a statement about the PR's mergeability.
type MismatchError struct {
	PR    *domain.PullRequest
	Diffs []FieldDiff
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s out of sync: %s", e.PR.DisplayName(), strings.Join(e.Fields(), ", "))
}

func (e *MismatchError) Fields() []string {
	fields := make([]string, len(e.Diffs))
	for i, d := range e.Diffs {
		fields[i] = d.Field
	}
	return fields
}

// RenderDiff renders a human-readable old/new comparison for the mismatch
// notification.
func (e *MismatchError) RenderDiff() string {
	var b strings.Builder
	for _, d := range e.Diffs {
		b.WriteString(d.Field)
		b.WriteString(":\n")
		for _, line := range strings.Split(d.Old, "\n") {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		for _, line := range strings.Split(d.New, "\n") {
			fmt.Fprintf(&b, "+ %s\n", line)
		}
	}
	return b.String()
}
