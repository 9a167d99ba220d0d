package staging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
	"github.com/n1ckerr0r/merge-queue-service/internal/github"
)

// Remote API ceilings: the commit list endpoint stops at 250, and replaying
// more than 50 commits one by one is not worth anyone's time.
const (
	maxCommits       = 250
	maxRebaseCommits = 50
)

// Engine stages a single PR onto a moving target ref using the PR's merge
// strategy, after re-validating cached state against the forge.
type Engine struct {
	Store Store
	// Managed reports whether a branch is part of the merge queue; a PR
	// retargeted to an unmanaged branch is dropped.
	Managed func(branch string) bool
}

// Stage fetches the PR's live state, runs the consistency pre-checks and
// dispatches to the configured strategy. It returns the method used and the
// new target head; on success the PR's commits map has been persisted.
func (e *Engine) Stage(ctx context.Context, gh github.Client, pr *domain.PullRequest, target string, related []*domain.PullRequest) (domain.MergeMethod, string, error) {
	info, err := gh.PR(ctx, pr.Number)
	if err != nil {
		return "", "", err
	}

	method := pr.Method
	if method == domain.MethodNone {
		if info.CommitCount != 1 {
			return "", "", &UnmergeableError{PR: pr, Reason: "no merge method configured for a multi-commit PR"}
		}
		method = domain.MethodRebaseFF
	}
	if info.CommitCount > maxRebaseCommits && strings.HasPrefix(string(method), "rebase") {
		return "", "", &UnmergeableError{PR: pr, Reason: fmt.Sprintf("rebasing %d commits is too much", info.CommitCount)}
	}
	if info.CommitCount > maxCommits {
		return "", "", &UnmergeableError{PR: pr, Reason: "merging PRs of 250 or more commits is not supported"}
	}

	commits, err := gh.Commits(ctx, pr.Number)
	if err != nil {
		return "", "", err
	}
	if len(commits) == 0 {
		return "", "", &UnmergeableError{PR: pr, Reason: "PR has no commits to stage"}
	}
	for _, c := range commits {
		if c.Author.Email == "" || c.Committer.Email == "" {
			return "", "", &UnmergeableError{
				PR: pr,
				Reason: fmt.Sprintf("all commits must have author and committer email, "+
					"missing email on %s indicates the authorship is most likely incorrect", c.SHA),
			}
		}
	}

	if err := e.checkConsistency(ctx, pr, info, commits); err != nil {
		return "", "", err
	}
	e.refreshReviewer(ctx, gh, pr)

	var head string
	switch method {
	case domain.MethodMerge:
		head, err = e.stageMerge(ctx, gh, pr, target, commits, related)
	case domain.MethodRebaseMerge:
		head, err = e.stageRebaseMerge(ctx, gh, pr, target, commits, related)
	case domain.MethodRebaseFF:
		head, err = e.stageRebaseFF(ctx, gh, pr, target, commits, related)
	case domain.MethodSquash:
		head, err = e.stageSquash(ctx, gh, pr, target, commits, related)
	default:
		return "", "", fmt.Errorf("unknown merge method %q on %s", method, pr.DisplayName())
	}
	if err != nil {
		if errors.Is(err, github.ErrMergeConflict) {
			return "", "", &MergeError{PR: pr, Cause: err}
		}
		return "", "", err
	}
	return method, head, nil
}

// checkConsistency re-derives ground truth from the forge at the last
// possible moment: cached state may be stale due to races with incoming
// webhooks. Any discrepancy resyncs the PR, requeues it as opened and
// reports the field-by-field diff.
func (e *Engine) checkConsistency(ctx context.Context, pr *domain.PullRequest, info *github.PRInfo, commits []github.Commit) error {
	var diffs []FieldDiff

	liveHead := commits[len(commits)-1].SHA
	if pr.Head != liveHead {
		diffs = append(diffs, FieldDiff{Field: "head", Old: pr.Head, New: liveHead})
	}

	if pr.Target != info.BaseRef {
		if e.Managed != nil && !e.Managed(info.BaseRef) {
			pr.State = domain.StateClosed
			if err := e.Store.SavePR(ctx, pr); err != nil {
				return err
			}
			return &UnmergeableError{PR: pr, Reason: "while staging, found this PR had been retargeted to an un-managed branch"}
		}
		diffs = append(diffs, FieldDiff{Field: "target branch", Old: pr.Target, New: info.BaseRef})
	}

	singleCommit := info.CommitCount == 1
	if pr.Squash != singleCommit {
		diffs = append(diffs, FieldDiff{Field: "single commit", Old: fmt.Sprint(pr.Squash), New: fmt.Sprint(singleCommit)})
	}

	liveMessage := MakeMessage(info)
	if pr.Message != liveMessage {
		diffs = append(diffs, FieldDiff{Field: "message", Old: pr.Message, New: liveMessage})
	}

	if len(diffs) == 0 {
		return nil
	}

	pr.Head = liveHead
	pr.Target = info.BaseRef
	pr.Squash = singleCommit
	pr.Message = liveMessage
	pr.State = domain.StateOpened
	if err := e.Store.SavePR(ctx, pr); err != nil {
		return err
	}
	return &MismatchError{PR: pr, Diffs: diffs}
}

// refreshReviewer opportunistically replaces a login-shaped display name
// with the forge's profile name. Best effort, never blocks staging.
func (e *Engine) refreshReviewer(ctx context.Context, gh github.Client, pr *domain.PullRequest) {
	if pr.ReviewerLogin == "" || pr.ReviewerName != pr.ReviewerLogin {
		return
	}
	name, err := gh.UserName(ctx, pr.ReviewerLogin)
	if err != nil || name == "" {
		return
	}
	pr.ReviewerName = name
	if err := e.Store.SavePR(ctx, pr); err != nil {
		log.Printf("warning: could not persist reviewer name for %s: %v", pr.DisplayName(), err)
	}
}

func (e *Engine) stageMerge(ctx context.Context, gh github.Client, pr *domain.PullRequest, target string, commits []github.Commit, related []*domain.PullRequest) (string, error) {
	prHead := commits[len(commits)-1]

	inPR := make(map[string]bool, len(commits))
	for _, c := range commits {
		inPR[c.SHA] = true
	}
	var baseCommit string
	if len(prHead.Parents) > 1 {
		// parents of the PR head outside the PR come from the target, i.e.
		// target was merged into the PR
		var external []string
		for _, p := range prHead.Parents {
			if !inPR[p] {
				external = append(external, p)
			}
		}
		if len(external) > 1 {
			return "", &UnmergeableError{
				PR: pr,
				Reason: fmt.Sprintf("the PR head can only have one parent from the base branch "+
					"(not part of the PR itself), found %d: %s", len(external), strings.Join(external, ", ")),
			}
		}
		if len(external) == 1 {
			baseCommit = external[0]
		}
	}

	commitsMap := make(map[string]string, len(commits)+1)
	for _, c := range commits {
		commitsMap[c.SHA] = c.SHA
	}

	if baseCommit != "" {
		// replicate the PR head with the base parent rebound to the current
		// target head, keeping the rest of the merge topology
		originalHead, err := gh.Head(ctx, target)
		if err != nil {
			return "", err
		}
		merged, err := gh.Merge(ctx, prHead.SHA, target, "temp merge")
		if err != nil {
			return "", err
		}
		newParents := []string{originalHead}
		for _, p := range prHead.Parents {
			if p != baseCommit {
				newParents = append(newParents, p)
			}
		}
		msg := buildMergeMessage(pr, prHead.Message, false, related)
		copySHA, err := gh.CreateCommit(ctx, merged.Tree, newParents, msg.String(), &prHead.Author, &prHead.Committer)
		if err != nil {
			return "", err
		}
		if err := gh.SetRef(ctx, target, copySHA); err != nil {
			return "", err
		}
		// the staged head *and the old PR head* both map to the replica
		commitsMap[""] = copySHA
		commitsMap[prHead.SHA] = copySHA
		pr.CommitsMap = commitsMap
		return copySHA, e.Store.SavePR(ctx, pr)
	}

	msg := buildMergeMessage(pr, pr.Message, true, nil)
	merge, err := gh.Merge(ctx, pr.Head, target, msg.String())
	if err != nil {
		return "", err
	}
	commitsMap[""] = merge.SHA
	pr.CommitsMap = commitsMap
	return merge.SHA, e.Store.SavePR(ctx, pr)
}

func (e *Engine) stageRebaseFF(ctx context.Context, gh github.Client, pr *domain.PullRequest, target string, commits []github.Commit, related []*domain.PullRequest) (string, error) {
	// final commit carries the canonical merge message, earlier ones just a
	// reference back to the PR
	msg := buildMergeMessage(pr, commits[len(commits)-1].Message, false, related)
	commits[len(commits)-1].Message = msg.String()
	addSelfReferences(pr, commits[:len(commits)-1])

	head, mapping, err := gh.Rebase(ctx, target, false, commits)
	if err != nil {
		return "", err
	}
	mapping[""] = head
	pr.CommitsMap = mapping
	return head, e.Store.SavePR(ctx, pr)
}

func (e *Engine) stageRebaseMerge(ctx context.Context, gh github.Client, pr *domain.PullRequest, target string, commits []github.Commit, related []*domain.PullRequest) (string, error) {
	addSelfReferences(pr, commits)
	tip, mapping, err := gh.Rebase(ctx, target, true, commits)
	if err != nil {
		return "", err
	}
	msg := buildMergeMessage(pr, pr.Message, true, related)
	merge, err := gh.Merge(ctx, tip, target, msg.String())
	if err != nil {
		return "", err
	}
	mapping[""] = merge.SHA
	pr.CommitsMap = mapping
	return merge.SHA, e.Store.SavePR(ctx, pr)
}

func (e *Engine) stageSquash(ctx context.Context, gh github.Client, pr *domain.PullRequest, target string, commits []github.Commit, related []*domain.PullRequest) (string, error) {
	msg := buildMergeMessage(pr, pr.Message, true, related)

	authors := identitySet(commits, func(c github.Commit) github.Identity { return c.Author })
	var author *github.Identity
	if len(authors) == 1 {
		author = &authors[0]
	} else {
		for _, a := range authors {
			msg.Headers.Add("Co-authored-by", fmt.Sprintf("%s <%s>", a.Name, a.Email))
		}
	}
	committers := identitySet(commits, func(c github.Commit) github.Identity { return c.Committer })
	var committer *github.Identity
	if len(committers) == 1 {
		committer = &committers[0]
	}
	// committers are deliberately not added as co-authors

	originalHead, err := gh.Head(ctx, target)
	if err != nil {
		return "", err
	}
	merged, err := gh.Merge(ctx, pr.Head, target, "temp merge")
	if err != nil {
		return "", err
	}
	head, err := gh.CreateCommit(ctx, merged.Tree, []string{originalHead}, msg.String(), author, committer)
	if err != nil {
		return "", err
	}
	if err := gh.SetRef(ctx, target, head); err != nil {
		return "", err
	}

	commitsMap := make(map[string]string, len(commits)+1)
	for _, c := range commits {
		commitsMap[c.SHA] = head
	}
	commitsMap[""] = head
	pr.CommitsMap = commitsMap
	return head, e.Store.SavePR(ctx, pr)
}

// identitySet deduplicates identities across commits, sorted for
// deterministic trailer output.
func identitySet(commits []github.Commit, pick func(github.Commit) github.Identity) []github.Identity {
	seen := make(map[github.Identity]bool)
	var out []github.Identity
	for _, c := range commits {
		id := pick(c)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Email < out[j].Email
	})
	return out
}
