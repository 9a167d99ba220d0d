package staging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
	"github.com/n1ckerr0r/merge-queue-service/internal/github"
)

// Verifier confirms a just-pushed ref is observable on the hosting backend.
type Verifier interface {
	WaitVisible(repo, branch, expectedHead string) error
}

// LocalRepos materializes an isolated working copy of a repository at a
// branch, with the given PR head commits fetched alongside. The returned
// cleanup discards the copy.
type LocalRepos interface {
	Materialize(ctx context.Context, repo, branch string, heads []string) (dir string, cleanup func(), err error)
}

// repoState is the staging state for one repository during one attempt:
// its remote client, the current provisional head of the temporary ref, and
// the isolated working copy.
type repoState struct {
	gh      github.Client
	head    string
	workdir string
}

// Orchestrator owns one staging attempt per branch: selection, per-batch
// staging with all-or-nothing rollback, finalization and publication.
type Orchestrator struct {
	Store      Store
	Engine     *Engine
	Clients    map[string]github.Client
	Repos      []domain.Repository
	Local      LocalRepos
	Verifier   Verifier
	BatchLimit int
	// LockDir holds the per-branch flock files serializing attempts across
	// processes.
	LockDir string
}

// TmpRef is the per-branch temporary ref an attempt works on; it is simply
// overwritten by the next attempt, never deleted.
func TmpRef(branch string) string { return "tmp." + branch }

// StagingRef is the published ref downstream CI watches.
func StagingRef(branch string) string { return "staging." + branch }

// TryStage creates a staging for the branch if it does not already have
// one. Returns nil without error when there is nothing to stage.
func (o *Orchestrator) TryStage(ctx context.Context, target string) (*domain.Staging, error) {
	if o.LockDir != "" {
		name := "staging-" + strings.ReplaceAll(target, "/", "-") + ".lock"
		fl := flock.New(filepath.Join(o.LockDir, name))
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("locking branch %s: %w", target, err)
		}
		defer func() {
			if err := fl.Unlock(); err != nil {
				log.Printf("warning: unlocking branch %s: %v", target, err)
			}
		}()
	}

	sel := &Selector{Store: o.Store}
	batches, err := sel.SelectBatches(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return o.stageInto(ctx, target, batches)
}

func (o *Orchestrator) stageInto(ctx context.Context, target string, batches [][]*domain.PullRequest) (*domain.Staging, error) {
	state, originalHeads, cleanup, err := o.setup(ctx, target, batches)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	staged, err := o.stageBatches(ctx, target, batches, state)
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 {
		return nil, nil
	}

	st, err := o.finalize(ctx, target, staged, state, originalHeads)
	if err != nil {
		return nil, err
	}
	return st, o.publish(ctx, target, state)
}

// setup snapshots every participating repository: record the branch head,
// point the temporary ref at it, and materialize an isolated working copy
// with all involved PR heads fetched. Any failure aborts the attempt; the
// temporary refs are rewritten by the next one.
func (o *Orchestrator) setup(ctx context.Context, target string, batches [][]*domain.PullRequest) (map[string]*repoState, map[string]string, func(), error) {
	state := make(map[string]*repoState)
	originalHeads := make(map[string]string)
	var cleanups []func()
	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	for _, repo := range o.Repos {
		if !repo.HasBranch(target) {
			continue
		}
		gh, ok := o.Clients[repo.Name]
		if !ok {
			cleanup()
			return nil, nil, nil, fmt.Errorf("no remote client for repository %s", repo.Name)
		}

		head, err := gh.Head(ctx, target)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("reading %s:%s: %w", repo.Name, target, err)
		}
		if err := gh.SetRef(ctx, TmpRef(target), head); err != nil {
			cleanup()
			return nil, nil, nil, err
		}

		var heads []string
		for _, batch := range batches {
			for _, pr := range batch {
				if pr.Repository == repo.Name {
					heads = append(heads, pr.Head)
				}
			}
		}
		var dir string
		if o.Local != nil {
			var done func()
			dir, done, err = o.Local.Materialize(ctx, repo.Name, target, heads)
			if err != nil {
				cleanup()
				return nil, nil, nil, fmt.Errorf("materializing %s: %w", repo.Name, err)
			}
			cleanups = append(cleanups, done)
		}

		originalHeads[repo.Name] = head
		state[repo.Name] = &repoState{gh: gh, head: head, workdir: dir}
	}
	return state, originalHeads, cleanup, nil
}

// stageBatches feeds batches into the engine in order until the limit is
// reached. A failing batch never aborts already-staged ones: merge-class
// failures mark the PR and move on, mismatches requeue the PR and move on,
// anything else is fatal to the attempt.
func (o *Orchestrator) stageBatches(ctx context.Context, target string, batches [][]*domain.PullRequest, state map[string]*repoState) ([]int64, error) {
	var staged []int64
	for _, batch := range batches {
		if o.BatchLimit > 0 && len(staged) >= o.BatchLimit {
			break
		}
		batchID, err := o.stageBatch(ctx, target, batch, state)
		if err != nil {
			var unmergeable *UnmergeableError
			var mergeErr *MergeError
			switch {
			case errors.As(err, &unmergeable):
				log.Printf("failed to stage %s into %s: %v", unmergeable.PR.DisplayName(), target, err)
				if err := o.failPR(ctx, unmergeable.PR, unmergeable.Reason); err != nil {
					return staged, err
				}
			case errors.As(err, &mergeErr):
				log.Printf("failed to stage %s into %s: %v", mergeErr.PR.DisplayName(), target, err)
				// only terminal for the PR when nothing is staged yet:
				// conflicts against an already-advanced target may resolve
				// in the next attempt
				if len(staged) == 0 {
					if err := o.failPR(ctx, mergeErr.PR, mergeErr.Cause.Error()); err != nil {
						return staged, err
					}
				}
			default:
				return staged, err
			}
			continue
		}
		if batchID != 0 {
			staged = append(staged, batchID)
		}
	}
	return staged, nil
}

func (o *Orchestrator) failPR(ctx context.Context, pr *domain.PullRequest, reason string) error {
	pr.State = domain.StateError
	if err := o.Store.SavePR(ctx, pr); err != nil {
		return err
	}
	return o.Store.NotifyMergeFailed(ctx, pr, reason)
}

// stageBatch stages every PR of one batch onto the temporary refs, in input
// order, each PR seeing the target as left by the previous one. On any
// failure every repository's temporary ref is reset to its pre-batch value
// before the error is classified, so a batch is all-or-nothing across
// repositories.
func (o *Orchestrator) stageBatch(ctx context.Context, target string, prs []*domain.PullRequest, state map[string]*repoState) (int64, error) {
	newHeads := make(map[*domain.PullRequest]string, len(prs))

	rollback := func(failed *domain.PullRequest, preBatch string) {
		if err := state[failed.Repository].gh.SetRef(ctx, TmpRef(target), preBatch); err != nil {
			log.Printf("warning: resetting %s %s: %v", failed.Repository, TmpRef(target), err)
		}
		for pr := range newHeads {
			it := state[pr.Repository]
			if err := it.gh.SetRef(ctx, TmpRef(target), it.head); err != nil {
				log.Printf("warning: resetting %s %s: %v", pr.Repository, TmpRef(target), err)
			}
		}
	}

	for _, pr := range prs {
		it, ok := state[pr.Repository]
		if !ok {
			return 0, fmt.Errorf("pr %s targets repository outside the staging set", pr.DisplayName())
		}
		log.Printf("staging %s for target %s; method=%s", pr.DisplayName(), target, pr.Method)

		preBatch, err := it.gh.Head(ctx, TmpRef(target))
		if err != nil {
			return 0, err
		}

		var related []*domain.PullRequest
		for _, other := range prs {
			if other != pr {
				related = append(related, other)
			}
		}

		method, newHead, err := o.Engine.Stage(ctx, it.gh, pr, TmpRef(target), related)
		if err != nil {
			// the strategy may have partially advanced the ref before
			// failing
			rollback(pr, preBatch)
			var mismatch *MismatchError
			if errors.As(err, &mismatch) {
				log.Printf("data mismatch on %s:\n%s", pr.DisplayName(), mismatch.RenderDiff())
				if nerr := o.Store.NotifyMismatch(ctx, pr, mismatch.Fields(), mismatch.RenderDiff(), UncheckedFields); nerr != nil {
					return 0, nerr
				}
				// the PR was resynced and requeued, the batch just does not
				// stage this time
				return 0, nil
			}
			return 0, err
		}
		log.Printf("staged %s to %s by %s: %s -> %s", pr.DisplayName(), target, method, preBatch, newHead)
		newHeads[pr] = newHead
	}

	// batch complete, adopt the new provisional heads
	ids := make([]int64, 0, len(prs))
	for _, pr := range prs {
		state[pr.Repository].head = newHeads[pr]
		ids = append(ids, pr.ID)
	}
	return o.Store.CreateBatch(ctx, target, ids)
}

// finalize records the staging: repositories with a moved head get their
// commit flagged to-check; untouched repositories get a content-identical
// dummy commit so every staging advances every ref and CI always re-runs.
func (o *Orchestrator) finalize(ctx context.Context, target string, staged []int64, state map[string]*repoState, originalHeads map[string]string) (*domain.Staging, error) {
	st := &domain.Staging{Target: target, Active: true, BatchIDs: staged}

	for _, repo := range o.Repos {
		it, ok := state[repo.Name]
		if !ok {
			continue
		}
		if it.head != originalHeads[repo.Name] {
			if err := o.Store.MarkCommit(ctx, it.head, true); err != nil {
				return nil, err
			}
			st.Heads = append(st.Heads, domain.RepoHead{Repository: repo.Name, Head: it.head, ToCheck: it.head})
			continue
		}

		dummy, err := o.dummyCommit(ctx, it)
		if err != nil {
			return nil, err
		}
		if err := o.Store.MarkCommit(ctx, it.head, false); err != nil {
			return nil, err
		}
		if err := o.Store.MarkCommit(ctx, dummy, true); err != nil {
			return nil, err
		}
		st.Heads = append(st.Heads, domain.RepoHead{Repository: repo.Name, Head: dummy, ToCheck: it.head})
		it.head = dummy
	}

	if err := o.Store.CreateStaging(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// dummyCommit synthesizes a commit with the same tree as the current head
// and a uniquified message, guaranteeing a fresh staging head for a
// repository no PR touched.
func (o *Orchestrator) dummyCommit(ctx context.Context, it *repoState) (string, error) {
	c, err := it.gh.Commit(ctx, it.head)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("force rebuild\n\nuniquifier: %s\nFor-Commit-Id: %s\n", uuid.NewString(), it.head)
	return it.gh.CreateCommit(ctx, c.Tree, []string{it.head}, msg, nil, nil)
}

// publish points the real staging refs at the final heads and waits for
// each to become observable. A visibility timeout is fatal for the publish
// step even though the staging record already exists.
func (o *Orchestrator) publish(ctx context.Context, target string, state map[string]*repoState) error {
	for _, repo := range o.Repos {
		it, ok := state[repo.Name]
		if !ok {
			continue
		}
		log.Printf("%s: create staging for %s at %s", repo.Name, target, it.head)
		if err := it.gh.SetRef(ctx, StagingRef(target), it.head); err != nil {
			return err
		}
		if o.Verifier != nil {
			if err := o.Verifier.WaitVisible(repo.Name, StagingRef(target), it.head); err != nil {
				return fmt.Errorf("staged head for %s not visible: %w", repo.Name, err)
			}
		}
	}
	return nil
}
