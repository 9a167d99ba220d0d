package staging

import (
	"context"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
)

// Store is the PR-store surface the staging core depends on. The Postgres
// implementation lives in internal/store; tests supply in-memory fakes.
type Store interface {
	// ActiveStaging returns the branch's active staging, nil when none.
	ActiveStaging(ctx context.Context, target string) (*domain.Staging, error)
	// OpenPRs returns every non-terminal PR targeting the branch.
	OpenPRs(ctx context.Context, target string) ([]*domain.PullRequest, error)
	PRsByID(ctx context.Context, ids []int64) ([]*domain.PullRequest, error)
	SavePR(ctx context.Context, pr *domain.PullRequest) error
	// TakeSplit pops the oldest pending split for the branch, returning its
	// batches as PR id lists, or nil when there is none.
	TakeSplit(ctx context.Context, target string) ([][]int64, error)
	CreateBatch(ctx context.Context, target string, prIDs []int64) (int64, error)
	CreateStaging(ctx context.Context, st *domain.Staging) error
	// MarkCommit records a trackable commit, flagged for CI re-evaluation
	// when toCheck is set.
	MarkCommit(ctx context.Context, sha string, toCheck bool) error

	NotifyMergeFailed(ctx context.Context, pr *domain.PullRequest, reason string) error
	NotifyMismatch(ctx context.Context, pr *domain.PullRequest, fields []string, diff string, unchecked []string) error
}
