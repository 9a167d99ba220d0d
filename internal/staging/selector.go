package staging

import (
	"context"
	"log"
	"sort"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
)

// Selector decides which batches of ready PRs a branch's next staging
// attempt should include.
type Selector struct {
	Store Store
}

type readyRow struct {
	priority domain.Priority
	prs      []*domain.PullRequest
}

// SelectBatches returns the ordered batches to stage for the branch, or nil
// when the branch already has an active staging or nothing qualifies.
func (s *Selector) SelectBatches(ctx context.Context, target string) ([][]*domain.PullRequest, error) {
	active, err := s.Store.ActiveStaging(ctx, target)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, nil
	}

	pool, err := s.Store.OpenPRs(ctx, target)
	if err != nil {
		return nil, err
	}
	rows := readyRows(pool)
	if len(rows) == 0 {
		return nil, nil
	}

	top := rows[0].priority
	if top >= domain.PriorityNormal {
		// leftover decomposition of a failed large staging goes first
		split, err := s.Store.TakeSplit(ctx, target)
		if err != nil {
			return nil, err
		}
		if len(split) > 0 {
			log.Printf("re-staging split of %d batches on %s", len(split), target)
			return s.resolveSplit(ctx, split)
		}
	}

	// urgent (0) and high (1) each ride alone, bypassing splits and normal
	// sequencing; otherwise everything at the single best priority goes
	var batches [][]*domain.PullRequest
	for _, row := range rows {
		if row.priority != top {
			break
		}
		batches = append(batches, row.prs)
	}
	return batches, nil
}

// readyRows groups the non-terminal pool by dedup key, keeps the groups
// with at least one ready or urgent member and no blocked member, and
// orders them by (min priority, min id).
func readyRows(pool []*domain.PullRequest) []readyRow {
	groups := make(map[string][]*domain.PullRequest)
	var order []string
	for _, pr := range pool {
		key := pr.DedupKey()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], pr)
	}

	var rows []readyRow
	for _, key := range order {
		prs := groups[key]
		qualifies := false
		blocked := false
		minPriority := domain.PriorityNormal
		for _, pr := range prs {
			if pr.State == domain.StateReady || pr.Priority == domain.PriorityUrgent {
				qualifies = true
			}
			if pr.Blocked != "" {
				blocked = true
			}
			if pr.Priority < minPriority {
				minPriority = pr.Priority
			}
		}
		if !qualifies || blocked {
			continue
		}
		sort.Slice(prs, func(i, j int) bool { return prs[i].ID < prs[j].ID })
		rows = append(rows, readyRow{priority: minPriority, prs: prs})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].priority != rows[j].priority {
			return rows[i].priority < rows[j].priority
		}
		return rows[i].prs[0].ID < rows[j].prs[0].ID
	})
	return rows
}

func (s *Selector) resolveSplit(ctx context.Context, split [][]int64) ([][]*domain.PullRequest, error) {
	batches := make([][]*domain.PullRequest, 0, len(split))
	for _, ids := range split {
		prs, err := s.Store.PRsByID(ctx, ids)
		if err != nil {
			return nil, err
		}
		batches = append(batches, prs)
	}
	return batches, nil
}
