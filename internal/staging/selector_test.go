package staging

import (
	"context"
	"testing"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
)

func readyPR(id int64, repo, target, label string) *domain.PullRequest {
	pr := domain.NewPullRequest(repo, target, int(id), label, "head")
	pr.ID = id
	pr.State = domain.StateReady
	return pr
}

func TestSelectorNothingWhileStagingActive(t *testing.T) {
	st := newMemStore(readyPR(1, "org/a", "master", "fix-1"))
	st.active["master"] = &domain.Staging{ID: 99, Target: "master", Active: true}

	sel := &Selector{Store: st}
	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if batches != nil {
		t.Fatalf("expected no batches while a staging is active, got %v", batches)
	}
}

func TestSelectorGroupsByLabel(t *testing.T) {
	a := readyPR(1, "org/a", "master", "fix-1234")
	b := readyPR(2, "org/b", "master", "fix-1234")
	other := readyPR(3, "org/a", "master", "feature-x")
	sel := &Selector{Store: newMemStore(a, b, other)}

	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0]) != 2 || batches[0][0] != a || batches[0][1] != b {
		t.Fatalf("companion PRs should batch together: %v", batches[0])
	}
	if len(batches[1]) != 1 || batches[1][0] != other {
		t.Fatalf("unrelated PR should batch alone: %v", batches[1])
	}
}

func TestSelectorPatchLabelStagesAlone(t *testing.T) {
	a := readyPR(1, "org/a", "master", "someone:patch-1")
	b := readyPR(2, "org/b", "master", "someone:patch-1")
	sel := &Selector{Store: newMemStore(a, b)}

	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 2 || len(batches[0]) != 1 || len(batches[1]) != 1 {
		t.Fatalf("patch-N labelled PRs must form singleton batches, got %v", batches)
	}
}

func TestSelectorQualification(t *testing.T) {
	notReady := readyPR(1, "org/a", "master", "wip")
	notReady.State = domain.StateOpened

	urgent := readyPR(2, "org/a", "master", "hotfix")
	urgent.State = domain.StateOpened
	urgent.Priority = domain.PriorityUrgent

	sel := &Selector{Store: newMemStore(notReady, urgent)}
	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 1 || batches[0][0] != urgent {
		t.Fatalf("only the urgent group qualifies, got %v", batches)
	}
}

func TestSelectorDiscardsBlockedGroups(t *testing.T) {
	a := readyPR(1, "org/a", "master", "fix-1")
	b := readyPR(2, "org/b", "master", "fix-1")
	b.Blocked = "linked pr not ready"
	lone := readyPR(3, "org/a", "master", "fix-2")

	sel := &Selector{Store: newMemStore(a, b, lone)}
	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 1 || batches[0][0] != lone {
		t.Fatalf("blocked group must be discarded entirely, got %v", batches)
	}
}

func TestSelectorPriorityPrecedence(t *testing.T) {
	normal := readyPR(1, "org/a", "master", "routine")
	high := readyPR(2, "org/a", "master", "important")
	high.Priority = domain.PriorityHigh
	urgent1 := readyPR(3, "org/a", "master", "hotfix-1")
	urgent1.Priority = domain.PriorityUrgent
	urgent2 := readyPR(4, "org/b", "master", "hotfix-2")
	urgent2.Priority = domain.PriorityUrgent

	sel := &Selector{Store: newMemStore(normal, high, urgent1, urgent2)}
	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected exactly the urgent groups, got %v", batches)
	}
	if batches[0][0] != urgent1 || batches[1][0] != urgent2 {
		t.Fatalf("urgent groups ordered by id, got %v", batches)
	}
}

func TestSelectorHighPriorityWithoutUrgent(t *testing.T) {
	normal := readyPR(1, "org/a", "master", "routine")
	high := readyPR(2, "org/a", "master", "important")
	high.Priority = domain.PriorityHigh

	sel := &Selector{Store: newMemStore(normal, high)}
	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 1 || batches[0][0] != high {
		t.Fatalf("high priority rides alone, got %v", batches)
	}
}

func TestSelectorNormalPriorityConsumesSplit(t *testing.T) {
	a := readyPR(1, "org/a", "master", "old-batch-a")
	b := readyPR(2, "org/a", "master", "old-batch-b")
	fresh := readyPR(3, "org/a", "master", "fresh")

	st := newMemStore(a, b, fresh)
	st.splits["master"] = [][]int64{{1}, {2}}

	sel := &Selector{Store: st}
	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 2 || batches[0][0] != a || batches[1][0] != b {
		t.Fatalf("pending split must be re-staged as-is, got %v", batches)
	}
	if _, ok := st.splits["master"]; ok {
		t.Fatal("split record must be consumed")
	}

	// next selection falls back to fresh PRs
	batches, err = sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected fresh selection after split consumed, got %v", batches)
	}
}

func TestSelectorUrgentBypassesSplit(t *testing.T) {
	urgent := readyPR(1, "org/a", "master", "hotfix")
	urgent.Priority = domain.PriorityUrgent
	leftover := readyPR(2, "org/a", "master", "old")

	st := newMemStore(urgent, leftover)
	st.splits["master"] = [][]int64{{2}}

	sel := &Selector{Store: st}
	batches, err := sel.SelectBatches(context.Background(), "master")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(batches) != 1 || batches[0][0] != urgent {
		t.Fatalf("urgent selection must bypass splits, got %v", batches)
	}
	if _, ok := st.splits["master"]; !ok {
		t.Fatal("split must survive an urgent staging")
	}
}
