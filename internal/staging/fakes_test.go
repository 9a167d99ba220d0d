package staging

import (
	"context"
	"fmt"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
	"github.com/n1ckerr0r/merge-queue-service/internal/github"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	prs      map[int64]*domain.PullRequest
	active   map[string]*domain.Staging
	splits   map[string][][]int64
	batches  map[int64][]int64
	stagings []*domain.Staging
	commits  map[string]bool
	notices  []notice
	nextID   int64
}

type notice struct {
	kind   string
	pr     *domain.PullRequest
	reason string
	fields []string
}

func newMemStore(prs ...*domain.PullRequest) *memStore {
	s := &memStore{
		prs:     make(map[int64]*domain.PullRequest),
		active:  make(map[string]*domain.Staging),
		splits:  make(map[string][][]int64),
		batches: make(map[int64][]int64),
		commits: make(map[string]bool),
	}
	for _, pr := range prs {
		s.prs[pr.ID] = pr
	}
	return s
}

func (s *memStore) ActiveStaging(_ context.Context, target string) (*domain.Staging, error) {
	return s.active[target], nil
}

func (s *memStore) OpenPRs(_ context.Context, target string) ([]*domain.PullRequest, error) {
	var out []*domain.PullRequest
	for id := int64(0); id <= s.maxID(); id++ {
		pr, ok := s.prs[id]
		if ok && pr.Target == target && !pr.State.Terminal() {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (s *memStore) maxID() int64 {
	var max int64
	for id := range s.prs {
		if id > max {
			max = id
		}
	}
	return max
}

func (s *memStore) PRsByID(_ context.Context, ids []int64) ([]*domain.PullRequest, error) {
	out := make([]*domain.PullRequest, 0, len(ids))
	for _, id := range ids {
		pr, ok := s.prs[id]
		if !ok {
			return nil, fmt.Errorf("pr %d not found", id)
		}
		out = append(out, pr)
	}
	return out, nil
}

func (s *memStore) SavePR(_ context.Context, pr *domain.PullRequest) error {
	s.prs[pr.ID] = pr
	return nil
}

func (s *memStore) TakeSplit(_ context.Context, target string) ([][]int64, error) {
	split := s.splits[target]
	delete(s.splits, target)
	return split, nil
}

func (s *memStore) CreateBatch(_ context.Context, target string, prIDs []int64) (int64, error) {
	s.nextID++
	s.batches[s.nextID] = prIDs
	return s.nextID, nil
}

func (s *memStore) CreateStaging(_ context.Context, st *domain.Staging) error {
	s.nextID++
	st.ID = s.nextID
	s.stagings = append(s.stagings, st)
	s.active[st.Target] = st
	return nil
}

func (s *memStore) MarkCommit(_ context.Context, sha string, toCheck bool) error {
	s.commits[sha] = s.commits[sha] || toCheck
	return nil
}

func (s *memStore) NotifyMergeFailed(_ context.Context, pr *domain.PullRequest, reason string) error {
	s.notices = append(s.notices, notice{kind: "merge_failed", pr: pr, reason: reason})
	return nil
}

func (s *memStore) NotifyMismatch(_ context.Context, pr *domain.PullRequest, fields []string, diff string, _ []string) error {
	s.notices = append(s.notices, notice{kind: "staging_mismatch", pr: pr, reason: diff, fields: fields})
	return nil
}

// fakeGH is an in-memory forge for one repository.
type fakeGH struct {
	name    string
	refs    map[string]string
	prs     map[int]*github.PRInfo
	commits map[int][]github.Commit
	objects map[string]github.Commit
	users   map[string]string
	seq     int

	// conflictOn triggers ErrMergeConflict when merging the given head.
	conflictOn map[string]bool
}

func newFakeGH(name string) *fakeGH {
	return &fakeGH{
		name:       name,
		refs:       make(map[string]string),
		prs:        make(map[int]*github.PRInfo),
		commits:    make(map[int][]github.Commit),
		objects:    make(map[string]github.Commit),
		users:      make(map[string]string),
		conflictOn: make(map[string]bool),
	}
}

func (g *fakeGH) newSHA() string {
	g.seq++
	return fmt.Sprintf("%s-c%04d", g.name, g.seq)
}

// addCommit registers a loose commit object and returns its sha.
func (g *fakeGH) addCommit(message, tree string, parents ...string) string {
	sha := g.newSHA()
	g.objects[sha] = github.Commit{
		SHA:       sha,
		Tree:      tree,
		Parents:   parents,
		Message:   message,
		Author:    github.Identity{Name: "Dev", Email: "dev@example.com"},
		Committer: github.Identity{Name: "Dev", Email: "dev@example.com"},
	}
	return sha
}

// addPR registers a PR with its commit chain and synchronizes the cached PR
// snapshot so the consistency check passes.
func (g *fakeGH) addPR(pr *domain.PullRequest, title, body string, commits []github.Commit) {
	for _, c := range commits {
		g.objects[c.SHA] = c
	}
	info := &github.PRInfo{
		Number:      pr.Number,
		Title:       title,
		Body:        body,
		State:       "open",
		BaseRef:     pr.Target,
		HeadSHA:     commits[len(commits)-1].SHA,
		CommitCount: len(commits),
	}
	g.prs[pr.Number] = info
	g.commits[pr.Number] = commits

	pr.Head = info.HeadSHA
	pr.Squash = len(commits) == 1
	pr.Message = MakeMessage(info)
}

func (g *fakeGH) Head(_ context.Context, branch string) (string, error) {
	sha, ok := g.refs[branch]
	if !ok {
		return "", fmt.Errorf("%s: no ref %s", g.name, branch)
	}
	return sha, nil
}

func (g *fakeGH) SetRef(_ context.Context, branch, sha string) error {
	g.refs[branch] = sha
	return nil
}

func (g *fakeGH) PR(_ context.Context, number int) (*github.PRInfo, error) {
	info, ok := g.prs[number]
	if !ok {
		return nil, fmt.Errorf("%s: no pr %d", g.name, number)
	}
	return info, nil
}

func (g *fakeGH) Commits(_ context.Context, number int) ([]github.Commit, error) {
	commits, ok := g.commits[number]
	if !ok {
		return nil, fmt.Errorf("%s: no pr %d", g.name, number)
	}
	out := make([]github.Commit, len(commits))
	copy(out, commits)
	return out, nil
}

func (g *fakeGH) Commit(_ context.Context, sha string) (*github.Commit, error) {
	c, ok := g.objects[sha]
	if !ok {
		return nil, fmt.Errorf("%s: no commit %s", g.name, sha)
	}
	return &c, nil
}

func (g *fakeGH) Merge(ctx context.Context, head, dest, message string) (*github.Commit, error) {
	if g.conflictOn[head] {
		return nil, fmt.Errorf("merging %s into %s: %w", head, dest, github.ErrMergeConflict)
	}
	base, err := g.Head(ctx, dest)
	if err != nil {
		return nil, err
	}
	sha := g.newSHA()
	c := github.Commit{
		SHA:     sha,
		Tree:    "tree-of-" + sha,
		Parents: []string{base, head},
		Message: message,
	}
	g.objects[sha] = c
	g.refs[dest] = sha
	return &c, nil
}

func (g *fakeGH) Rebase(ctx context.Context, dest string, reset bool, commits []github.Commit) (string, map[string]string, error) {
	originalHead, err := g.Head(ctx, dest)
	if err != nil {
		return "", nil, err
	}
	mapping := make(map[string]string, len(commits))
	prev := originalHead
	for _, original := range commits {
		merged, err := g.Merge(ctx, original.SHA, dest, "temp rebasing "+original.SHA)
		if err != nil {
			return "", nil, err
		}
		copySHA, err := g.CreateCommit(ctx, merged.Tree, []string{prev}, original.Message, &original.Author, &original.Committer)
		if err != nil {
			return "", nil, err
		}
		mapping[original.SHA] = copySHA
		prev = copySHA
	}
	tip := prev
	if reset {
		tip = originalHead
	}
	g.refs[dest] = tip
	return prev, mapping, nil
}

func (g *fakeGH) CreateCommit(_ context.Context, tree string, parents []string, message string, author, committer *github.Identity) (string, error) {
	sha := g.newSHA()
	c := github.Commit{SHA: sha, Tree: tree, Parents: parents, Message: message}
	if author != nil {
		c.Author = *author
	}
	if committer != nil {
		c.Committer = *committer
	}
	g.objects[sha] = c
	return sha, nil
}

func (g *fakeGH) UserName(_ context.Context, login string) (string, error) {
	return g.users[login], nil
}

type fakeVerifier struct {
	err   error
	calls int
}

func (v *fakeVerifier) WaitVisible(repo, branch, expectedHead string) error {
	v.calls++
	return v.err
}
