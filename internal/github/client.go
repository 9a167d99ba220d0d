// Package github wraps the hosting provider's REST surface behind the small
// client interface the staging core needs: ref reads/writes, PR detail,
// merges and raw commit creation.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v75/github"
)

var (
	// ErrMergeConflict is the distinguishable "the remote refused to merge"
	// condition. Everything else is a generic remote error.
	ErrMergeConflict = errors.New("merge conflict")

	ErrNotFound = errors.New("not found")
)

// Identity is a commit author or committer.
type Identity struct {
	Name  string
	Email string
}

// Commit is the subset of commit metadata the strategies operate on.
type Commit struct {
	SHA       string
	Tree      string
	Parents   []string
	Message   string
	Author    Identity
	Committer Identity
}

// PRInfo is the live state of a pull request as the forge reports it.
type PRInfo struct {
	Number      int
	Title       string
	Body        string
	State       string
	BaseRef     string
	HeadSHA     string
	CommitCount int
}

// Client is the per-repository remote host client. All operations are
// synchronous; merge-class calls can fail with ErrMergeConflict.
type Client interface {
	// Head resolves refs/heads/<branch> to a commit id.
	Head(ctx context.Context, branch string) (string, error)
	// SetRef points refs/heads/<branch> at sha, creating the ref if needed.
	SetRef(ctx context.Context, branch, sha string) error
	PR(ctx context.Context, number int) (*PRInfo, error)
	// Commits lists a PR's commits oldest to newest.
	Commits(ctx context.Context, number int) ([]Commit, error)
	Commit(ctx context.Context, sha string) (*Commit, error)
	// Merge merges head into the dest branch with the given message and
	// returns the merge commit, advancing dest.
	Merge(ctx context.Context, head, dest, message string) (*Commit, error)
	// Rebase replays commits onto the dest branch, returning the new tip and
	// the original->copy mapping. With reset the dest ref is restored to its
	// pre-rebase value; otherwise it is fast-forwarded to the tip.
	Rebase(ctx context.Context, dest string, reset bool, commits []Commit) (string, map[string]string, error)
	// CreateCommit creates a loose commit object; author/committer nil means
	// provider defaults.
	CreateCommit(ctx context.Context, tree string, parents []string, message string, author, committer *Identity) (string, error)
	// UserName resolves a login to a display name; empty when unset.
	UserName(ctx context.Context, login string) (string, error)
}

// GH implements Client against the GitHub v3 API.
type GH struct {
	api   *gh.Client
	owner string
	repo  string
	name  string
}

// New builds a client for a "owner/name" repository using a token-
// authenticated API client.
func New(fullName, token string) (*GH, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok {
		return nil, fmt.Errorf("repository name %q is not owner/name", fullName)
	}
	return &GH{
		api:   gh.NewClient(nil).WithAuthToken(token),
		owner: owner,
		repo:  repo,
		name:  fullName,
	}, nil
}

func (g *GH) Name() string { return g.name }

func (g *GH) Head(ctx context.Context, branch string) (string, error) {
	ref, _, err := g.api.Git.GetRef(ctx, g.owner, g.repo, "heads/"+branch)
	if err != nil {
		return "", remoteErr("get ref "+branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

func (g *GH) SetRef(ctx context.Context, branch, sha string) error {
	_, resp, err := g.api.Git.UpdateRef(ctx, g.owner, g.repo, "heads/"+branch, gh.UpdateRef{
		SHA:   sha,
		Force: gh.Ptr(true),
	})
	if err == nil {
		return nil
	}
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity) {
		// ref does not exist yet
		create := gh.CreateRef{Ref: "refs/heads/" + branch, SHA: sha}
		if _, _, err := g.api.Git.CreateRef(ctx, g.owner, g.repo, create); err != nil {
			return remoteErr("create ref "+branch, err)
		}
		return nil
	}
	return remoteErr("update ref "+branch, err)
}

func (g *GH) PR(ctx context.Context, number int) (*PRInfo, error) {
	pr, _, err := g.api.PullRequests.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return nil, remoteErr(fmt.Sprintf("get pr %d", number), err)
	}
	return &PRInfo{
		Number:      pr.GetNumber(),
		Title:       pr.GetTitle(),
		Body:        pr.GetBody(),
		State:       pr.GetState(),
		BaseRef:     pr.GetBase().GetRef(),
		HeadSHA:     pr.GetHead().GetSHA(),
		CommitCount: pr.GetCommits(),
	}, nil
}

func (g *GH) Commits(ctx context.Context, number int) ([]Commit, error) {
	var out []Commit
	opts := &gh.ListOptions{PerPage: 100}
	for {
		page, resp, err := g.api.PullRequests.ListCommits(ctx, g.owner, g.repo, number, opts)
		if err != nil {
			return nil, remoteErr(fmt.Sprintf("list commits of pr %d", number), err)
		}
		for _, rc := range page {
			out = append(out, fromRepositoryCommit(rc))
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (g *GH) Commit(ctx context.Context, sha string) (*Commit, error) {
	c, _, err := g.api.Git.GetCommit(ctx, g.owner, g.repo, sha)
	if err != nil {
		return nil, remoteErr("get commit "+sha, err)
	}
	out := fromGitCommit(c)
	return &out, nil
}

func (g *GH) Merge(ctx context.Context, head, dest, message string) (*Commit, error) {
	req := &gh.RepositoryMergeRequest{
		Base:          gh.Ptr(dest),
		Head:          gh.Ptr(head),
		CommitMessage: gh.Ptr(message),
	}
	rc, resp, err := g.api.Repositories.Merge(ctx, g.owner, g.repo, req)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("merging %s into %s: %w", head, dest, ErrMergeConflict)
		}
		return nil, remoteErr(fmt.Sprintf("merge %s into %s", head, dest), err)
	}
	if rc == nil || rc.GetSHA() == "" {
		// 204: base already contained head, nothing was created
		return nil, fmt.Errorf("merge %s into %s: nothing to merge", head, dest)
	}
	c := fromRepositoryCommit(rc)
	return &c, nil
}

func (g *GH) Rebase(ctx context.Context, dest string, reset bool, commits []Commit) (string, map[string]string, error) {
	originalHead, err := g.Head(ctx, dest)
	if err != nil {
		return "", nil, err
	}

	mapping := make(map[string]string, len(commits))
	prev := originalHead
	for _, original := range commits {
		if len(original.Parents) != 1 {
			return "", nil, fmt.Errorf("can not rebase merge commit %s", original.SHA)
		}
		// test-merge to compute the rebased tree, then replay the commit
		// with that tree on top of the previous copy
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
	if err := g.SetRef(ctx, dest, tip); err != nil {
		return "", nil, err
	}
	return prev, mapping, nil
}

func (g *GH) CreateCommit(ctx context.Context, tree string, parents []string, message string, author, committer *Identity) (string, error) {
	commit := gh.Commit{
		Message: gh.Ptr(message),
		Tree:    &gh.Tree{SHA: gh.Ptr(tree)},
	}
	for _, p := range parents {
		commit.Parents = append(commit.Parents, &gh.Commit{SHA: gh.Ptr(p)})
	}
	if author != nil && author.Email != "" {
		commit.Author = &gh.CommitAuthor{Name: gh.Ptr(author.Name), Email: gh.Ptr(author.Email)}
	}
	if committer != nil && committer.Email != "" {
		commit.Committer = &gh.CommitAuthor{Name: gh.Ptr(committer.Name), Email: gh.Ptr(committer.Email)}
	}
	created, _, err := g.api.Git.CreateCommit(ctx, g.owner, g.repo, commit, nil)
	if err != nil {
		return "", remoteErr("create commit", err)
	}
	return created.GetSHA(), nil
}

func (g *GH) UserName(ctx context.Context, login string) (string, error) {
	u, _, err := g.api.Users.Get(ctx, login)
	if err != nil {
		return "", remoteErr("get user "+login, err)
	}
	return u.GetName(), nil
}

func fromRepositoryCommit(rc *gh.RepositoryCommit) Commit {
	c := fromGitCommit(rc.GetCommit())
	if rc.GetSHA() != "" {
		c.SHA = rc.GetSHA()
	}
	if len(rc.Parents) > 0 {
		c.Parents = nil
		for _, p := range rc.Parents {
			c.Parents = append(c.Parents, p.GetSHA())
		}
	}
	return c
}

func fromGitCommit(c *gh.Commit) Commit {
	out := Commit{
		SHA:     c.GetSHA(),
		Tree:    c.GetTree().GetSHA(),
		Message: c.GetMessage(),
		Author: Identity{
			Name:  c.GetAuthor().GetName(),
			Email: c.GetAuthor().GetEmail(),
		},
		Committer: Identity{
			Name:  c.GetCommitter().GetName(),
			Email: c.GetCommitter().GetEmail(),
		},
	}
	for _, p := range c.Parents {
		out.Parents = append(out.Parents, p.GetSHA())
	}
	return out
}

func remoteErr(op string, err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
