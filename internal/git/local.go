// Package git materializes remote state locally: a cached bare repository
// per remote, fetched fresh for each staging attempt, and throwaway working
// copies cloned from it.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Source is the long-lived local mirror of one remote repository.
type Source struct {
	Path string
	url  string
	auth *githttp.BasicAuth
	repo *gogit.Repository
}

// Open opens (or initializes) the cached bare repository for a remote.
func Open(cacheDir, name, url, token string) (*Source, error) {
	path := filepath.Join(cacheDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	repo, err := gogit.PlainOpen(path)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		repo, err = gogit.PlainInit(path, true)
	}
	if err != nil {
		return nil, fmt.Errorf("opening local mirror for %s: %w", name, err)
	}

	var auth *githttp.BasicAuth
	if token != "" {
		auth = &githttp.BasicAuth{Username: token}
	}
	return &Source{Path: path, url: url, auth: auth, repo: repo}, nil
}

// Fetch updates the mirror's copy of a branch and pins the given PR head
// commits. The branch needs a full refspec so the local ref itself moves,
// not just a remote-tracking one.
func (s *Source) Fetch(ctx context.Context, branch string, heads ...string) error {
	specs := []config.RefSpec{
		config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch)),
	}
	for _, h := range heads {
		specs = append(specs, config.RefSpec(fmt.Sprintf("+%s:refs/staging/%s", h, h)))
	}

	err := s.repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteURL: s.url,
		RefSpecs:  specs,
		Auth:      s.auth,
		Force:     true,
		Tags:      gogit.NoTags,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s: %w", branch, err)
	}
	return nil
}

// WorkingCopy is an isolated checkout living in a temporary directory for
// the duration of one staging attempt.
type WorkingCopy struct {
	Dir  string
	Repo *gogit.Repository
}

// Clone materializes a working copy of the mirror at the given branch.
func (s *Source) Clone(ctx context.Context, dir, branch string) (*WorkingCopy, error) {
	repo, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:           s.Path,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("cloning %s into %s: %w", branch, dir, err)
	}
	return &WorkingCopy{Dir: dir, Repo: repo}, nil
}

// Remove deletes the working copy from disk.
func (w *WorkingCopy) Remove() error {
	return os.RemoveAll(w.Dir)
}
