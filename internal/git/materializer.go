package git

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
)

// Materializer produces the isolated per-attempt working copies the
// orchestrator works with, backed by per-repository cached mirrors.
type Materializer struct {
	CacheDir string
	BaseURL  string // e.g. https://github.com
	Token    string
}

func (m *Materializer) Materialize(ctx context.Context, repo, branch string, heads []string) (string, func(), error) {
	src, err := Open(m.CacheDir, repo, fmt.Sprintf("%s/%s.git", m.BaseURL, repo), m.Token)
	if err != nil {
		return "", nil, err
	}
	if err := src.Fetch(ctx, branch, heads...); err != nil {
		return "", nil, err
	}

	prefix := fmt.Sprintf("%s-%s-staging", strings.ReplaceAll(repo, "/", "-"), strings.ReplaceAll(branch, "/", "-"))
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", nil, err
	}
	wc, err := src.Clone(ctx, dir, branch)
	if err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	return dir, func() {
		if err := wc.Remove(); err != nil {
			log.Printf("warning: removing working copy %s: %v", dir, err)
		}
	}, nil
}
