package main

import (
	"log"

	"github.com/n1ckerr0r/merge-queue-service/internal/config"
	"github.com/n1ckerr0r/merge-queue-service/internal/git"
	"github.com/n1ckerr0r/merge-queue-service/internal/github"
	"github.com/n1ckerr0r/merge-queue-service/internal/gitproto"
	"github.com/n1ckerr0r/merge-queue-service/internal/staging"
	"github.com/n1ckerr0r/merge-queue-service/internal/store"
	httptr "github.com/n1ckerr0r/merge-queue-service/internal/transport/http"
)

func main() {
	cfg := config.Load()

	st, err := store.NewStore(cfg.DBUrl)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer st.DB().Close()

	clients := make(map[string]github.Client, len(cfg.Project.Repositories))
	for _, repo := range cfg.Project.Repositories {
		gh, err := github.New(repo.Name, cfg.GithubToken)
		if err != nil {
			log.Fatalf("remote client for %s: %v", repo.Name, err)
		}
		clients[repo.Name] = gh
	}

	orchestrator := &staging.Orchestrator{
		Store:   st,
		Engine:  &staging.Engine{Store: st, Managed: managedBranches(cfg.Project)},
		Clients: clients,
		Repos:   cfg.Project.Repositories,
		Local: &git.Materializer{
			CacheDir: cfg.CacheDir,
			BaseURL:  cfg.ForgeURL,
			Token:    cfg.GithubToken,
		},
		Verifier:   gitproto.NewVerifier(cfg.ForgeURL, cfg.GithubToken),
		BatchLimit: cfg.Project.BatchLimit,
		LockDir:    cfg.LockDir,
	}

	r := httptr.NewRouter(st, orchestrator)
	log.Printf("listening on :%s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func managedBranches(p config.Project) func(string) bool {
	managed := make(map[string]bool)
	for _, b := range p.Branches() {
		managed[b] = true
	}
	return func(branch string) bool { return managed[branch] }
}
