package config

import (
	"log"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
)

// Project is the merge queue topology: which repositories participate in
// which target branches, and how many batches one staging may take.
type Project struct {
	Name         string              `toml:"name"`
	BatchLimit   int                 `toml:"batch_limit"`
	Repositories []domain.Repository `toml:"repo"`
}

// Branches returns every branch carried by at least one repository.
func (p Project) Branches() []string {
	var out []string
	seen := make(map[string]bool)
	for _, repo := range p.Repositories {
		for _, b := range repo.Branches {
			if !seen[b] {
				seen[b] = true
				out = append(out, b)
			}
		}
	}
	return out
}

type Config struct {
	DBUrl       string
	Port        string
	GithubToken string
	ForgeURL    string
	CacheDir    string
	LockDir     string
	Project     Project
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file was not found")
	}

	db, ok := os.LookupEnv("DATABASE_URL")
	if !ok {
		db, ok = os.LookupEnv("DB_URL")
		if !ok {
			log.Fatal("DATABASE_URL and DB_URL environment variables were not set")
		}
	}
	port, ok := os.LookupEnv("PORT")
	if !ok {
		port = "8080"
	}
	token, ok := os.LookupEnv("GITHUB_TOKEN")
	if !ok {
		log.Fatal("GITHUB_TOKEN environment variable was not set")
	}
	forge, ok := os.LookupEnv("FORGE_URL")
	if !ok {
		forge = "https://github.com"
	}
	cacheDir, ok := os.LookupEnv("CACHE_DIR")
	if !ok {
		cacheDir = "/var/cache/merge-queue"
	}
	lockDir, ok := os.LookupEnv("LOCK_DIR")
	if !ok {
		lockDir = os.TempDir()
	}
	projectFile, ok := os.LookupEnv("PROJECT_FILE")
	if !ok {
		projectFile = "project.toml"
	}

	var project Project
	if _, err := toml.DecodeFile(projectFile, &project); err != nil {
		log.Fatalf("loading %s: %v", projectFile, err)
	}
	if project.BatchLimit <= 0 {
		project.BatchLimit = 8
	}
	if len(project.Repositories) == 0 {
		log.Fatalf("%s declares no repositories", projectFile)
	}

	return Config{
		DBUrl:       db,
		Port:        port,
		GithubToken: token,
		ForgeURL:    forge,
		CacheDir:    cacheDir,
		LockDir:     lockDir,
		Project:     project,
	}
}
