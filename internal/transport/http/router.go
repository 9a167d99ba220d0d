package http

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
)

// Stager runs one staging attempt for a branch.
type Stager interface {
	TryStage(ctx context.Context, target string) (*domain.Staging, error)
}

// Store is the slice of the PR store the HTTP surface needs.
type Store interface {
	ActiveStaging(ctx context.Context, target string) (*domain.Staging, error)
	GetPR(ctx context.Context, repository string, number int) (*domain.PullRequest, error)
	UpsertPR(ctx context.Context, pr *domain.PullRequest) error
}

type Handler struct {
	store  Store
	stager Stager
}

func NewRouter(s Store, stager Stager) *gin.Engine {
	h := &Handler{store: s, stager: stager}
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	// Stagings
	r.POST("/staging/trigger", h.HandleTriggerStaging)
	r.GET("/staging/get", h.HandleGetStaging)

	// PRs
	r.GET("/pullRequest/get", h.HandleGetPR)
	r.POST("/pullRequest/update", h.HandleUpdatePR)

	return r
}
