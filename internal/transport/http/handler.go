package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
	"github.com/n1ckerr0r/merge-queue-service/internal/store"
)

func (h *Handler) HandleTriggerStaging(c *gin.Context) {
	var req struct {
		Target string `json:"target"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "BAD_REQUEST",
				"message": "target required",
			},
		})
		return
	}

	st, err := h.stager.TryStage(c.Request.Context(), req.Target)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "STAGING_FAILED",
				"message": err.Error(),
			},
		})
		return
	}
	if st == nil {
		c.JSON(http.StatusOK, gin.H{"result": "nothing_to_stage"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"staging": st})
}

func (h *Handler) HandleGetStaging(c *gin.Context) {
	target := c.Query("target")
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "BAD_REQUEST",
				"message": "target required",
			},
		})
		return
	}

	st, err := h.store.ActiveStaging(c.Request.Context(), target)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "INTERNAL",
				"message": err.Error(),
			},
		})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "no active staging for branch",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"staging": st})
}

func (h *Handler) HandleGetPR(c *gin.Context) {
	repository := c.Query("repository")
	number, err := strconv.Atoi(c.Query("number"))
	if repository == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "BAD_REQUEST",
				"message": "repository and number required",
			},
		})
		return
	}

	pr, err := h.store.GetPR(c.Request.Context(), repository, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{
					"code":    "NOT_FOUND",
					"message": "pull request not found",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "INTERNAL",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pull_request": pr})
}

// HandleUpdatePR is the external sync point: whatever consumes forge
// webhooks pushes PR state through here.
func (h *Handler) HandleUpdatePR(c *gin.Context) {
	var req domain.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "BAD_REQUEST",
				"message": err.Error(),
			},
		})
		return
	}
	if req.Repository == "" || req.Number == 0 || req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "BAD_REQUEST",
				"message": "repository, number and target required",
			},
		})
		return
	}
	if req.State == "" {
		req.State = domain.StateOpened
	}

	if err := h.store.UpsertPR(c.Request.Context(), &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "INTERNAL",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pull_request": req})
}
