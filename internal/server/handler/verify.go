package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/verify"
	"go.uber.org/zap"
)

// VerifyHandler handles public verification requests.
type VerifyHandler struct {
	svc    *verify.Service
	logger *zap.Logger
}

// NewVerifyHandler creates a VerifyHandler.
func NewVerifyHandler(svc *verify.Service, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, logger: logger}
}

// Register registers the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/verify", h.Verify)
}

type verifyRequest struct {
	StudentID    *uuid.UUID `json:"student_id"`
	StudentEmail string     `json:"student_email"`
	ResourceID   string     `json:"resource_id" binding:"required"`
	Success      bool       `json:"success"`
}

// Verify handles POST /verify, running the full trust path for one attempt.
//
// Rate-limited and quota-exceeded both map to 429 but stay distinct
// responses: the remediation differs (wait vs. contact the institution).
func (h *VerifyHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.svc.Verify(c.Request.Context(), verify.Request{
		StudentID:    req.StudentID,
		StudentEmail: req.StudentEmail,
		ResourceID:   req.ResourceID,
		Success:      req.Success,
		ClientIP:     c.ClientIP(),
		ClientAgent:  c.Request.UserAgent(),
	})

	var rle *verify.RateLimitedError
	var qee *verify.QuotaExceededError
	switch {
	case err == nil:
		outcome := "completed"
		if out.Duplicate {
			outcome = "duplicate"
		}
		RecordVerification(outcome)
		c.JSON(http.StatusOK, gin.H{"result": out})
	case errors.As(err, &rle):
		RecordVerification("rate_limited")
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many attempts, try later",
			"retry_after": rle.Until.UTC(),
		})
	case errors.As(err, &qee):
		RecordVerification("quota_exceeded")
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "verification limit reached, contact the institution",
			"used":  qee.Used,
			"limit": qee.Limit,
		})
	case errors.Is(err, verify.ErrSubjectNotFound):
		RecordVerification("subject_not_found")
		c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
	default:
		h.logger.Error("verification failed", zap.Error(err))
		RecordVerification("error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
	}
}
