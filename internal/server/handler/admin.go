package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/attempt"
	"github.com/veripact/veripact/internal/audit"
	"github.com/veripact/veripact/internal/quota"
	"github.com/veripact/veripact/internal/seal"
	"github.com/veripact/veripact/internal/verify"
	"go.uber.org/zap"
)

// AdminHandler exposes the institution-facing operations: quota
// management, attempt history, and the audit chain controls.
type AdminHandler struct {
	svc         *verify.Service
	quotas      quota.Ledger
	attempts    attempt.Store
	events      audit.Store
	chain       seal.ChainStore
	sealer      *seal.Sealer
	issuer      *TokenIssuer
	adminSecret string
	logger      *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	svc *verify.Service,
	quotas quota.Ledger,
	attempts attempt.Store,
	events audit.Store,
	chain seal.ChainStore,
	sealer *seal.Sealer,
	issuer *TokenIssuer,
	adminSecret string,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		svc:         svc,
		quotas:      quotas,
		attempts:    attempts,
		events:      events,
		chain:       chain,
		sealer:      sealer,
		issuer:      issuer,
		adminSecret: adminSecret,
		logger:      logger,
	}
}

// Register registers the admin routes on the given router group. Every
// route except the token exchange requires a valid admin token.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/token", h.IssueToken)

	authed := rg.Group("", RequireAdminToken(h.issuer))
	authed.GET("/students/:id/quota", h.GetQuota)
	authed.POST("/students/:id/quota/reset", h.ResetQuota)
	authed.PUT("/students/:id/quota/limit", h.SetQuotaLimit)
	authed.GET("/students/:id/attempts", h.ListAttempts)

	authed.POST("/seal", h.SealNow)
	authed.POST("/anchors/retry", h.RetryAnchors)
	authed.GET("/chain/verify", h.VerifyChain)
	authed.GET("/batches", h.ListBatches)
	authed.GET("/batches/:id", h.GetBatch)
	authed.GET("/events/pending", h.PendingEvents)
}

type tokenRequest struct {
	Secret        string    `json:"secret" binding:"required"`
	InstitutionID uuid.UUID `json:"institution_id" binding:"required"`
	ActorID       *uuid.UUID `json:"actor_id"`
}

// IssueToken exchanges the static admin secret for a short-lived signed
// token scoped to one institution.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.adminSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
		return
	}

	token, err := h.issuer.Issue(req.InstitutionID, req.ActorID)
	if err != nil {
		h.logger.Error("token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// GetQuota reports a student's verification counter.
func (h *AdminHandler) GetQuota(c *gin.Context) {
	studentID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	res, err := h.quotas.Get(c.Request.Context(), studentID)
	if err != nil {
		h.logger.Error("quota lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"student_id": studentID,
		"used":       res.Used,
		"limit":      res.Limit,
		"remaining":  res.Remaining(),
	})
}

// ResetQuota zeroes a student's counter. The actor's institution must own
// the student; the reset itself lands in the audit trail.
func (h *AdminHandler) ResetQuota(c *gin.Context) {
	studentID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	instID, actorID, ok := adminActor(c)
	if !ok {
		return
	}

	err := h.svc.ResetQuota(c.Request.Context(), studentID, instID, actorID)
	switch {
	case errors.Is(err, verify.ErrSubjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
	case errors.Is(err, verify.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "student belongs to a different institution"})
	case err != nil:
		h.logger.Error("quota reset failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota reset failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"student_id": studentID, "used": 0})
	}
}

type setLimitRequest struct {
	Limit int `json:"limit" binding:"required,min=1"`
}

// SetQuotaLimit changes a student's attempt limit. Lowering the limit
// below the used count clamps the count down to the new limit. The change
// lands in the audit trail.
func (h *AdminHandler) SetQuotaLimit(c *gin.Context) {
	studentID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req setLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	instID, actorID, ok := adminActor(c)
	if !ok {
		return
	}
	if err := h.quotas.SetLimit(c.Request.Context(), studentID, req.Limit); err != nil {
		h.logger.Error("set quota limit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "set quota limit failed"})
		return
	}
	if err := h.events.Append(c.Request.Context(), &audit.Event{
		ActorID:      actorID,
		Action:       "quota.limit_change",
		ResourceType: audit.ResourceStudent,
		ResourceID:   studentID.String(),
		Details: map[string]any{
			"limit":          req.Limit,
			"institution_id": instID.String(),
		},
		Severity: audit.SeverityMedium,
	}); err != nil {
		h.logger.Error("audit limit change failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "set quota limit failed"})
		return
	}
	res, err := h.quotas.Get(c.Request.Context(), studentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"student_id": studentID,
		"used":       res.Used,
		"limit":      res.Limit,
	})
}

// ListAttempts returns a student's verification history, newest first.
func (h *AdminHandler) ListAttempts(c *gin.Context) {
	studentID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	attempts, err := h.attempts.ListByStudent(c.Request.Context(), studentID, limit)
	if err != nil {
		h.logger.Error("attempt listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attempt listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

// SealNow forces an immediate seal of pending audit events instead of
// waiting for the next interval tick.
func (h *AdminHandler) SealNow(c *gin.Context) {
	instID, actorID, ok := adminActor(c)
	if !ok {
		return
	}
	batch, err := h.sealer.SealOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("manual seal failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "seal failed"})
		return
	}
	if batch == nil {
		c.JSON(http.StatusOK, gin.H{"sealed": false, "reason": "no pending events"})
		return
	}
	// The trigger record itself goes into the next batch.
	if err := h.events.Append(c.Request.Context(), &audit.Event{
		ActorID:      actorID,
		Action:       "audit.seal_trigger",
		ResourceType: audit.ResourceSystem,
		ResourceID:   batch.ID.String(),
		Details: map[string]any{
			"event_count":    batch.EventCount,
			"institution_id": instID.String(),
		},
		Severity: audit.SeverityMedium,
	}); err != nil {
		h.logger.Error("audit seal trigger failed", zap.Error(err))
	}
	c.JSON(http.StatusCreated, gin.H{"sealed": true, "batch": batch})
}

// RetryAnchors resubmits locally sealed batches that still lack an anchor
// reference.
func (h *AdminHandler) RetryAnchors(c *gin.Context) {
	anchored, err := h.sealer.RetryUnanchored(c.Request.Context())
	if err != nil {
		h.logger.Error("anchor retry failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "anchor retry failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anchored": anchored})
}

// VerifyChain walks the full batch chain and recomputes every hash link.
// A detected break is itself a critical audit event.
func (h *AdminHandler) VerifyChain(c *gin.Context) {
	checked, err := seal.VerifyChain(c.Request.Context(), h.chain)
	if err != nil {
		h.logger.Warn("chain verification failed",
			zap.Int("batches_checked", checked),
			zap.Error(err),
		)
		if aerr := h.events.Append(c.Request.Context(), &audit.Event{
			Action:       "audit.chain_mismatch",
			ResourceType: audit.ResourceSystem,
			ResourceID:   "chain",
			Details: map[string]any{
				"batches_checked": checked,
				"error":           err.Error(),
			},
			Severity: audit.SeverityCritical,
		}); aerr != nil {
			h.logger.Error("audit chain mismatch failed", zap.Error(aerr))
		}
		c.JSON(http.StatusConflict, gin.H{
			"valid":           false,
			"batches_checked": checked,
			"error":           err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "batches_checked": checked})
}

// ListBatches returns the batch chain in order.
func (h *AdminHandler) ListBatches(c *gin.Context) {
	batches := make([]*seal.Batch, 0)
	err := h.chain.Walk(c.Request.Context(), func(b *seal.Batch) error {
		batches = append(batches, b)
		return nil
	})
	if err != nil {
		h.logger.Error("batch listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

// GetBatch returns one batch together with its sealed events and a
// recomputation of its Merkle root over them.
func (h *AdminHandler) GetBatch(c *gin.Context) {
	batchID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	batch, err := h.chain.Get(c.Request.Context(), batchID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	events, err := h.events.ListByBatch(c.Request.Context(), batchID)
	if err != nil {
		h.logger.Error("batch events lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch events lookup failed"})
		return
	}

	resp := gin.H{
		"batch":  batch,
		"events": events,
		"count":  len(events),
	}
	if err := seal.VerifyBatchEvents(batch, events); err != nil {
		resp["integrity"] = "failed"
		resp["integrity_error"] = err.Error()
		if aerr := h.events.Append(c.Request.Context(), &audit.Event{
			Action:       "audit.batch_mismatch",
			ResourceType: audit.ResourceSystem,
			ResourceID:   batchID.String(),
			Details:      map[string]any{"error": err.Error()},
			Severity:     audit.SeverityCritical,
		}); aerr != nil {
			h.logger.Error("audit batch mismatch failed", zap.Error(aerr))
		}
	} else {
		resp["integrity"] = "ok"
	}
	c.JSON(http.StatusOK, resp)
}

// PendingEvents reports how many audit events await the next seal.
func (h *AdminHandler) PendingEvents(c *gin.Context) {
	n, err := h.events.CountPending(c.Request.Context())
	if err != nil {
		h.logger.Error("pending count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pending count failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": n})
}

// adminActor extracts the institution and optional actor from the request's
// verified token claims. Writes a 401 and returns false when the
// institution claim does not parse.
func adminActor(c *gin.Context) (uuid.UUID, *uuid.UUID, bool) {
	claims := AdminClaimsFromCtx(c)
	instID, err := uuid.Parse(claims.InstitutionID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
		return uuid.Nil, nil, false
	}
	var actorID *uuid.UUID
	if claims.ActorID != "" {
		if id, err := uuid.Parse(claims.ActorID); err == nil {
			actorID = &id
		}
	}
	return instID, actorID, true
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
