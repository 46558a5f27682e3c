// Package verify orchestrates the verification request path: client
// identification, sliding-window limiting, subject lookup, quota
// enforcement, attempt recording, and the audit write. Every step completes
// or fails explicitly before the caller's response; nothing on this path is
// fire-and-forget.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/attempt"
	"github.com/veripact/veripact/internal/audit"
	"github.com/veripact/veripact/internal/directory"
	"github.com/veripact/veripact/internal/quota"
	"github.com/veripact/veripact/internal/ratelimit"
	"go.uber.org/zap"
)

// ErrSubjectNotFound is returned when the request names a student the
// directory does not know. Terminal for the request, logged at low
// severity: by itself it is not an attack signal.
var ErrSubjectNotFound = errors.New("verify: subject not found")

// ErrNotAuthorized is returned when an administrative operation is invoked
// by an actor outside the subject's owning institution.
var ErrNotAuthorized = errors.New("verify: actor not authorized for this subject")

// RateLimitedError reports a blocked client key. Retryable after Until.
type RateLimitedError struct {
	Until time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.Until.UTC().Format(time.RFC3339))
}

// QuotaExceededError reports an exhausted subject quota. Retryable only
// after an administrator reset; carries the counter so callers can render
// remaining-attempts information.
type QuotaExceededError struct {
	Used  int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("verification limit reached (%d/%d), contact the institution", e.Used, e.Limit)
}

// Request is one inbound verification attempt. Success is the outcome of
// the document check, computed by the caller; this subsystem records and
// polices it but does not produce it.
type Request struct {
	StudentID    *uuid.UUID
	StudentEmail string // subject lookup fallback when no ID is given
	ResourceID   string
	Success      bool
	ClientIP     string
	ClientAgent  string
}

// Outcome is the result of an accepted (or suppressed-duplicate) request.
type Outcome struct {
	AttemptID uuid.UUID     `json:"attempt_id"`
	Success   bool          `json:"success"`
	Duplicate bool          `json:"duplicate"`
	Quota     *quota.Result `json:"quota,omitempty"` // nil when the subject is unknown
}

// Service wires the trust components into the request path.
type Service struct {
	limiter  ratelimit.Limiter
	quotas   quota.Ledger
	dir      directory.Directory
	attempts attempt.Store
	auditLog audit.Store
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a Service.
func NewService(
	limiter ratelimit.Limiter,
	quotas quota.Ledger,
	dir directory.Directory,
	attempts attempt.Store,
	auditLog audit.Store,
	logger *zap.Logger,
) *Service {
	return &Service{
		limiter:  limiter,
		quotas:   quotas,
		dir:      dir,
		attempts: attempts,
		auditLog: auditLog,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Test use only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Verify runs the full request path. Expected rejections come back as
// typed errors (RateLimitedError, QuotaExceededError, ErrSubjectNotFound);
// every rejection is itself audited before returning.
func (s *Service) Verify(ctx context.Context, req Request) (*Outcome, error) {
	if req.ResourceID == "" {
		return nil, errors.New("verify: missing resource id")
	}
	now := s.now().UTC()
	key := ratelimit.ClientKey(req.ClientIP, "")

	dec, err := s.limiter.CheckAndRecord(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !dec.Allowed {
		if err := s.auditRejection(ctx, req, "verify.rate_limited", audit.SeverityMedium, map[string]any{
			"blocked_until": dec.BlockedUntil.UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
		return nil, &RateLimitedError{Until: dec.BlockedUntil}
	}

	var student *directory.Student
	switch {
	case req.StudentID != nil:
		student, err = s.dir.FindStudent(ctx, *req.StudentID)
	case req.StudentEmail != "":
		student, err = s.dir.FindStudentByEmail(ctx, req.StudentEmail)
	}
	if errors.Is(err, directory.ErrNotFound) {
		if err := s.auditRejection(ctx, req, "verify.subject_not_found", audit.SeverityLow, nil); err != nil {
			return nil, err
		}
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subject lookup: %w", err)
	}
	if student != nil {
		req.StudentID = &student.ID
	}

	// Suppress rapid repeats of a completed verification: same resource,
	// successful, inside the window. The audit trail still records the
	// call; the attempt table and the quota do not.
	if req.Success {
		prior, err := s.attempts.FindRecentSuccess(ctx, req.ResourceID, now.Add(-attempt.SuppressionWindow))
		if err != nil {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		if prior != nil {
			out := &Outcome{AttemptID: prior.ID, Success: true, Duplicate: true}
			if student != nil {
				q, err := s.quotas.Get(ctx, student.ID)
				if err != nil {
					return nil, err
				}
				out.Quota = &q
			}
			if err := s.auditAttempt(ctx, req, student, true); err != nil {
				return nil, err
			}
			return out, nil
		}
	}

	var quotaRes *quota.Result
	if student != nil {
		var res quota.Result
		if req.Success {
			res, err = s.quotas.TryConsume(ctx, student.ID)
		} else {
			// Failed checks do not consume the quota, but an exhausted
			// subject is still rejected.
			res, err = s.quotas.Get(ctx, student.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("quota check: %w", err)
		}
		if !res.Allowed {
			if err := s.auditRejection(ctx, req, "verify.quota_exceeded", audit.SeverityMedium, map[string]any{
				"used":  res.Used,
				"limit": res.Limit,
			}); err != nil {
				return nil, err
			}
			return nil, &QuotaExceededError{Used: res.Used, Limit: res.Limit}
		}
		quotaRes = &res
	}

	a := &attempt.Attempt{
		StudentID:   req.StudentID,
		ResourceID:  req.ResourceID,
		Success:     req.Success,
		ClientKey:   key,
		ClientAgent: req.ClientAgent,
	}
	if err := s.attempts.Record(ctx, a); err != nil {
		return nil, err
	}

	if err := s.auditAttempt(ctx, req, student, false); err != nil {
		return nil, err
	}

	return &Outcome{AttemptID: a.ID, Success: req.Success, Quota: quotaRes}, nil
}

// ResetQuota sets a student's counter back to zero. Only the student's
// owning institution may invoke it, and the reset is audited.
func (s *Service) ResetQuota(ctx context.Context, studentID, actorInstitutionID uuid.UUID, actorID *uuid.UUID) error {
	student, err := s.dir.FindStudent(ctx, studentID)
	if errors.Is(err, directory.ErrNotFound) {
		return ErrSubjectNotFound
	}
	if err != nil {
		return fmt.Errorf("subject lookup: %w", err)
	}
	if student.InstitutionID != actorInstitutionID {
		return ErrNotAuthorized
	}

	if err := s.quotas.Reset(ctx, studentID); err != nil {
		return err
	}

	e := &audit.Event{
		ActorID:      actorID,
		Action:       "quota.reset",
		ResourceType: audit.ResourceSystem,
		ResourceID:   studentID.String(),
		Details:      map[string]any{"institution_id": actorInstitutionID.String()},
		Severity:     audit.SeverityMedium,
	}
	if err := s.auditLog.Append(ctx, e); err != nil {
		return fmt.Errorf("audit quota reset: %w", err)
	}

	s.logger.Info("quota reset",
		zap.String("student_id", studentID.String()),
		zap.String("institution_id", actorInstitutionID.String()),
	)
	return nil
}

// auditAttempt writes the one audit event every verification call produces,
// suppressed duplicates included, so the trail is never sparser than
// reality.
func (s *Service) auditAttempt(ctx context.Context, req Request, student *directory.Student, duplicate bool) error {
	severity := audit.SeverityLow
	if !req.Success {
		severity = audit.SeverityMedium
	}
	e := &audit.Event{
		ActorID:      req.StudentID,
		Action:       "transcript.verify",
		ResourceType: audit.ResourceTranscript,
		ResourceID:   req.ResourceID,
		Details: map[string]any{
			"success":   req.Success,
			"duplicate": duplicate,
		},
		Sensitive: s.clientSensitive(req, student),
		Severity:  severity,
	}
	if err := s.auditLog.Append(ctx, e); err != nil {
		return fmt.Errorf("audit verification attempt: %w", err)
	}
	return nil
}

// auditRejection records a limiter or quota rejection; a rejection is
// itself a security-relevant fact.
func (s *Service) auditRejection(ctx context.Context, req Request, action string, severity audit.Severity, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	e := &audit.Event{
		ActorID:      req.StudentID,
		Action:       action,
		ResourceType: audit.ResourceTranscript,
		ResourceID:   req.ResourceID,
		Details:      details,
		Sensitive:    s.clientSensitive(req, nil),
		Severity:     severity,
	}
	if err := s.auditLog.Append(ctx, e); err != nil {
		return fmt.Errorf("audit rejection: %w", err)
	}
	return nil
}

// clientSensitive collects the subject-identifying request metadata that is
// encrypted rather than stored in the clear.
func (s *Service) clientSensitive(req Request, student *directory.Student) map[string]any {
	m := map[string]any{
		"client_ip":    req.ClientIP,
		"client_agent": req.ClientAgent,
	}
	if student != nil {
		m["student_email"] = student.Email
	}
	return m
}
