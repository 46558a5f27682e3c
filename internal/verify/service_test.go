package verify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/attempt"
	"github.com/veripact/veripact/internal/audit"
	"github.com/veripact/veripact/internal/directory"
	"github.com/veripact/veripact/internal/envelope"
	"github.com/veripact/veripact/internal/quota"
	"github.com/veripact/veripact/internal/ratelimit"
	"github.com/veripact/veripact/internal/verify"
	"go.uber.org/zap"
)

var ctx = context.Background()

type fixture struct {
	svc      *verify.Service
	dir      *directory.MemoryDirectory
	quotas   *quota.MemoryLedger
	attempts *attempt.MemoryStore
	auditLog *audit.MemoryStore
	student  directory.Student
	inst     directory.Institution
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := envelope.New([]byte("secret"), []byte("verify-test-salt"))
	if err != nil {
		t.Fatal(err)
	}

	dir := directory.NewMemory()
	inst := dir.AddInstitution(directory.Institution{Name: "Example University", Domain: "example.edu"})
	student := dir.AddStudent(directory.Student{
		InstitutionID: inst.ID,
		Email:         "jordan@example.edu",
		FullName:      "Jordan Lee",
	})

	quotas := quota.NewMemory()
	attempts := attempt.NewMemory()
	auditLog := audit.NewMemory(codec)
	limiter := ratelimit.NewMemory(ratelimit.DefaultPolicy())

	return &fixture{
		svc:      verify.NewService(limiter, quotas, dir, attempts, auditLog, zap.NewNop()),
		dir:      dir,
		quotas:   quotas,
		attempts: attempts,
		auditLog: auditLog,
		student:  student,
		inst:     inst,
	}
}

func (f *fixture) request(success bool) verify.Request {
	id := f.student.ID
	return verify.Request{
		StudentID:   &id,
		ResourceID:  "tr_1001",
		Success:     success,
		ClientIP:    "203.0.113.7",
		ClientAgent: "integration-test/1.0",
	}
}

func (f *fixture) auditActions(t *testing.T) []string {
	t.Helper()
	events, err := f.auditLog.DrainPending(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	actions := make([]string, len(events))
	for i, e := range events {
		actions[i] = e.Action
	}
	return actions
}

func TestVerify_successPath(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Verify(ctx, f.request(true))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Duplicate {
		t.Errorf("outcome = %+v, want success non-duplicate", out)
	}
	if out.Quota == nil || out.Quota.Used != 1 || out.Quota.Limit != quota.DefaultLimit {
		t.Errorf("quota = %+v, want used=1 limit=%d", out.Quota, quota.DefaultLimit)
	}

	recorded, _ := f.attempts.ListByStudent(ctx, f.student.ID, 0)
	if len(recorded) != 1 {
		t.Fatalf("%d attempts recorded, want 1", len(recorded))
	}
	if recorded[0].ClientKey != "203.0.113.7" {
		t.Errorf("attempt client key = %q", recorded[0].ClientKey)
	}

	actions := f.auditActions(t)
	if len(actions) != 1 || actions[0] != "transcript.verify" {
		t.Errorf("audit actions = %v, want [transcript.verify]", actions)
	}
}

func TestVerify_unknownSubjectAllowed(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Verify(ctx, verify.Request{
		ResourceID: "tr_anon",
		Success:    false,
		ClientIP:   "203.0.113.9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Quota != nil {
		t.Error("quota consumed for a subjectless request")
	}
}

func TestVerify_subjectNotFound(t *testing.T) {
	f := newFixture(t)
	ghost := uuid.New()

	_, err := f.svc.Verify(ctx, verify.Request{
		StudentID:  &ghost,
		ResourceID: "tr_1",
		ClientIP:   "203.0.113.7",
	})
	if !errors.Is(err, verify.ErrSubjectNotFound) {
		t.Fatalf("got %v, want ErrSubjectNotFound", err)
	}

	actions := f.auditActions(t)
	if len(actions) != 1 || actions[0] != "verify.subject_not_found" {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestVerify_rateLimited(t *testing.T) {
	f := newFixture(t)

	// Exhaust the window with failures to avoid the quota ceiling.
	for i := 0; i < 20; i++ {
		if _, err := f.svc.Verify(ctx, f.request(false)); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	_, err := f.svc.Verify(ctx, f.request(false))
	var rle *verify.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("got %v, want RateLimitedError", err)
	}
	if rle.Until.IsZero() {
		t.Error("RateLimitedError carries no retry time")
	}

	actions := f.auditActions(t)
	if actions[len(actions)-1] != "verify.rate_limited" {
		t.Errorf("last audit action = %q, want verify.rate_limited", actions[len(actions)-1])
	}
}

func TestVerify_quotaExceeded(t *testing.T) {
	f := newFixture(t)

	// Distinct resources so dedup does not interfere; well under the
	// rate-limit threshold.
	for i := 0; i < quota.DefaultLimit; i++ {
		req := f.request(true)
		req.ResourceID = "tr_" + uuid.NewString()
		if _, err := f.svc.Verify(ctx, req); err != nil {
			t.Fatalf("consume %d: %v", i+1, err)
		}
	}

	req := f.request(true)
	req.ResourceID = "tr_" + uuid.NewString()
	_, err := f.svc.Verify(ctx, req)
	var qee *verify.QuotaExceededError
	if !errors.As(err, &qee) {
		t.Fatalf("got %v, want QuotaExceededError", err)
	}
	if qee.Used != quota.DefaultLimit || qee.Limit != quota.DefaultLimit {
		t.Errorf("quota error = %+v", qee)
	}

	// Rate-limited and quota-exceeded are distinct user-visible outcomes.
	var rle *verify.RateLimitedError
	if errors.As(err, &rle) {
		t.Error("quota rejection also matches RateLimitedError")
	}
}

func TestVerify_duplicateSuppression(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Verify(ctx, f.request(true))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Verify(ctx, f.request(true))
	if err != nil {
		t.Fatal(err)
	}

	if !second.Duplicate {
		t.Fatal("repeat inside suppression window not flagged duplicate")
	}
	if second.AttemptID != first.AttemptID {
		t.Error("duplicate outcome does not reference the original attempt")
	}

	// Exactly one attempt row and one quota increment.
	recorded, _ := f.attempts.ListByStudent(ctx, f.student.ID, 0)
	if len(recorded) != 1 {
		t.Errorf("%d attempt rows, want 1", len(recorded))
	}
	q, _ := f.quotas.Get(ctx, f.student.ID)
	if q.Used != 1 {
		t.Errorf("quota used = %d, want 1", q.Used)
	}

	// But two audit events: the trail is never sparser than reality.
	actions := f.auditActions(t)
	if len(actions) != 2 {
		t.Errorf("%d audit events, want 2: %v", len(actions), actions)
	}
}

func TestVerify_failureDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Verify(ctx, f.request(false)); err != nil {
		t.Fatal(err)
	}
	q, _ := f.quotas.Get(ctx, f.student.ID)
	if q.Used != 0 {
		t.Errorf("quota used = %d after failed verification, want 0", q.Used)
	}
}

func TestResetQuota_fullScenario(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < quota.DefaultLimit; i++ {
		req := f.request(true)
		req.ResourceID = "tr_" + uuid.NewString()
		if _, err := f.svc.Verify(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	q, _ := f.quotas.Get(ctx, f.student.ID)
	if q.Used != quota.DefaultLimit {
		t.Fatalf("setup: used = %d", q.Used)
	}

	if err := f.svc.ResetQuota(ctx, f.student.ID, f.inst.ID, nil); err != nil {
		t.Fatal(err)
	}
	q, _ = f.quotas.Get(ctx, f.student.ID)
	if q.Used != 0 {
		t.Errorf("used = %d after reset, want 0", q.Used)
	}

	req := f.request(true)
	req.ResourceID = "tr_" + uuid.NewString()
	out, err := f.svc.Verify(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Quota.Used != 1 || out.Quota.Limit != quota.DefaultLimit {
		t.Errorf("post-reset quota = %+v, want used=1 limit=%d", out.Quota, quota.DefaultLimit)
	}

	// The reset itself is audited.
	found := false
	for _, a := range f.auditActions(t) {
		if a == "quota.reset" {
			found = true
		}
	}
	if !found {
		t.Error("no quota.reset audit event")
	}
}

func TestResetQuota_wrongInstitution(t *testing.T) {
	f := newFixture(t)
	other := f.dir.AddInstitution(directory.Institution{Name: "Other College", Domain: "other.edu"})

	err := f.svc.ResetQuota(ctx, f.student.ID, other.ID, nil)
	if !errors.Is(err, verify.ErrNotAuthorized) {
		t.Errorf("got %v, want ErrNotAuthorized", err)
	}
}

func TestVerify_subjectByEmail(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Verify(ctx, verify.Request{
		StudentEmail: "jordan@example.edu",
		ResourceID:   "tr_email",
		Success:      true,
		ClientIP:     "203.0.113.7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Quota == nil || out.Quota.Used != 1 {
		t.Errorf("email lookup should resolve the subject and consume quota, got %+v", out.Quota)
	}

	attempts, err := f.attempts.ListByStudent(ctx, f.student.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Errorf("attempt should be recorded against the resolved student, got %d", len(attempts))
	}
}

func TestVerify_subjectByEmail_notFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Verify(ctx, verify.Request{
		StudentEmail: "nobody@example.edu",
		ResourceID:   "tr_email_missing",
		Success:      true,
		ClientIP:     "203.0.113.7",
	})
	if !errors.Is(err, verify.ErrSubjectNotFound) {
		t.Errorf("got %v, want ErrSubjectNotFound", err)
	}
}
