package seal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// ErrDuplicateBatch is returned by a sink that has already accepted a batch
// with the same ID. Callers treat it as success with the existing reference
// when the sink supplies one.
var ErrDuplicateBatch = errors.New("seal: batch already submitted to anchor sink")

// AnchorSink is the external immutable store batches are anchored to.
// Availability is untrusted (calls may be slow or fail and are retried);
// integrity is trusted (what it stores, it stores unchanged).
type AnchorSink interface {
	// Submit sends the batch descriptor and returns the sink's opaque
	// reference. A resubmission of the same batch ID returns
	// ErrDuplicateBatch.
	Submit(ctx context.Context, b *Batch) (string, error)
}

// HTTPSink anchors batches by POSTing their descriptors to a write-once log
// service. The service answers 200/201 with {"ref": "..."} and 409 for a
// duplicate batch ID, echoing the original ref when it has it.
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPSink creates an HTTPSink. The client's timeout is the caller's
// responsibility (the sealer passes a deadline context per submission).
func NewHTTPSink(endpoint, token string, client *http.Client, logger *zap.Logger) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{endpoint: endpoint, token: token, client: client, logger: logger}
}

type anchorResponse struct {
	Ref string `json:"ref"`
}

// Submit implements AnchorSink.
func (s *HTTPSink) Submit(ctx context.Context, b *Batch) (string, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal batch descriptor: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit batch %s to anchor sink: %w", b.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read anchor response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var ar anchorResponse
		if err := json.Unmarshal(raw, &ar); err != nil || ar.Ref == "" {
			return "", fmt.Errorf("anchor sink returned no usable ref for batch %s", b.ID)
		}
		s.logger.Info("batch anchored",
			zap.String("batch_id", b.ID.String()),
			zap.String("ref", ar.Ref),
		)
		return ar.Ref, nil
	case http.StatusConflict:
		var ar anchorResponse
		if err := json.Unmarshal(raw, &ar); err == nil && ar.Ref != "" {
			// Idempotent retry: the sink already holds this batch.
			return ar.Ref, nil
		}
		return "", fmt.Errorf("%w: batch %s", ErrDuplicateBatch, b.ID)
	default:
		return "", fmt.Errorf("anchor sink rejected batch %s: status %d", b.ID, resp.StatusCode)
	}
}

// StubSink is the in-process test double for an anchor sink. It fabricates
// references, detects duplicate submissions, and can be made to fail.
type StubSink struct {
	mu   sync.Mutex
	refs map[string]string // batch ID -> ref
	next int

	// Err, when set, is returned by every Submit until cleared.
	Err error
}

// NewStubSink creates an empty StubSink.
func NewStubSink() *StubSink {
	return &StubSink{refs: make(map[string]string)}
}

// Submit implements AnchorSink.
func (s *StubSink) Submit(_ context.Context, b *Batch) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return "", s.Err
	}
	if ref, ok := s.refs[b.ID.String()]; ok {
		return ref, ErrDuplicateBatch
	}
	s.next++
	ref := fmt.Sprintf("stub-anchor-%04d", s.next)
	s.refs[b.ID.String()] = ref
	return ref, nil
}

// Submissions reports how many distinct batches the sink has accepted.
func (s *StubSink) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// SetErr sets or clears the forced failure.
func (s *StubSink) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}
