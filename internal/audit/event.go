// Package audit implements the append-only log of security-relevant events.
//
// Every event gets a SHA-256 leaf hash computed at append time over a
// canonical serialization of its plaintext content. Confidential details are
// sealed with the envelope codec before storage, after hashing, so batch
// proofs stay verifiable without the decryption key. Events move through a
// one-way lifecycle: pending until a seal run includes them in a batch,
// sealed forever after.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/envelope"
)

// Severity classifies how security-relevant an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResourceType names the kind of resource an event concerns.
type ResourceType string

const (
	ResourceTranscript  ResourceType = "transcript"
	ResourceInstitution ResourceType = "institution"
	ResourceStudent     ResourceType = "student"
	ResourceAuth        ResourceType = "auth"
	ResourceSystem      ResourceType = "system"
)

// Event is a single audit record. Details holds non-sensitive metadata kept
// queryable in the clear; Sensitive holds fields that are encrypted before
// storage and is nil on events read back from a store.
type Event struct {
	ID           uuid.UUID      `json:"id"`
	ActorID      *uuid.UUID     `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details"`
	Sensitive    map[string]any `json:"-"`
	Severity     Severity       `json:"severity"`

	// EventHash is the hex SHA-256 of the canonical plaintext event,
	// assigned by Append. It is the Merkle leaf for sealing.
	EventHash string `json:"event_hash"`

	// EncryptedPayload carries the sealed Sensitive map, present iff the
	// event had confidential details.
	EncryptedPayload []byte `json:"-"`

	CreatedAt     time.Time  `json:"created_at"`
	SealedInBatch *uuid.UUID `json:"sealed_in_batch"`
}

// canonicalEvent fixes field order and makes every field explicit, so the
// hash never depends on map iteration or on null-versus-absent ambiguity.
// encoding/json sorts map keys, which keeps Details and Sensitive stable.
type canonicalEvent struct {
	ID           uuid.UUID      `json:"id"`
	ActorID      *uuid.UUID     `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details"`
	Sensitive    map[string]any `json:"sensitive"`
	Severity     Severity       `json:"severity"`
	CreatedAt    string         `json:"created_at"`
}

// CanonicalBytes returns the canonical plaintext serialization hashed into
// the Merkle tree. Must be called before Sensitive is stripped.
func (e *Event) CanonicalBytes() ([]byte, error) {
	c := canonicalEvent{
		ID:           e.ID,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		Sensitive:    e.Sensitive,
		Severity:     e.Severity,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event %s: %w", e.ID, err)
	}
	return b, nil
}

// ComputeHash fills in EventHash from the canonical serialization.
func (e *Event) ComputeHash() error {
	b, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	e.EventHash = hex.EncodeToString(sum[:])
	return nil
}

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func (r ResourceType) valid() bool {
	switch r {
	case ResourceTranscript, ResourceInstitution, ResourceStudent, ResourceAuth, ResourceSystem:
		return true
	}
	return false
}

// canonicalSensitive serializes the sensitive map for sealing. Map keys are
// sorted by encoding/json, so the same details always seal the same bytes.
func canonicalSensitive(m map[string]any) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize sensitive details: %w", err)
	}
	return b, nil
}

// OpenSensitive decrypts an event's sealed payload. Returns nil when the
// event carries none. A failed integrity check propagates unwrapped so
// callers can detect envelope.ErrIntegrity.
func OpenSensitive(codec *envelope.Codec, e *Event) (map[string]any, error) {
	if len(e.EncryptedPayload) == 0 {
		return nil, nil
	}
	plain, err := codec.Open(e.EncryptedPayload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("decode sensitive details of %s: %w", e.ID, err)
	}
	return m, nil
}

// Validate checks the fields a caller must supply before Append.
func (e *Event) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("audit event missing action")
	}
	if !e.ResourceType.valid() {
		return fmt.Errorf("audit event has invalid resource type %q", e.ResourceType)
	}
	if !e.Severity.valid() {
		return fmt.Errorf("audit event has invalid severity %q", e.Severity)
	}
	return nil
}
