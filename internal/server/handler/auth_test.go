package handler_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/server/handler"
)

func TestTokenIssuer_roundTrip(t *testing.T) {
	issuer := handler.NewTokenIssuer([]byte("signing-secret"), "https://veripact.test", time.Hour)
	instID := uuid.New()
	actorID := uuid.New()

	token, err := issuer.Issue(instID, &actorID)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.InstitutionID != instID.String() {
		t.Errorf("institution: got %s, want %s", claims.InstitutionID, instID)
	}
	if claims.ActorID != actorID.String() {
		t.Errorf("actor: got %s, want %s", claims.ActorID, actorID)
	}
	if claims.Role != "admin" {
		t.Errorf("role: got %q, want admin", claims.Role)
	}
}

func TestTokenIssuer_rejectsWrongSecret(t *testing.T) {
	issuer := handler.NewTokenIssuer([]byte("signing-secret"), "https://veripact.test", time.Hour)
	forger := handler.NewTokenIssuer([]byte("other-secret"), "https://veripact.test", time.Hour)

	token, err := forger.Issue(uuid.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Error("expected verification to fail for a foreign signature")
	}
}

func TestTokenIssuer_rejectsTampered(t *testing.T) {
	issuer := handler.NewTokenIssuer([]byte("signing-secret"), "https://veripact.test", time.Hour)

	token, err := issuer.Issue(uuid.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three-part JWT, got %d parts", len(parts))
	}
	tampered := parts[0] + ".eyJyb2xlIjoiYWRtaW4ifQ." + parts[2]
	if _, err := issuer.Verify(tampered); err == nil {
		t.Error("expected verification to fail for a tampered payload")
	}
}

func TestTokenIssuer_rejectsExpired(t *testing.T) {
	issuer := handler.NewTokenIssuer([]byte("signing-secret"), "https://veripact.test", -time.Minute)

	token, err := issuer.Issue(uuid.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Error("expected verification to fail for an expired token")
	}
}
