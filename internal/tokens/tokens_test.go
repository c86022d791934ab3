package tokens

import (
	"testing"

	"github.com/google/uuid"

	"github.com/elraffme/oloo-live/internal/models"
)

func TestGenerateValidateRoundTrip(t *testing.T) {
	svc := NewService("test-secret", 24)
	sessionID := uuid.New()

	token, err := svc.Generate(sessionID, "pid-1", models.RoleViewer, "Ada", true)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.SessionID != sessionID {
		t.Errorf("SessionID = %s, want %s", claims.SessionID, sessionID)
	}
	if claims.ParticipantID != "pid-1" {
		t.Errorf("ParticipantID = %q", claims.ParticipantID)
	}
	if claims.Role != models.RoleViewer {
		t.Errorf("Role = %q", claims.Role)
	}
	if claims.DisplayName != "Ada" || !claims.IsGuest {
		t.Errorf("DisplayName/IsGuest = %q/%v", claims.DisplayName, claims.IsGuest)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := NewService("test-secret", 24)
	if _, err := svc.Validate("not-a-token"); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewService("secret-a", 24).Generate(uuid.New(), "pid-1", models.RoleHost, "Host", false)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := NewService("secret-b", 24).Validate(token); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	token, err := NewService("test-secret", -1).Generate(uuid.New(), "pid-1", models.RoleViewer, "", false)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := NewService("test-secret", -1).Validate(token); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}
