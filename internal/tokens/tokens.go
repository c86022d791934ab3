package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/elraffme/oloo-live/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the session-scoped participant token. ParticipantID is minted at
// join time and means nothing outside its session; guests carry no account
// identity at all.
type Claims struct {
	SessionID     uuid.UUID              `json:"session_id"`
	ParticipantID string                 `json:"participant_id"`
	Role          models.ParticipantRole `json:"role"`
	DisplayName   string                 `json:"display_name"`
	IsGuest       bool                   `json:"is_guest"`
	jwt.RegisteredClaims
}

// Service handles participant token generation and validation.
type Service struct {
	secret      []byte
	expireHours int
}

// NewService creates a token service.
func NewService(secret string, expireHours int) *Service {
	return &Service{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate mints a participant token for one session.
func (s *Service) Generate(sessionID uuid.UUID, participantID string, role models.ParticipantRole, displayName string, isGuest bool) (string, error) {
	claims := Claims{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Role:          role,
		DisplayName:   displayName,
		IsGuest:       isGuest,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a participant token.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
