// Package auth guards the local control API: one operator password checked
// with bcrypt, exchanged for a short-lived JWT.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
)

// OperatorName is the subject of every token.
const OperatorName = "operator"

var (
	// ErrInvalidCredentials is returned when the password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDisabled is returned when no password hash is configured.
	ErrDisabled = errors.New("control API login disabled")
	// ErrInvalidPassword is returned when a new password is too short.
	ErrInvalidPassword = errors.New("invalid password")
)

// MinPasswordLength applies to passwords hashed through NewPasswordHash.
const MinPasswordLength = 8

// Service issues and validates control API tokens.
type Service struct {
	passwordHash string
	jwtConfig    *JWTConfig
	clock        clock.Clock
}

// NewService creates the auth service. An empty passwordHash disables
// Login; tokens minted elsewhere with the same secret still validate.
func NewService(passwordHash string, jwtConfig *JWTConfig, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		passwordHash: strings.TrimSpace(passwordHash),
		jwtConfig:    jwtConfig,
		clock:        clk,
	}
}

// Login checks password and returns a token.
func (s *Service) Login(password string) (string, error) {
	if s.passwordHash == "" {
		return "", ErrDisabled
	}
	if err := ComparePassword(s.passwordHash, password); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.jwtConfig, OperatorName, s.clock.Now())
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// ValidateToken validates a token and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}

// NewPasswordHash validates and hashes a password for the
// control.password_hash setting.
func NewPasswordHash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrInvalidPassword
	}
	return HashPassword(password)
}
