package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestAuthService(t *testing.T, password string) *Service {
	t.Helper()

	hash := ""
	if password != "" {
		var err error
		if hash, err = NewPasswordHash(password); err != nil {
			t.Fatalf("hash password: %v", err)
		}
	}

	jwtConfig := &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	}
	return NewService(hash, jwtConfig, nil)
}

func TestLogin_IssuesValidToken(t *testing.T) {
	svc := newTestAuthService(t, "correct horse")

	token, err := svc.Login("correct horse")
	if err != nil {
		t.Fatalf("expected login success, got %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.Operator != OperatorName || claims.Subject != OperatorName {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestLogin_RejectsWrongPassword(t *testing.T) {
	svc := newTestAuthService(t, "correct horse")

	if _, err := svc.Login("battery staple"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLogin_DisabledWithoutHash(t *testing.T) {
	svc := newTestAuthService(t, "")

	if _, err := svc.Login("anything"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestNewPasswordHash_RejectsShortPassword(t *testing.T) {
	if _, err := NewPasswordHash("short"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	hash, err := NewPasswordHash(strings.Repeat("p", MinPasswordLength))
	if err != nil || ComparePassword(hash, strings.Repeat("p", MinPasswordLength)) != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now().Add(-2 * time.Hour))

	hash, _ := HashPassword("correct horse")
	cfg := &JWTConfig{Secret: []byte("s"), Issuer: "test", Audience: "test", TTL: time.Hour}
	svc := NewService(hash, cfg, mock)

	token, err := svc.Login("correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatal("expected an expired token to be rejected")
	}
}
