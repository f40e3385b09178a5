package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestService_IssueAndVerify(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Issue("ops@example.com", RoleOperator)
	if err != nil {
		t.Fatalf("issue: unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("issue: expected token, got empty string")
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "ops@example.com" {
		t.Fatalf("verify: expected subject %q got %q", "ops@example.com", claims.Subject)
	}
	if claims.Role != RoleOperator {
		t.Fatalf("verify: expected role %s got %s", RoleOperator, claims.Role)
	}
}

func TestService_RequiresSecret(t *testing.T) {
	if _, err := NewService("", time.Hour); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestService_IssueValidation(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Issue("", RoleViewer); err == nil {
		t.Fatal("expected error for empty subject")
	}
	if _, err := svc.Issue("ops", Role("root")); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestService_VerifyRejects(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Issue("ops", RoleViewer)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other, err := NewService("other-secret", time.Hour)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: expected ErrInvalidToken, got %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: expected ErrInvalidToken, got %v", err)
	}

	if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: expected ErrInvalidToken, got %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := newTestService(t).Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg none: expected ErrInvalidToken, got %v", err)
	}
}

func TestRole_Allows(t *testing.T) {
	cases := []struct {
		role, required Role
		want           bool
	}{
		{RoleViewer, RoleViewer, true},
		{RoleOperator, RoleViewer, true},
		{RoleOperator, RoleOperator, true},
		{RoleViewer, RoleOperator, false},
		{Role(""), RoleViewer, false},
	}
	for _, c := range cases {
		if got := c.role.Allows(c.required); got != c.want {
			t.Fatalf("%q.Allows(%q) = %v, want %v", c.role, c.required, got, c.want)
		}
	}
}
