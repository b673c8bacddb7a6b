package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/storage"
)

func TestIssueAndVerify(t *testing.T) {
	iss := NewIssuer("s3cret", time.Hour)
	want := models.Identity{UserID: "u1", Role: models.RoleDriver}
	tok, exp, err := iss.Issue(want)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past: %v", exp)
	}
	got, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Fatalf("identity = %+v, want %+v", got, want)
	}
}

func TestVerifyRejectsForeignAndExpiredTokens(t *testing.T) {
	iss := NewIssuer("s3cret", time.Hour)
	other := NewIssuer("different", time.Hour)
	tok, _, _ := other.Issue(models.Identity{UserID: "u1", Role: models.RoleRider})
	if _, err := iss.Verify(tok); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("foreign token: got %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	iss.now = func() time.Time { return past }
	old, _, _ := iss.Issue(models.Identity{UserID: "u1", Role: models.RoleRider})
	iss.now = time.Now
	if _, err := iss.Verify(old); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expired token: got %v", err)
	}
	if _, err := iss.Verify("not-a-token"); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("garbage: got %v", err)
	}
}

func TestDevelopmentModeStillSigns(t *testing.T) {
	iss := NewIssuer("", 0)
	if iss.Required() {
		t.Fatal("empty secret must not require tokens")
	}
	tok, _, err := iss.Issue(models.Identity{UserID: "u1", Role: models.RoleRider})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := iss.Verify(tok); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Fatalf("header token = %q", got)
	}
}

func newTestService() *Service {
	s := NewService(storage.NewMemoryUsers(), NewIssuer("s3cret", time.Hour))
	s.cost = bcrypt.MinCost
	return s
}

func TestRegisterThenLogin(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	reg, err := s.Register(ctx, RegisterRequest{Name: "Ana", Phone: "555", Password: "hunter22", Role: "passenger"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.User.Role != models.RoleRider || reg.User.PasswordHash == "hunter22" {
		t.Fatalf("unexpected user %+v", reg.User)
	}

	sess, err := s.Login(ctx, LoginRequest{Phone: "555", Password: "hunter22", Role: "rider"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	id, err := s.tokens.Verify(sess.Token)
	if err != nil || id.UserID != reg.User.ID {
		t.Fatalf("token identity = %+v, %v", id, err)
	}

	if _, err := s.Login(ctx, LoginRequest{Phone: "555", Password: "wrong-pass", Role: "rider"}); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("wrong password: got %v", err)
	}
	// same phone registered as rider only
	if _, err := s.Login(ctx, LoginRequest{Phone: "555", Password: "hunter22", Role: "driver"}); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("wrong role: got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	cases := []RegisterRequest{
		{Name: "A", Phone: "1", Password: "longenough", Role: "admin"},
		{Name: "", Phone: "1", Password: "longenough", Role: "rider"},
		{Name: "A", Phone: "1", Password: "short", Role: "rider"},
	}
	for _, c := range cases {
		if _, err := s.Register(ctx, c); !errors.Is(err, apperr.ErrBadRequest) {
			t.Errorf("%+v: got %v", c, err)
		}
	}

	ok := RegisterRequest{Name: "A", Phone: "1", Password: "longenough", Role: "driver"}
	if _, err := s.Register(ctx, ok); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.Register(ctx, ok); !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("duplicate: got %v", err)
	}
}
