package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/storage"
)

const minPasswordLen = 6

type RegisterRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Session is returned by register and login.
type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
}

type Service struct {
	users  storage.UserStore
	tokens *Issuer
	cost   int
	now    func() time.Time
}

func NewService(users storage.UserStore, tokens *Issuer) *Service {
	return &Service{users: users, tokens: tokens, cost: bcrypt.DefaultCost, now: time.Now}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	role, ok := models.ParseRole(req.Role)
	if !ok {
		return nil, apperr.BadRequest("role must be rider or driver")
	}
	name, phone := strings.TrimSpace(req.Name), strings.TrimSpace(req.Phone)
	if name == "" || phone == "" {
		return nil, apperr.BadRequest("name and phone are required")
	}
	if len(req.Password) < minPasswordLen {
		return nil, apperr.BadRequest("password must be at least %d characters", minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, apperr.BadRequest("password cannot be hashed")
	}
	u := &models.User{
		ID:           uuid.NewString(),
		Name:         name,
		Phone:        phone,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.BadRequest("phone already registered as %s", role)
		}
		return nil, apperr.FromStore(err)
	}
	return s.session(u)
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	role, ok := models.ParseRole(req.Role)
	if !ok {
		return nil, apperr.BadRequest("role must be rider or driver")
	}
	u, err := s.users.UserByPhone(ctx, strings.TrimSpace(req.Phone), role)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid phone or password")
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid phone or password")
	}
	return s.session(u)
}

func (s *Service) session(u *models.User) (*Session, error) {
	token, exp, err := s.tokens.Issue(models.Identity{UserID: u.ID, Role: u.Role})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "sign token")
	}
	return &Session{Token: token, ExpiresAt: exp, User: u}, nil
}
