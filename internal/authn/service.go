// Package authn provides email/password authentication.
package authn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError carries per-field messages for malformed input.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// UserStore defines the storage interface for auth.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	ListUsers(ctx context.Context) ([]store.UserPublic, error)
}

type Service struct {
	store UserStore
}

func NewService(userStore UserStore) *Service {
	return &Service{store: userStore}
}

type RegisterRequest struct {
	Email    string
	Password string
	Name     string
}

// Register creates a new user account and returns it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)

	var fields []string
	if !emailPattern.MatchString(email) {
		fields = append(fields, "email: invalid email format")
	}
	if len(req.Password) < 6 {
		fields = append(fields, "password: must be at least 6 characters")
	}
	if len(name) < 2 {
		fields = append(fields, "name: must be at least 2 characters")
	}
	if len(fields) > 0 {
		return store.User{}, &ValidationError{Fields: fields}
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user, err := s.store.CreateUser(ctx, store.User{
		ID:           util.NewID("user"),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and returns the user. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (store.User, error) {
	return s.store.GetUserByID(ctx, id)
}

// ListUsers returns every registered identity; assignee pickers need the
// full directory.
func (s *Service) ListUsers(ctx context.Context) ([]store.UserPublic, error) {
	return s.store.ListUsers(ctx)
}
