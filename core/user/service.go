package user

import (
	"context"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/checkout-reservations/core"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidUsername = errors.New("username must be 3-64 letters, digits, dots, dashes or underscores")
	ErrInvalidPassword = errors.New("password must be at least 8 characters")
	ErrUserExists      = errors.New("user already exists")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,64}$`)

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

type Service interface {
	Create(ctx context.Context, user CreateUserRequest) (User, error)
	Get(ctx context.Context, username string) (User, error)
	Delete(ctx context.Context, username string) error
	Login(ctx context.Context, username, password string) (User, error)
}

type service struct {
	repo Repository
}

func (s *service) Get(ctx context.Context, username string) (User, error) {
	return s.repo.Get(ctx, username)
}

func (s *service) Create(ctx context.Context, req CreateUserRequest) (User, error) {
	const funcName = "Create"

	if !usernameIsValid(req.Username) {
		return User{}, ErrInvalidUsername
	}
	if !passwordIsValid(req.PlainTextPassword) {
		return User{}, ErrInvalidPassword
	}

	_, err := s.repo.Get(ctx, req.Username)
	if err == nil {
		return User{}, ErrUserExists
	}
	if !errors.Is(err, core.ErrNotFound) {
		return User{}, errors.WithMessage(err, "failed to check for existing user")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PlainTextPassword), bcrypt.DefaultCost)
	if err != nil {
		return User{}, errors.WithStack(err)
	}
	user := &User{
		Username:       req.Username,
		HashedPassword: string(hash),
		IsAdmin:        req.IsAdmin,
		Created:        time.Now(),
	}
	if err = s.repo.Create(ctx, user); err != nil {
		return User{}, err
	}

	log.Info().Str("func", funcName).Str("username", user.Username).Bool("admin", user.IsAdmin).Msg("created user")
	return *user, nil
}

func usernameIsValid(username string) bool {
	return usernamePattern.MatchString(username)
}

func passwordIsValid(password string) bool {
	return len(password) >= 8
}

func (s *service) Delete(ctx context.Context, username string) error {
	return s.repo.Delete(ctx, username)
}

func (s *service) Login(ctx context.Context, username, password string) (User, error) {
	u, err := s.repo.Get(ctx, username)
	if err != nil {
		return User{}, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password))
	if err != nil {
		return User{}, errors.WithStack(err)
	}

	return u, nil
}

type Repository interface {
	Create(ctx context.Context, user *User, tx ...core.UpdateOptions) error
	Get(ctx context.Context, username string, tx ...core.QueryOptions) (User, error)
	Delete(ctx context.Context, username string, tx ...core.UpdateOptions) error
}
