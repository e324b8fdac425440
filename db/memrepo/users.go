package memrepo

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/core/user"
)

// UserRepo keeps users in memory for local runs without postgres.
type UserRepo struct {
	mu    sync.RWMutex
	users map[string]user.User
}

func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[string]user.User)}
}

func (r *UserRepo) Create(_ context.Context, u *user.User, _ ...core.UpdateOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[u.Username]; ok {
		return errors.Errorf("memrepo: user %s already exists", u.Username)
	}
	r.users[u.Username] = *u
	return nil
}

func (r *UserRepo) Get(_ context.Context, username string, _ ...core.QueryOptions) (user.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[username]
	if !ok {
		return user.User{}, errors.WithStack(core.ErrNotFound)
	}
	return u, nil
}

func (r *UserRepo) Delete(_ context.Context, username string, _ ...core.UpdateOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[username]; !ok {
		return errors.WithStack(core.ErrNotFound)
	}
	delete(r.users, username)
	return nil
}
