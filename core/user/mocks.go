package user

import (
	"context"

	"github.com/sksmith/checkout-reservations/test"
)

type MockUserService struct {
	CreateFunc func(ctx context.Context, user CreateUserRequest) (User, error)
	GetFunc    func(ctx context.Context, username string) (User, error)
	DeleteFunc func(ctx context.Context, username string) error
	LoginFunc  func(ctx context.Context, username, password string) (User, error)
	*test.CallWatcher
}

func NewMockUserService() *MockUserService {
	return &MockUserService{
		CreateFunc: func(ctx context.Context, user CreateUserRequest) (User, error) {
			return User{Username: user.Username, IsAdmin: user.IsAdmin}, nil
		},
		GetFunc:    func(ctx context.Context, username string) (User, error) { return User{Username: username}, nil },
		DeleteFunc: func(ctx context.Context, username string) error { return nil },
		LoginFunc: func(ctx context.Context, username, password string) (User, error) {
			return User{Username: username}, nil
		},
		CallWatcher: test.NewCallWatcher(),
	}
}

func (u *MockUserService) Create(ctx context.Context, user CreateUserRequest) (User, error) {
	u.AddCall(ctx, user)
	return u.CreateFunc(ctx, user)
}

func (u *MockUserService) Get(ctx context.Context, username string) (User, error) {
	u.AddCall(ctx, username)
	return u.GetFunc(ctx, username)
}

func (u *MockUserService) Delete(ctx context.Context, username string) error {
	u.AddCall(ctx, username)
	return u.DeleteFunc(ctx, username)
}

func (u *MockUserService) Login(ctx context.Context, username, password string) (User, error) {
	u.AddCall(ctx, username)
	return u.LoginFunc(ctx, username, password)
}
