package user

import "time"

type CreateUserRequest struct {
	Username          string `json:"username,omitempty"`
	IsAdmin           bool   `json:"isAdmin,omitempty"`
	PlainTextPassword string `json:"-"`
}

// User is an authenticated caller. Its username doubles as the reservation session id for
// signed-in shoppers.
type User struct {
	Username       string
	HashedPassword string
	IsAdmin        bool
	Created        time.Time
}
