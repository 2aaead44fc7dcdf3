package service

import "fmt"

// Role of the caller
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor is the authenticated caller of one request
type Actor struct {
	UserID int64
	Role   Role
}

// IsAdmin reports whether the actor may run administrative operations
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

func (a Actor) requireAdmin() error {
	if !a.IsAdmin() {
		return fmt.Errorf("user %d is not an admin: %w", a.UserID, ErrUnauthorized)
	}
	return nil
}

// canSee reports whether the actor may read or act on a resource owned by userID
func (a Actor) canSee(userID int64) bool {
	return a.IsAdmin() || a.UserID == userID
}
