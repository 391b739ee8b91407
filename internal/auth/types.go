package auth

import "time"

// User is an account able to sign in and hold company memberships.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity returns the claim pair embedded into issued tokens.
func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Email: u.Email}
}
