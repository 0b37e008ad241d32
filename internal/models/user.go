package models

import "time"

// Role is the authorization level attached to a local user.
type Role string

const (
	RoleUser    Role = "USER"
	RolePremium Role = "PREMIUM"
	RoleAdmin   Role = "ADMIN"
)

// User is a locally provisioned account. Role is derived from billing state
// for everyone except administrators.
type User struct {
	ID        string    `json:"id"`
	Email     *string   `json:"email,omitempty"`
	Name      *string   `json:"name,omitempty"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user carries the administrator role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// GoogleAuthUser is the identity payload the frontend forwards after a
// successful Google OAuth sign-in.
type GoogleAuthUser struct {
	Sub           string  `json:"sub" validate:"required"`
	Email         *string `json:"email,omitempty" validate:"omitempty,email"`
	EmailVerified bool    `json:"email_verified"`
	Name          *string `json:"name,omitempty"`
	AvatarURL     *string `json:"picture,omitempty" validate:"omitempty,url"`
}
