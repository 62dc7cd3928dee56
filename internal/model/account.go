package model

import "time"

// Role is the platform role of an authenticated principal.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Principal is the authenticated caller supplied by the auth layer.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Privileged reports whether the principal may see every user's messages.
func (p Principal) Privileged() bool {
	return p.Role == RoleAdmin || p.Role == RoleModerator
}

// IsAdmin reports whether the principal is an administrator.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// SocialAccount is a user's linked account on an external platform.
// It is owned by the account-linking flow; the gateway only reads it.
type SocialAccount struct {
	UserID         string     `json:"userId"`
	Platform       Channel    `json:"platform"`
	PlatformUserID string     `json:"platformUserId,omitempty"`
	AccessToken    string     `json:"-"`
	PageID         string     `json:"pageId,omitempty"`
	Scopes         []string   `json:"scopes,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Active         bool       `json:"active"`
}

// Usable reports whether the account can be used to send at time now.
func (a *SocialAccount) Usable(now time.Time) bool {
	if a == nil || !a.Active || a.AccessToken == "" || a.PageID == "" {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}
