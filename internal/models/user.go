package models

// User is the identity record resolved from a credential.
type User struct {
	ID       string `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Avatar   string `db:"avatar" json:"avatar"`
	IsActive bool   `db:"is_active" json:"is_active"`
}

// Identity is the display snapshot captured when a connection authenticates.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Identity returns the connection-time snapshot of the user.
func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Name: u.Name, Avatar: u.Avatar}
}
