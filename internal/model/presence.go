package model

import "time"

// PresenceRecord is the store-resident view of a user's live connections.
// It exists only while the user holds at least one connection handle; an
// absent record means offline with no last-seen.
type PresenceRecord struct {
	UserID    string     `json:"user_id"`
	Handles   []string   `json:"handles"`
	Username  string     `json:"username,omitempty"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	IsOnline  bool       `json:"is_online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"` // задаётся только на переходе online→offline
}

// PresenceSummary is the compact form used for initial-sync payloads.
type PresenceSummary struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
