package domain

import "time"

// Ticket maps a member to their single open support channel.
type Ticket struct {
	UserID    string
	ChannelID string
	CreatedAt time.Time
}
