package domain

import "time"

// Squad is a paired voice+text channel set owned by a single member.
// VoiceChannelID is the record identity and stays stable for the record's
// life; OwnerID changes on transfer.
type Squad struct {
	VoiceChannelID string
	TextChannelID  string
	OwnerID        string
	Name           string
	CreatedAt      time.Time
}
