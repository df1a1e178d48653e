// Package platform defines the interfaces guildkeeper uses to talk to the
// hosting community platform. The lifecycle services depend only on these
// interfaces; the guild subpackage implements them against the platform's
// REST and gateway APIs.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the referenced platform entity no longer exists.
var ErrNotFound = errors.New("platform: not found")

// ChannelKind discriminates channel flavors.
type ChannelKind string

const (
	ChannelVoice    ChannelKind = "voice"
	ChannelText     ChannelKind = "text"
	ChannelCategory ChannelKind = "category"
)

// Permission names a single channel capability in an access overwrite.
type Permission string

const (
	PermView    Permission = "view"
	PermConnect Permission = "connect"
	PermSpeak   Permission = "speak"
	PermSend    Permission = "send"
	PermHistory Permission = "history"
	PermReact   Permission = "react"
)

// PrincipalKind tells whether an overwrite targets a member or a role.
type PrincipalKind string

const (
	PrincipalMember   PrincipalKind = "member"
	PrincipalRole     PrincipalKind = "role"
	PrincipalEveryone PrincipalKind = "everyone"
)

// Overwrite grants or denies permissions for one principal on one channel.
type Overwrite struct {
	PrincipalID   string
	PrincipalKind PrincipalKind
	Allow         []Permission
	Deny          []Permission
}

// CreateChannelInput describes a channel to provision.
type CreateChannelInput struct {
	Name       string
	Kind       ChannelKind
	ParentID   string
	Topic      string
	UserLimit  int
	Overwrites []Overwrite
}

// Channel is the platform's view of a provisioned channel.
type Channel struct {
	ID       string
	Name     string
	Kind     ChannelKind
	ParentID string
	Topic    string
}

// Member identifies a guild member. Automated marks bot accounts, which
// never count toward squad occupancy.
type Member struct {
	ID          string
	Username    string
	DisplayName string
	Automated   bool
}

// Occupant is one current participant of a voice channel.
type Occupant struct {
	MemberID  string
	Automated bool
	JoinedAt  time.Time
}

// Role is a named permission group in the guild directory.
type Role struct {
	ID    string
	Name  string
	Color string
}

// Button is an action affordance attached to a posted message.
type Button struct {
	ID    string
	Label string
	Style string
}

// Message is the plain payload posted into a channel. Title/Body render as
// an embed when both are set; Content is the raw text line.
type Message struct {
	Content string
	Title   string
	Body    string
	Buttons []Button
}

// PostedMessage is a previously sent message, enough to recognize and
// delete the service's own stale postings.
type PostedMessage struct {
	ID       string
	AuthorID string
}

// Provisioner manages channels and channel-scoped member state. Calls may
// fail; callers decide whether a failure is fatal to the operation or
// best-effort.
type Provisioner interface {
	CreateChannel(ctx context.Context, input CreateChannelInput) (*Channel, error)
	DeleteChannel(ctx context.Context, channelID string) error
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	SetOverwrite(ctx context.Context, channelID string, overwrite Overwrite) error
	ClearOverwrite(ctx context.Context, channelID, principalID string) error
	SetTopic(ctx context.Context, channelID, topic string) error
	VoiceOccupants(ctx context.Context, channelID string) ([]Occupant, error)
	Disconnect(ctx context.Context, memberID string) error
	SendMessage(ctx context.Context, channelID string, msg Message) (string, error)
	SendDirectMessage(ctx context.Context, memberID, content string) error
	RecentMessages(ctx context.Context, channelID string, limit int) ([]PostedMessage, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// Directory resolves members and roles and manages role membership.
type Directory interface {
	ResolveMember(ctx context.Context, memberID string) (*Member, error)
	ResolveRole(ctx context.Context, name string) (*Role, error)
	EnsureRole(ctx context.Context, name, color string) (*Role, error)
	HasRole(ctx context.Context, memberID, roleID string) (bool, error)
	GrantRole(ctx context.Context, memberID, roleID string) error
	RevokeRole(ctx context.Context, memberID, roleID string) error
}

// Interaction is one user-initiated event delivered by the transport: a
// button press or a submitted form.
type Interaction struct {
	ID        string
	Token     string
	ActionID  string
	MemberID  string
	ChannelID string
	Values    map[string]string
}

// Response is the payload returned to the interacting user. Private
// responses are visible only to the requester.
type Response struct {
	Content string
	Private bool
}

// FormField is a single text input on a follow-up form.
type FormField struct {
	ID          string
	Label       string
	Placeholder string
	Required    bool
}

// Form is a follow-up input dialog opened in response to a button press.
type Form struct {
	ID     string
	Title  string
	Fields []FormField
}

// Responder delivers replies for an interaction. Update edits the reply of
// a previously deferred interaction.
type Responder interface {
	Respond(ctx context.Context, ic Interaction, resp Response) error
	Defer(ctx context.Context, ic Interaction, private bool) error
	Update(ctx context.Context, ic Interaction, resp Response) error
	OpenForm(ctx context.Context, ic Interaction, form Form) error
}

// VoiceState reports a member's current voice connection. An empty
// ChannelID means the member is not connected anywhere.
type VoiceState struct {
	MemberID  string
	ChannelID string
	Automated bool
}
