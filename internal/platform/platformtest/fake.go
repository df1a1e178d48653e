// Package platformtest provides an in-memory platform fake shared by the
// service tests. It implements Provisioner, Directory, and Responder with
// per-call error injection and records every mutating call.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/takrit/guildkeeper/internal/platform"
)

// Call records one mutating platform call.
type Call struct {
	Op   string
	Args []string
}

// Fake is a configurable in-memory platform.
type Fake struct {
	mu sync.Mutex

	Channels  map[string]platform.Channel
	Members   map[string]platform.Member
	Roles     map[string]platform.Role
	RoleNames map[string]string
	Held      map[string]map[string]bool
	Occupants map[string][]platform.Occupant
	Messages  map[string][]platform.PostedMessage

	Calls []Call

	// Errs maps an operation name ("CreateChannel", "SetOverwrite", ...)
	// to an error returned on its next invocation.
	Errs map[string]error

	counts   map[string]int
	failures map[string]failure

	nextID int
}

type failure struct {
	at  int
	err error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Channels:  make(map[string]platform.Channel),
		Members:   make(map[string]platform.Member),
		Roles:     make(map[string]platform.Role),
		RoleNames: make(map[string]string),
		Held:      make(map[string]map[string]bool),
		Occupants: make(map[string][]platform.Occupant),
		Messages:  make(map[string][]platform.PostedMessage),
		Errs:      make(map[string]error),
		counts:    make(map[string]int),
		failures:  make(map[string]failure),
	}
}

// AddMember registers a resolvable member.
func (f *Fake) AddMember(m platform.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Members[m.ID] = m
}

// FailNext makes the named operation return err on its next call.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[op] = err
}

// FailAt makes the named operation return err on its nth call overall
// (1-based), counting calls already made.
func (f *Fake) FailAt(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = failure{at: n, err: err}
}

// CallsFor returns the recorded calls matching op.
func (f *Fake) CallsFor(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(op string, args ...string) {
	f.Calls = append(f.Calls, Call{Op: op, Args: args})
}

func (f *Fake) takeErr(op string) error {
	f.counts[op]++
	if spec, ok := f.failures[op]; ok && f.counts[op] == spec.at {
		delete(f.failures, op)
		return spec.err
	}
	if err, ok := f.Errs[op]; ok {
		delete(f.Errs, op)
		return err
	}
	return nil
}

// CreateChannel implements platform.Provisioner.
func (f *Fake) CreateChannel(_ context.Context, input platform.CreateChannelInput) (*platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateChannel", input.Name, string(input.Kind))
	if err := f.takeErr("CreateChannel"); err != nil {
		return nil, err
	}
	f.nextID++
	ch := platform.Channel{
		ID:       fmt.Sprintf("chan-%d", f.nextID),
		Name:     input.Name,
		Kind:     input.Kind,
		ParentID: input.ParentID,
		Topic:    input.Topic,
	}
	f.Channels[ch.ID] = ch
	return &ch, nil
}

// DeleteChannel implements platform.Provisioner.
func (f *Fake) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteChannel", channelID)
	if err := f.takeErr("DeleteChannel"); err != nil {
		return err
	}
	delete(f.Channels, channelID)
	return nil
}

// ChannelExists implements platform.Provisioner.
func (f *Fake) ChannelExists(_ context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ChannelExists"); err != nil {
		return false, err
	}
	_, ok := f.Channels[channelID]
	return ok, nil
}

// ListChannels implements platform.Provisioner.
func (f *Fake) ListChannels(context.Context) ([]platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ListChannels"); err != nil {
		return nil, err
	}
	out := make([]platform.Channel, 0, len(f.Channels))
	for _, ch := range f.Channels {
		out = append(out, ch)
	}
	return out, nil
}

// SetOverwrite implements platform.Provisioner.
func (f *Fake) SetOverwrite(_ context.Context, channelID string, ow platform.Overwrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetOverwrite", channelID, ow.PrincipalID)
	return f.takeErr("SetOverwrite")
}

// ClearOverwrite implements platform.Provisioner.
func (f *Fake) ClearOverwrite(_ context.Context, channelID, principalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ClearOverwrite", channelID, principalID)
	return f.takeErr("ClearOverwrite")
}

// SetTopic implements platform.Provisioner.
func (f *Fake) SetTopic(_ context.Context, channelID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetTopic", channelID, topic)
	if err := f.takeErr("SetTopic"); err != nil {
		return err
	}
	if ch, ok := f.Channels[channelID]; ok {
		ch.Topic = topic
		f.Channels[channelID] = ch
	}
	return nil
}

// VoiceOccupants implements platform.Provisioner.
func (f *Fake) VoiceOccupants(_ context.Context, channelID string) ([]platform.Occupant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("VoiceOccupants"); err != nil {
		return nil, err
	}
	return append([]platform.Occupant(nil), f.Occupants[channelID]...), nil
}

// Disconnect implements platform.Provisioner.
func (f *Fake) Disconnect(_ context.Context, memberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Disconnect", memberID)
	if err := f.takeErr("Disconnect"); err != nil {
		return err
	}
	for chID, occupants := range f.Occupants {
		kept := occupants[:0]
		for _, occ := range occupants {
			if occ.MemberID != memberID {
				kept = append(kept, occ)
			}
		}
		f.Occupants[chID] = kept
	}
	return nil
}

// SendMessage implements platform.Provisioner.
func (f *Fake) SendMessage(_ context.Context, channelID string, msg platform.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendMessage", channelID, msg.Content+msg.Title)
	if err := f.takeErr("SendMessage"); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.Messages[channelID] = append(f.Messages[channelID], platform.PostedMessage{ID: id, AuthorID: "self"})
	return id, nil
}

// SendDirectMessage implements platform.Provisioner.
func (f *Fake) SendDirectMessage(_ context.Context, memberID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendDirectMessage", memberID, content)
	return f.takeErr("SendDirectMessage")
}

// RecentMessages implements platform.Provisioner.
func (f *Fake) RecentMessages(_ context.Context, channelID string, limit int) ([]platform.PostedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("RecentMessages"); err != nil {
		return nil, err
	}
	msgs := f.Messages[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]platform.PostedMessage(nil), msgs...), nil
}

// DeleteMessage implements platform.Provisioner.
func (f *Fake) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteMessage", channelID, messageID)
	return f.takeErr("DeleteMessage")
}

// ResolveMember implements platform.Directory.
func (f *Fake) ResolveMember(_ context.Context, memberID string) (*platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ResolveMember"); err != nil {
		return nil, err
	}
	m, ok := f.Members[memberID]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return &m, nil
}

// ResolveRole implements platform.Directory.
func (f *Fake) ResolveRole(_ context.Context, name string) (*platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ResolveRole"); err != nil {
		return nil, err
	}
	id, ok := f.RoleNames[name]
	if !ok {
		return nil, platform.ErrNotFound
	}
	role := f.Roles[id]
	return &role, nil
}

// EnsureRole implements platform.Directory.
func (f *Fake) EnsureRole(_ context.Context, name, color string) (*platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EnsureRole", name, color)
	if err := f.takeErr("EnsureRole"); err != nil {
		return nil, err
	}
	if id, ok := f.RoleNames[name]; ok {
		role := f.Roles[id]
		role.Color = color
		f.Roles[id] = role
		return &role, nil
	}
	f.nextID++
	role := platform.Role{ID: fmt.Sprintf("role-%d", f.nextID), Name: name, Color: color}
	f.Roles[role.ID] = role
	f.RoleNames[name] = role.ID
	return &role, nil
}

// HasRole implements platform.Directory.
func (f *Fake) HasRole(_ context.Context, memberID, roleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("HasRole"); err != nil {
		return false, err
	}
	return f.Held[memberID][roleID], nil
}

// GrantRole implements platform.Directory.
func (f *Fake) GrantRole(_ context.Context, memberID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GrantRole", memberID, roleID)
	if err := f.takeErr("GrantRole"); err != nil {
		return err
	}
	if f.Held[memberID] == nil {
		f.Held[memberID] = make(map[string]bool)
	}
	f.Held[memberID][roleID] = true
	return nil
}

// RevokeRole implements platform.Directory.
func (f *Fake) RevokeRole(_ context.Context, memberID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RevokeRole", memberID, roleID)
	if err := f.takeErr("RevokeRole"); err != nil {
		return err
	}
	delete(f.Held[memberID], roleID)
	return nil
}

// Reply records one interaction response.
type Reply struct {
	ActionID string
	Content  string
	Private  bool
	Deferred bool
	FormID   string
}

// Responder is a recording platform.Responder.
type Responder struct {
	mu      sync.Mutex
	Replies []Reply
	Errs    map[string]error
}

// NewResponder returns an empty recording responder.
func NewResponder() *Responder {
	return &Responder{Errs: make(map[string]error)}
}

// Respond implements platform.Responder.
func (r *Responder) Respond(_ context.Context, ic platform.Interaction, resp platform.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Errs["Respond"]; err != nil {
		return err
	}
	r.Replies = append(r.Replies, Reply{ActionID: ic.ActionID, Content: resp.Content, Private: resp.Private})
	return nil
}

// Defer implements platform.Responder.
func (r *Responder) Defer(_ context.Context, ic platform.Interaction, private bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Replies = append(r.Replies, Reply{ActionID: ic.ActionID, Private: private, Deferred: true})
	return nil
}

// Update implements platform.Responder.
func (r *Responder) Update(_ context.Context, ic platform.Interaction, resp platform.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Replies = append(r.Replies, Reply{ActionID: ic.ActionID, Content: resp.Content, Private: resp.Private})
	return nil
}

// OpenForm implements platform.Responder.
func (r *Responder) OpenForm(_ context.Context, ic platform.Interaction, form platform.Form) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Replies = append(r.Replies, Reply{ActionID: ic.ActionID, FormID: form.ID})
	return nil
}

// Last returns the most recent reply, or a zero Reply.
func (r *Responder) Last() Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Replies) == 0 {
		return Reply{}
	}
	return r.Replies[len(r.Replies)-1]
}

var (
	_ platform.Provisioner = (*Fake)(nil)
	_ platform.Directory   = (*Fake)(nil)
	_ platform.Responder   = (*Responder)(nil)
)
