// Package commands maps inbound interactions (button presses and form
// submissions) onto the lifecycle services and shapes their replies.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/takrit/guildkeeper/internal/limiter"
	"github.com/takrit/guildkeeper/internal/platform"
	"github.com/takrit/guildkeeper/internal/registry"
	"github.com/takrit/guildkeeper/internal/service/squad"
	"github.com/takrit/guildkeeper/internal/service/ticket"
)

// Entry-surface button action ids posted by the setup service.
const (
	ActionCreateSquad  = "create_squad"
	ActionCreateTicket = "create_ticket"
	ActionVerify       = "verify"
	ActionPlayerRole   = "player_role"
)

// Form ids for the single-field member selection follow-ups.
const (
	FormInvite   = "invite_friend_form"
	FormRemove   = "remove_friend_form"
	FormTransfer = "transfer_owner_form"
	fieldUserID  = "user_id"
)

const genericFailure = "Something went wrong. Please try again."

// Cooldowns configures the per-member creation throttles.
type Cooldowns struct {
	CreateLimit  int
	CreateWindow time.Duration
}

// RoleGrants holds the resolved roles used by the verify and player-role
// entry buttons.
type RoleGrants struct {
	Verified   platform.Role
	Unverified platform.Role
	Player     platform.Role
}

// Router dispatches interactions. All handling runs on the dispatcher
// goroutine.
type Router struct {
	registry  *registry.Registry
	squads    *squad.Service
	tickets   *ticket.Service
	prov      platform.Provisioner
	dir       platform.Directory
	responder platform.Responder
	limiter   limiter.Limiter
	logger    *slog.Logger
	cooldowns Cooldowns
	roles     RoleGrants

	onOutcome func(command, outcome string)
}

// New constructs the router.
func New(reg *registry.Registry, squads *squad.Service, tickets *ticket.Service, prov platform.Provisioner, dir platform.Directory, responder platform.Responder, lim limiter.Limiter, logger *slog.Logger, cooldowns Cooldowns, roles RoleGrants) *Router {
	return &Router{
		registry:  reg,
		squads:    squads,
		tickets:   tickets,
		prov:      prov,
		dir:       dir,
		responder: responder,
		limiter:   lim,
		logger:    logger.With("component", "commands"),
		cooldowns: cooldowns,
		roles:     roles,
	}
}

// SetOutcomeObserver registers a per-command outcome callback for metrics.
func (r *Router) SetOutcomeObserver(fn func(command, outcome string)) {
	r.onOutcome = fn
}

// HandleInteraction routes one interaction to its handler. Unknown action
// ids are logged and acknowledged with a generic denial so the user is
// never left hanging.
func (r *Router) HandleInteraction(ctx context.Context, ic platform.Interaction) {
	var outcome string
	switch ic.ActionID {
	case ActionCreateSquad:
		outcome = r.createSquad(ctx, ic)
	case squad.ActionInvite:
		outcome = r.openMemberForm(ctx, ic, FormInvite, "Invite Friend to Squad")
	case squad.ActionRemove:
		outcome = r.openMemberForm(ctx, ic, FormRemove, "Remove Friend from Squad")
	case squad.ActionTransfer:
		outcome = r.openMemberForm(ctx, ic, FormTransfer, "Transfer Squad Ownership")
	case FormInvite:
		outcome = r.invite(ctx, ic)
	case FormRemove:
		outcome = r.remove(ctx, ic)
	case FormTransfer:
		outcome = r.transfer(ctx, ic)
	case squad.ActionDelete:
		outcome = r.deleteSquad(ctx, ic)
	case ActionCreateTicket:
		outcome = r.createTicket(ctx, ic)
	case ticket.ActionClose:
		outcome = r.closeTicket(ctx, ic)
	case ActionVerify:
		outcome = r.verify(ctx, ic)
	case ActionPlayerRole:
		outcome = r.grantPlayerRole(ctx, ic)
	default:
		r.logger.Warn("unknown interaction action", "action", ic.ActionID, "member", ic.MemberID)
		r.deny(ctx, ic, "This action is not recognized.")
		outcome = "unknown"
	}
	if r.onOutcome != nil {
		r.onOutcome(ic.ActionID, outcome)
	}
}

func (r *Router) createSquad(ctx context.Context, ic platform.Interaction) string {
	if !r.allow(ic.MemberID, ActionCreateSquad) {
		r.deny(ctx, ic, "You are doing that too often. Try again in a little while.")
		return "throttled"
	}
	if err := r.responder.Defer(ctx, ic, true); err != nil {
		r.logger.Warn("defer failed", "action", ic.ActionID, "error", err)
	}
	created, err := r.squads.Create(ctx, ic.MemberID)
	switch {
	case errors.Is(err, squad.ErrAlreadyOwnsSquad):
		r.update(ctx, ic, "You already have a squad!")
		return "denied"
	case err != nil:
		r.logger.Error("squad creation failed", "member", ic.MemberID, "error", err)
		r.update(ctx, ic, genericFailure)
		return "error"
	}
	r.update(ctx, ic, fmt.Sprintf("Squad created!\nVoice: <#%s>\nText: <#%s>", created.VoiceChannelID, created.TextChannelID))
	return "ok"
}

// openMemberForm pre-validates the squad channel and ownership before
// showing the single-field member form, so non-owners get an immediate
// denial instead of a dead-end dialog.
func (r *Router) openMemberForm(ctx context.Context, ic platform.Interaction, formID, title string) string {
	sq := r.registry.FindByTextChannel(ic.ChannelID)
	if sq == nil {
		r.deny(ctx, ic, "This action only works inside a squad channel.")
		return "denied"
	}
	if sq.OwnerID != ic.MemberID {
		r.deny(ctx, ic, "Only the squad owner can do this.")
		return "denied"
	}
	form := platform.Form{
		ID:    formID,
		Title: title,
		Fields: []platform.FormField{{
			ID:          fieldUserID,
			Label:       "User ID or mention",
			Placeholder: "123456789012345678 or @username",
			Required:    true,
		}},
	}
	if err := r.responder.OpenForm(ctx, ic, form); err != nil {
		r.logger.Warn("form open failed", "form", formID, "error", err)
		return "error"
	}
	return "ok"
}

func (r *Router) invite(ctx context.Context, ic platform.Interaction) string {
	if err := r.responder.Defer(ctx, ic, true); err != nil {
		r.logger.Warn("defer failed", "action", ic.ActionID, "error", err)
	}
	target, err := r.squads.Invite(ctx, ic.ChannelID, ic.MemberID, ParseMemberID(ic.Values[fieldUserID]))
	if outcome := r.squadMutationOutcome(ctx, ic, err, "invited"); outcome != "" {
		return outcome
	}
	r.update(ctx, ic, fmt.Sprintf("Invited <@%s> to the squad!", target.ID))
	r.broadcast(ctx, ic.ChannelID, fmt.Sprintf("<@%s> was invited to the squad by <@%s>", target.ID, ic.MemberID))
	return "ok"
}

func (r *Router) remove(ctx context.Context, ic platform.Interaction) string {
	if err := r.responder.Defer(ctx, ic, true); err != nil {
		r.logger.Warn("defer failed", "action", ic.ActionID, "error", err)
	}
	target, err := r.squads.Remove(ctx, ic.ChannelID, ic.MemberID, ParseMemberID(ic.Values[fieldUserID]))
	if outcome := r.squadMutationOutcome(ctx, ic, err, "removed"); outcome != "" {
		return outcome
	}
	r.update(ctx, ic, fmt.Sprintf("Removed <@%s> from the squad.", target.ID))
	r.broadcast(ctx, ic.ChannelID, fmt.Sprintf("<@%s> was removed from the squad by <@%s>", target.ID, ic.MemberID))
	return "ok"
}

func (r *Router) transfer(ctx context.Context, ic platform.Interaction) string {
	if err := r.responder.Defer(ctx, ic, true); err != nil {
		r.logger.Warn("defer failed", "action", ic.ActionID, "error", err)
	}
	target, err := r.squads.Transfer(ctx, ic.ChannelID, ic.MemberID, ParseMemberID(ic.Values[fieldUserID]))
	if outcome := r.squadMutationOutcome(ctx, ic, err, "transferred"); outcome != "" {
		return outcome
	}
	r.update(ctx, ic, fmt.Sprintf("Squad ownership transferred to <@%s>!", target.ID))
	r.broadcast(ctx, ic.ChannelID, fmt.Sprintf("<@%s> is the new squad owner!", target.ID))
	return "ok"
}

// squadMutationOutcome maps squad service errors onto replies. It returns
// an empty string when err is nil so the caller can send its success pair.
func (r *Router) squadMutationOutcome(ctx context.Context, ic platform.Interaction, err error, verb string) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, squad.ErrNotASquadChannel):
		r.update(ctx, ic, "This action only works inside a squad channel.")
		return "denied"
	case errors.Is(err, squad.ErrNotOwner):
		r.update(ctx, ic, "Only the squad owner can do this.")
		return "denied"
	case errors.Is(err, squad.ErrInvalidTarget):
		r.update(ctx, ic, "That member could not be used here.")
		return "denied"
	case errors.Is(err, squad.ErrCannotRemoveOwner):
		r.update(ctx, ic, "The squad owner cannot be removed.")
		return "denied"
	case errors.Is(err, squad.ErrAlreadyOwner):
		r.update(ctx, ic, "That member already owns this squad.")
		return "denied"
	default:
		r.logger.Error("squad mutation failed", "action", ic.ActionID, "member", ic.MemberID, "error", err)
		r.update(ctx, ic, genericFailure)
		return "error"
	}
}

func (r *Router) deleteSquad(ctx context.Context, ic platform.Interaction) string {
	err := r.squads.Delete(ctx, ic.ChannelID, ic.MemberID)
	switch {
	case errors.Is(err, squad.ErrNotASquadChannel):
		r.deny(ctx, ic, "This action only works inside a squad channel.")
		return "denied"
	case errors.Is(err, squad.ErrNotOwner):
		r.deny(ctx, ic, "Only the squad owner can delete the squad.")
		return "denied"
	case err != nil:
		r.logger.Error("squad deletion failed", "member", ic.MemberID, "error", err)
		r.deny(ctx, ic, genericFailure)
		return "error"
	}
	r.respond(ctx, ic, platform.Response{Content: "Deleting squad...", Private: true})
	return "ok"
}

func (r *Router) createTicket(ctx context.Context, ic platform.Interaction) string {
	if !r.allow(ic.MemberID, ActionCreateTicket) {
		r.deny(ctx, ic, "You are doing that too often. Try again in a little while.")
		return "throttled"
	}
	if err := r.responder.Defer(ctx, ic, true); err != nil {
		r.logger.Warn("defer failed", "action", ic.ActionID, "error", err)
	}
	displayName := ic.MemberID
	if member, err := r.dir.ResolveMember(ctx, ic.MemberID); err == nil {
		displayName = member.DisplayName
		if displayName == "" {
			displayName = member.Username
		}
	}
	created, err := r.tickets.Create(ctx, ic.MemberID, displayName)
	var open *ticket.AlreadyOpenError
	switch {
	case errors.As(err, &open):
		r.update(ctx, ic, fmt.Sprintf("You already have an open ticket: <#%s>", open.ChannelID))
		return "denied"
	case err != nil:
		r.logger.Error("ticket creation failed", "member", ic.MemberID, "error", err)
		r.update(ctx, ic, genericFailure)
		return "error"
	}
	r.update(ctx, ic, fmt.Sprintf("Ticket created! <#%s>", created.ChannelID))
	return "ok"
}

func (r *Router) closeTicket(ctx context.Context, ic platform.Interaction) string {
	err := r.tickets.Close(ctx, ic.MemberID, ic.ChannelID)
	switch {
	case errors.Is(err, ticket.ErrNotATicketChannel):
		r.deny(ctx, ic, "No ticket is associated with this channel.")
		return "denied"
	case errors.Is(err, ticket.ErrNotAuthorized):
		r.deny(ctx, ic, "Only the ticket owner or an admin can close this ticket.")
		return "denied"
	case err != nil:
		r.logger.Error("ticket close failed", "member", ic.MemberID, "error", err)
		r.deny(ctx, ic, genericFailure)
		return "error"
	}
	r.respond(ctx, ic, platform.Response{Content: "Ticket closed.", Private: true})
	return "ok"
}

func (r *Router) verify(ctx context.Context, ic platform.Interaction) string {
	held, err := r.dir.HasRole(ctx, ic.MemberID, r.roles.Verified.ID)
	if err != nil {
		r.logger.Error("verification role lookup failed", "member", ic.MemberID, "error", err)
		r.deny(ctx, ic, genericFailure)
		return "error"
	}
	if held {
		r.respond(ctx, ic, platform.Response{Content: "You are already verified!", Private: true})
		return "denied"
	}
	if err := r.dir.GrantRole(ctx, ic.MemberID, r.roles.Verified.ID); err != nil {
		r.logger.Error("verification grant failed", "member", ic.MemberID, "error", err)
		r.deny(ctx, ic, genericFailure)
		return "error"
	}
	if err := r.dir.RevokeRole(ctx, ic.MemberID, r.roles.Unverified.ID); err != nil {
		r.logger.Warn("unverified revoke failed", "member", ic.MemberID, "error", err)
	}
	r.respond(ctx, ic, platform.Response{Content: "Verified! Welcome to the server.", Private: true})
	return "ok"
}

func (r *Router) grantPlayerRole(ctx context.Context, ic platform.Interaction) string {
	verified, err := r.dir.HasRole(ctx, ic.MemberID, r.roles.Verified.ID)
	if err != nil {
		r.logger.Error("player role lookup failed", "member", ic.MemberID, "error", err)
		r.deny(ctx, ic, genericFailure)
		return "error"
	}
	if !verified {
		r.deny(ctx, ic, "You need to verify first! Head to the rules channel.")
		return "denied"
	}
	held, err := r.dir.HasRole(ctx, ic.MemberID, r.roles.Player.ID)
	if err != nil {
		r.logger.Error("player role lookup failed", "member", ic.MemberID, "error", err)
		r.deny(ctx, ic, genericFailure)
		return "error"
	}
	if held {
		r.respond(ctx, ic, platform.Response{Content: fmt.Sprintf("You already have the %s role!", r.roles.Player.Name), Private: true})
		return "denied"
	}
	if err := r.dir.GrantRole(ctx, ic.MemberID, r.roles.Player.ID); err != nil {
		r.logger.Error("player role grant failed", "member", ic.MemberID, "error", err)
		r.deny(ctx, ic, genericFailure)
		return "error"
	}
	r.respond(ctx, ic, platform.Response{Content: fmt.Sprintf("You now have the %s role!", r.roles.Player.Name), Private: true})
	return "ok"
}

func (r *Router) allow(memberID, command string) bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow(memberID+":"+command, r.cooldowns.CreateLimit, r.cooldowns.CreateWindow).Allowed
}

func (r *Router) deny(ctx context.Context, ic platform.Interaction, content string) {
	r.respond(ctx, ic, platform.Response{Content: content, Private: true})
}

func (r *Router) respond(ctx context.Context, ic platform.Interaction, resp platform.Response) {
	if err := r.responder.Respond(ctx, ic, resp); err != nil {
		r.logger.Warn("interaction response failed", "action", ic.ActionID, "error", err)
	}
}

func (r *Router) update(ctx context.Context, ic platform.Interaction, content string) {
	if err := r.responder.Update(ctx, ic, platform.Response{Content: content, Private: true}); err != nil {
		r.logger.Warn("interaction update failed", "action", ic.ActionID, "error", err)
	}
}

// broadcast posts a public notice into the resource's own text channel.
// Best-effort: failure is logged and swallowed.
func (r *Router) broadcast(ctx context.Context, channelID, content string) {
	if _, err := r.prov.SendMessage(ctx, channelID, platform.Message{Content: content}); err != nil {
		r.logger.Warn("broadcast failed", "channel", channelID, "error", err)
	}
}

// ParseMemberID strips mention decoration from a user-supplied identifier:
// "<@123>", "<@!123>", and bare "123" all resolve to "123".
func ParseMemberID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<@")
	id = strings.TrimPrefix(id, "!")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}
