// Package ticket implements the support ticket lifecycle: one open ticket
// per member, created on demand and closed by the owner or an admin.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/takrit/guildkeeper/internal/audit"
	"github.com/takrit/guildkeeper/internal/domain"
	"github.com/takrit/guildkeeper/internal/platform"
	"github.com/takrit/guildkeeper/internal/registry"
	"github.com/takrit/guildkeeper/internal/service/auth"
)

// Validation errors returned to the command layer.
var (
	ErrTicketAlreadyOpen = errors.New("requester already has an open ticket")
	ErrNotATicketChannel = errors.New("channel is not a ticket channel")
	ErrNotAuthorized     = errors.New("requester may not close this ticket")
)

// ActionClose is the close button id on the ticket welcome message.
const ActionClose = "close_ticket"

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// AlreadyOpenError carries the existing channel so the denial message can
// point the requester at it.
type AlreadyOpenError struct {
	ChannelID string
}

func (e *AlreadyOpenError) Error() string { return ErrTicketAlreadyOpen.Error() }

// Unwrap lets errors.Is match ErrTicketAlreadyOpen.
func (e *AlreadyOpenError) Unwrap() error { return ErrTicketAlreadyOpen }

// Scheduler matches presence.Scheduler; close uses it to delay channel
// deletion so the closing notice renders.
type Scheduler func(delay time.Duration, name string, fn func(context.Context))

// Service is the ticket lifecycle controller.
type Service struct {
	registry *registry.Registry
	prov     platform.Provisioner
	dir      platform.Directory
	audit    audit.Sink
	logger   *slog.Logger
	schedule Scheduler

	adminRole  platform.Role
	closeDelay time.Duration
	now        func() time.Time
}

// New constructs the ticket service. adminRole must already be resolved to
// a stable id.
func New(reg *registry.Registry, prov platform.Provisioner, dir platform.Directory, sink audit.Sink, logger *slog.Logger, schedule Scheduler, adminRole platform.Role, closeDelay time.Duration) *Service {
	if closeDelay <= 0 {
		closeDelay = 5 * time.Second
	}
	return &Service{
		registry:   reg,
		prov:       prov,
		dir:        dir,
		audit:      sink,
		logger:     logger.With("component", "ticket"),
		schedule:   schedule,
		adminRole:  adminRole,
		closeDelay: closeDelay,
		now:        time.Now,
	}
}

// Create opens a support channel for the requester. An existing live
// ticket refuses creation; a stale entry whose channel no longer exists is
// purged and creation proceeds.
func (s *Service) Create(ctx context.Context, requesterID, displayName string) (*domain.Ticket, error) {
	if existing, ok := s.registry.Ticket(requesterID); ok {
		alive, err := s.prov.ChannelExists(ctx, existing.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("check existing ticket: %w", err)
		}
		if alive {
			return nil, &AlreadyOpenError{ChannelID: existing.ChannelID}
		}
		s.registry.ClearTicket(requesterID)
		s.logger.Info("purged stale ticket entry", "user", requesterID, "channel", existing.ChannelID)
	}

	channel, err := s.prov.CreateChannel(ctx, platform.CreateChannelInput{
		Name:  "ticket-" + SanitizeName(displayName),
		Kind:  platform.ChannelText,
		Topic: ticketTopic(requesterID),
		Overwrites: []platform.Overwrite{
			{PrincipalKind: platform.PrincipalEveryone, Deny: []platform.Permission{platform.PermView}},
			{PrincipalID: requesterID, PrincipalKind: platform.PrincipalMember, Allow: []platform.Permission{platform.PermView, platform.PermSend, platform.PermHistory}},
			{PrincipalID: s.adminRole.ID, PrincipalKind: platform.PrincipalRole, Allow: []platform.Permission{platform.PermView, platform.PermSend, platform.PermHistory}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create ticket channel: %w", err)
	}

	ticket := domain.Ticket{
		UserID:    requesterID,
		ChannelID: channel.ID,
		CreatedAt: s.now().UTC(),
	}
	s.registry.SetTicket(ticket)

	welcome := platform.Message{
		Content: fmt.Sprintf("<@%s> <@&%s>", requesterID, s.adminRole.ID),
		Title:   "Ticket Support",
		Body:    fmt.Sprintf("Hello <@%s>!\n\nDescribe your issue and the team will be with you shortly.", requesterID),
		Buttons: []platform.Button{{ID: ActionClose, Label: "Close Ticket", Style: "danger"}},
	}
	if _, err := s.prov.SendMessage(ctx, channel.ID, welcome); err != nil {
		s.logger.Warn("failed to post ticket welcome", "channel", channel.ID, "error", err)
	}

	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindTicketOpened,
		ActorID: requesterID,
		Subject: channel.ID,
		At:      s.now().UTC(),
	})
	s.logger.Info("ticket opened", "user", requesterID, "channel", channel.ID)
	return &ticket, nil
}

// Close shuts a ticket. The owner is resolved from the stored association
// rather than the requester's identity, so a requester cannot close
// someone else's ticket by spoofing ownership; the requester must be that
// owner or hold the admin role. The registry entry is cleared immediately
// so a new ticket can be opened right away, and the channel deletion is
// deferred so the closing notice renders.
func (s *Service) Close(ctx context.Context, requesterID, channelID string) error {
	ownerID := s.ownerOf(channelID)
	if ownerID == "" {
		return ErrNotATicketChannel
	}

	decision, err := auth.RequireOwnerOrRole(ctx, s.dir, requesterID, ownerID, s.adminRole.ID, s.adminRole.Name)
	if err != nil {
		return fmt.Errorf("authorize close: %w", err)
	}
	if !decision.Allowed {
		return ErrNotAuthorized
	}

	s.registry.ClearTicket(ownerID)

	notice := platform.Message{Content: fmt.Sprintf("Closing ticket... this channel will be deleted in %d seconds.", int(s.closeDelay/time.Second))}
	if _, err := s.prov.SendMessage(ctx, channelID, notice); err != nil {
		s.logger.Warn("failed to post closing notice", "channel", channelID, "error", err)
	}

	s.schedule(s.closeDelay, "ticket-delete", func(ctx context.Context) {
		if err := s.prov.DeleteChannel(ctx, channelID); err != nil {
			s.logger.Warn("ticket channel deletion failed", "channel", channelID, "error", err)
		}
	})

	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindTicketClosed,
		ActorID: requesterID,
		Subject: channelID,
		Detail:  ownerID,
		At:      s.now().UTC(),
	})
	s.logger.Info("ticket closed", "channel", channelID, "owner", ownerID, "closed_by", requesterID)
	return nil
}

// ownerOf resolves the ticket owner for a channel from the registry.
func (s *Service) ownerOf(channelID string) string {
	for _, ticket := range s.registry.Tickets() {
		if ticket.ChannelID == channelID {
			return ticket.UserID
		}
	}
	return ""
}

// SanitizeName lowercases a display name and collapses every run of
// non-alphanumeric characters to a single separator.
func SanitizeName(displayName string) string {
	name := nonAlnum.ReplaceAllString(strings.ToLower(displayName), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return "member"
	}
	return name
}

func ticketTopic(ownerID string) string {
	return fmt.Sprintf("Ticket for <@%s>", ownerID)
}
