// Package setup performs the one-time startup pass: it makes sure the
// configured roles exist, seeds static channel permissions, and reposts the
// entry messages that carry the squad, ticket, and role buttons. Everything
// here is best-effort; a failing step is logged and the rest of the pass
// continues.
package setup

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/takrit/guildkeeper/internal/platform"
)

// entryScanLimit bounds how far back the reposter looks for its own stale
// entry messages.
const entryScanLimit = 50

// RoleSpec names a role the guild must have, with the color it should carry.
type RoleSpec struct {
	Name  string
	Color string
}

// ChannelGrant is a static permission overwrite applied to one channel.
type ChannelGrant struct {
	ChannelID string
	Overwrite platform.Overwrite
}

// EntrySurface is one channel that carries a pinned-style entry message with
// action buttons. The service deletes its own previous postings before
// sending a fresh one.
type EntrySurface struct {
	ChannelID string
	Message   platform.Message
}

// Plan is the full startup worklist.
type Plan struct {
	Roles    []RoleSpec
	Grants   []ChannelGrant
	Surfaces []EntrySurface
}

// Service runs the startup plan.
type Service struct {
	prov   platform.Provisioner
	dir    platform.Directory
	logger *slog.Logger
	selfID string
}

// New constructs the setup service. selfID is the service's own member id,
// used to recognize its stale entry messages.
func New(prov platform.Provisioner, dir platform.Directory, logger *slog.Logger, selfID string) *Service {
	return &Service{
		prov:   prov,
		dir:    dir,
		logger: logger.With("component", "setup"),
		selfID: selfID,
	}
}

// Run executes the plan and returns the resolved roles keyed by name. Role
// resolution failures are the only thing reported as an error, and only
// when a role ends up missing entirely; the caller needs the ids to wire
// the verify and player-role buttons.
func (s *Service) Run(ctx context.Context, plan Plan) (map[string]platform.Role, error) {
	roles, err := s.ensureRoles(ctx, plan.Roles)
	if err != nil {
		return nil, err
	}
	s.seedGrants(ctx, plan.Grants)
	s.postEntryMessages(ctx, plan.Surfaces)
	return roles, nil
}

func (s *Service) ensureRoles(ctx context.Context, specs []RoleSpec) (map[string]platform.Role, error) {
	roles := make(map[string]platform.Role, len(specs))
	for _, spec := range specs {
		role, err := s.dir.EnsureRole(ctx, spec.Name, spec.Color)
		if err != nil {
			return nil, fmt.Errorf("ensure role %q: %w", spec.Name, err)
		}
		if role.Color != spec.Color {
			s.logger.Warn("role color drift", "role", spec.Name, "have", role.Color, "want", spec.Color)
		}
		roles[spec.Name] = *role
		s.logger.Info("role ready", "role", spec.Name, "id", role.ID)
	}
	return roles, nil
}

func (s *Service) seedGrants(ctx context.Context, grants []ChannelGrant) {
	for _, g := range grants {
		if err := s.prov.SetOverwrite(ctx, g.ChannelID, g.Overwrite); err != nil {
			s.logger.Warn("permission seed failed", "channel", g.ChannelID, "principal", g.Overwrite.PrincipalID, "error", err)
		}
	}
}

// postEntryMessages deletes the service's own previous entry messages in
// each surface channel and posts a fresh one, so restarts never stack
// duplicate button panels.
func (s *Service) postEntryMessages(ctx context.Context, surfaces []EntrySurface) {
	for _, surface := range surfaces {
		s.clearOwnMessages(ctx, surface.ChannelID)
		if _, err := s.prov.SendMessage(ctx, surface.ChannelID, surface.Message); err != nil {
			s.logger.Warn("entry message post failed", "channel", surface.ChannelID, "error", err)
			continue
		}
		s.logger.Info("entry message posted", "channel", surface.ChannelID)
	}
}

func (s *Service) clearOwnMessages(ctx context.Context, channelID string) {
	msgs, err := s.prov.RecentMessages(ctx, channelID, entryScanLimit)
	if err != nil {
		s.logger.Warn("recent message scan failed", "channel", channelID, "error", err)
		return
	}
	for _, m := range msgs {
		if m.AuthorID != s.selfID {
			continue
		}
		if err := s.prov.DeleteMessage(ctx, channelID, m.ID); err != nil {
			s.logger.Warn("stale entry message delete failed", "channel", channelID, "message", m.ID, "error", err)
		}
	}
}
