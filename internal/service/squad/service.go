// Package squad implements the squad lifecycle: create, invite, remove,
// transfer, delete, and the idempotent cleanup shared with the idle reaper.
package squad

import (
	"context"
	"errors"
	"fmt"
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
	ErrAlreadyOwnsSquad  = errors.New("requester already owns a squad")
	ErrNotOwner          = errors.New("requester is not the squad owner")
	ErrInvalidTarget     = errors.New("target member is invalid")
	ErrCannotRemoveOwner = errors.New("the squad owner cannot be removed")
	ErrAlreadyOwner      = errors.New("target already owns this squad")
	ErrNotASquadChannel  = errors.New("channel is not a squad channel")
)

const (
	voiceNamePrefix = "Squad "
	textNamePrefix  = "squad-"
)

// Control panel button action ids, consumed by the command router.
const (
	ActionInvite   = "invite_friend"
	ActionRemove   = "remove_friend"
	ActionTransfer = "transfer_owner"
	ActionDelete   = "delete_squad"
)

// Service is the squad lifecycle controller. All methods run on the
// dispatcher goroutine.
type Service struct {
	registry   *registry.Registry
	prov       platform.Provisioner
	dir        platform.Directory
	audit      audit.Sink
	logger     *slog.Logger
	categoryID string
	capacity   int
	now        func() time.Time
}

// New constructs the squad service.
func New(reg *registry.Registry, prov platform.Provisioner, dir platform.Directory, sink audit.Sink, logger *slog.Logger, categoryID string, capacity int) *Service {
	if capacity <= 0 {
		capacity = 6
	}
	return &Service{
		registry:   reg,
		prov:       prov,
		dir:        dir,
		audit:      sink,
		logger:     logger.With("component", "squad"),
		categoryID: categoryID,
		capacity:   capacity,
		now:        time.Now,
	}
}

// Create provisions a voice+text pair for the requester and registers the
// record. The voice channel is capped at the squad capacity and both
// channels start visible only to the requester.
func (s *Service) Create(ctx context.Context, requesterID string) (*domain.Squad, error) {
	if existing := s.registry.FindByOwner(requesterID); existing != nil {
		return nil, ErrAlreadyOwnsSquad
	}

	name := s.nextName()
	hideEveryone := platform.Overwrite{
		PrincipalKind: platform.PrincipalEveryone,
		Deny:          []platform.Permission{platform.PermView},
	}

	voice, err := s.prov.CreateChannel(ctx, platform.CreateChannelInput{
		Name:      voiceNamePrefix + name,
		Kind:      platform.ChannelVoice,
		ParentID:  s.categoryID,
		UserLimit: s.capacity,
		Overwrites: []platform.Overwrite{
			hideEveryone,
			memberOverwrite(requesterID, platform.PermView, platform.PermConnect, platform.PermSpeak),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create voice channel: %w", err)
	}

	text, err := s.prov.CreateChannel(ctx, platform.CreateChannelInput{
		Name:     textNamePrefix + name,
		Kind:     platform.ChannelText,
		ParentID: s.categoryID,
		Topic:    squadTopic(requesterID, voice.ID),
		Overwrites: []platform.Overwrite{
			hideEveryone,
			memberOverwrite(requesterID, platform.PermView, platform.PermSend, platform.PermHistory),
		},
	})
	if err != nil {
		// Partial creation: roll back the voice channel so no orphan is
		// left behind and no record is registered.
		if delErr := s.prov.DeleteChannel(ctx, voice.ID); delErr != nil {
			s.logger.Warn("rollback of voice channel failed", "voice_channel", voice.ID, "error", delErr)
		}
		return nil, fmt.Errorf("create text channel: %w", err)
	}

	squad := domain.Squad{
		VoiceChannelID: voice.ID,
		TextChannelID:  text.ID,
		OwnerID:        requesterID,
		Name:           name,
		CreatedAt:      s.now().UTC(),
	}
	s.registry.Put(squad)

	if _, err := s.prov.SendMessage(ctx, text.ID, controlPanel(name, requesterID, voice.ID)); err != nil {
		s.logger.Warn("failed to post control panel", "text_channel", text.ID, "error", err)
	}

	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindSquadCreated,
		ActorID: requesterID,
		Subject: voice.ID,
		Detail:  name,
		At:      s.now().UTC(),
	})
	s.logger.Info("squad created", "squad", name, "owner", requesterID, "voice_channel", voice.ID, "text_channel", text.ID)
	return &squad, nil
}

// Invite grants a member access to both squad channels. Re-inviting an
// already invited member is a no-op at the provisioning layer.
func (s *Service) Invite(ctx context.Context, textChannelID, requesterID, targetID string) (*platform.Member, error) {
	squad := s.registry.FindByTextChannel(textChannelID)
	if squad == nil {
		return nil, ErrNotASquadChannel
	}
	if d := auth.RequireOwner(requesterID, squad.OwnerID); !d.Allowed {
		return nil, ErrNotOwner
	}
	target, err := s.dir.ResolveMember(ctx, targetID)
	if err != nil {
		return nil, ErrInvalidTarget
	}
	if target.ID == squad.OwnerID {
		return nil, ErrInvalidTarget
	}

	if err := s.prov.SetOverwrite(ctx, squad.VoiceChannelID, memberOverwrite(target.ID, platform.PermView, platform.PermConnect, platform.PermSpeak)); err != nil {
		return nil, fmt.Errorf("grant voice access: %w", err)
	}
	if err := s.prov.SetOverwrite(ctx, squad.TextChannelID, memberOverwrite(target.ID, platform.PermView, platform.PermSend, platform.PermHistory)); err != nil {
		return nil, fmt.Errorf("grant text access: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindMemberInvited,
		ActorID: requesterID,
		Subject: squad.VoiceChannelID,
		Detail:  target.ID,
		At:      s.now().UTC(),
	})
	s.logger.Info("member invited", "squad", squad.Name, "owner", requesterID, "target", target.ID)
	return target, nil
}

// Remove revokes a member's access to both channels and disconnects them
// from the voice channel if currently connected.
func (s *Service) Remove(ctx context.Context, textChannelID, requesterID, targetID string) (*platform.Member, error) {
	squad := s.registry.FindByTextChannel(textChannelID)
	if squad == nil {
		return nil, ErrNotASquadChannel
	}
	if d := auth.RequireOwner(requesterID, squad.OwnerID); !d.Allowed {
		return nil, ErrNotOwner
	}
	target, err := s.dir.ResolveMember(ctx, targetID)
	if err != nil {
		return nil, ErrInvalidTarget
	}
	if target.ID == squad.OwnerID {
		return nil, ErrCannotRemoveOwner
	}

	if err := s.prov.ClearOverwrite(ctx, squad.VoiceChannelID, target.ID); err != nil {
		return nil, fmt.Errorf("revoke voice access: %w", err)
	}
	if err := s.prov.ClearOverwrite(ctx, squad.TextChannelID, target.ID); err != nil {
		return nil, fmt.Errorf("revoke text access: %w", err)
	}

	occupants, err := s.prov.VoiceOccupants(ctx, squad.VoiceChannelID)
	if err != nil {
		s.logger.Warn("occupancy check failed during remove", "voice_channel", squad.VoiceChannelID, "error", err)
	}
	for _, occ := range occupants {
		if occ.MemberID == target.ID {
			if err := s.prov.Disconnect(ctx, target.ID); err != nil {
				s.logger.Warn("disconnect failed", "target", target.ID, "error", err)
			}
			break
		}
	}

	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindMemberRemoved,
		ActorID: requesterID,
		Subject: squad.VoiceChannelID,
		Detail:  target.ID,
		At:      s.now().UTC(),
	})
	s.logger.Info("member removed", "squad", squad.Name, "owner", requesterID, "target", target.ID)
	return target, nil
}

// Transfer hands the squad to a new owner. The previous owner keeps access
// as a regular member.
func (s *Service) Transfer(ctx context.Context, textChannelID, requesterID, targetID string) (*platform.Member, error) {
	squad := s.registry.FindByTextChannel(textChannelID)
	if squad == nil {
		return nil, ErrNotASquadChannel
	}
	if d := auth.RequireOwner(requesterID, squad.OwnerID); !d.Allowed {
		return nil, ErrNotOwner
	}
	target, err := s.dir.ResolveMember(ctx, targetID)
	if err != nil {
		return nil, ErrInvalidTarget
	}
	if target.ID == squad.OwnerID {
		return nil, ErrAlreadyOwner
	}

	if err := s.prov.SetOverwrite(ctx, squad.VoiceChannelID, memberOverwrite(target.ID, platform.PermView, platform.PermConnect, platform.PermSpeak)); err != nil {
		return nil, fmt.Errorf("grant voice access: %w", err)
	}
	if err := s.prov.SetOverwrite(ctx, squad.TextChannelID, memberOverwrite(target.ID, platform.PermView, platform.PermSend, platform.PermHistory)); err != nil {
		return nil, fmt.Errorf("grant text access: %w", err)
	}

	s.registry.SetOwner(squad.VoiceChannelID, target.ID)

	if err := s.prov.SetTopic(ctx, squad.TextChannelID, squadTopic(target.ID, squad.VoiceChannelID)); err != nil {
		s.logger.Warn("topic update failed after transfer", "text_channel", squad.TextChannelID, "error", err)
	}

	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindSquadTransferred,
		ActorID: requesterID,
		Subject: squad.VoiceChannelID,
		Detail:  target.ID,
		At:      s.now().UTC(),
	})
	s.logger.Info("squad transferred", "squad", squad.Name, "previous_owner", requesterID, "new_owner", target.ID)
	return target, nil
}

// Delete tears the squad down on the owner's request, regardless of
// current occupancy.
func (s *Service) Delete(ctx context.Context, textChannelID, requesterID string) error {
	squad := s.registry.FindByTextChannel(textChannelID)
	if squad == nil {
		return ErrNotASquadChannel
	}
	if d := auth.RequireOwner(requesterID, squad.OwnerID); !d.Allowed {
		return ErrNotOwner
	}
	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindSquadDeleted,
		ActorID: requesterID,
		Subject: squad.VoiceChannelID,
		Detail:  squad.Name,
		At:      s.now().UTC(),
	})
	return s.Cleanup(ctx, squad.VoiceChannelID)
}

// Cleanup deletes both backing channels and removes the record. It is
// idempotent: a voice channel id that is not registered is a no-op, which
// absorbs the race between an explicit delete and a reaper fire targeting
// the same squad. Channel deletion failures are logged, not retried; the
// record is removed regardless so a half-deleted squad cannot re-trigger
// reaps forever.
func (s *Service) Cleanup(ctx context.Context, voiceChannelID string) error {
	squad := s.registry.Get(voiceChannelID)
	if squad == nil {
		return nil
	}
	if err := s.prov.DeleteChannel(ctx, squad.VoiceChannelID); err != nil {
		s.logger.Warn("voice channel deletion failed", "voice_channel", squad.VoiceChannelID, "error", err)
	}
	if err := s.prov.DeleteChannel(ctx, squad.TextChannelID); err != nil {
		s.logger.Warn("text channel deletion failed", "text_channel", squad.TextChannelID, "error", err)
	}
	s.registry.Remove(voiceChannelID)
	s.logger.Info("squad cleaned up", "squad", squad.Name, "voice_channel", squad.VoiceChannelID, "text_channel", squad.TextChannelID)
	return nil
}

// nextName returns the lowest unused two-digit squad number among live
// squads. Numbering gap-fills rather than increasing monotonically: with
// 01 and 03 live, the next squad is 02.
func (s *Service) nextName() string {
	used := make(map[string]bool)
	for _, squad := range s.registry.Squads() {
		used[squad.Name] = true
	}
	for n := 1; ; n++ {
		name := fmt.Sprintf("%02d", n)
		if !used[name] {
			return name
		}
	}
}

func memberOverwrite(memberID string, allow ...platform.Permission) platform.Overwrite {
	return platform.Overwrite{
		PrincipalID:   memberID,
		PrincipalKind: platform.PrincipalMember,
		Allow:         allow,
	}
}

func squadTopic(ownerID, voiceChannelID string) string {
	return fmt.Sprintf("Owner: <@%s> | Voice: <#%s>", ownerID, voiceChannelID)
}

func controlPanel(name, ownerID, voiceChannelID string) platform.Message {
	return platform.Message{
		Title: fmt.Sprintf("Squad %s Control Panel", name),
		Body:  fmt.Sprintf("Owner: <@%s>\nVoice Channel: <#%s>\n\nUse the buttons below to manage your squad.", ownerID, voiceChannelID),
		Buttons: []platform.Button{
			{ID: ActionInvite, Label: "Invite Friend", Style: "success"},
			{ID: ActionRemove, Label: "Remove Friend", Style: "danger"},
			{ID: ActionTransfer, Label: "Transfer Owner", Style: "primary"},
			{ID: ActionDelete, Label: "Delete Squad", Style: "danger"},
		},
	}
}
