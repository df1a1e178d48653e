// Package presence reacts to voice membership events on tracked squads:
// the admission gate enforces the occupancy cap and the idle reaper tears
// down squads that stay empty for the grace period.
package presence

import (
	"context"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/takrit/guildkeeper/internal/audit"
	"github.com/takrit/guildkeeper/internal/platform"
	"github.com/takrit/guildkeeper/internal/registry"
)

// Scheduler arms a single-shot timer whose callback is serialized onto the
// dispatcher goroutine.
type Scheduler func(delay time.Duration, name string, fn func(context.Context))

// Reaper tears down a squad by voice channel id. Implemented by the squad
// service's Cleanup.
type Reaper interface {
	Cleanup(ctx context.Context, voiceChannelID string) error
}

// Service handles voice state updates for tracked squads.
type Service struct {
	registry *registry.Registry
	prov     platform.Provisioner
	reaper   Reaper
	audit    audit.Sink
	logger   *slog.Logger
	schedule Scheduler

	capacity int
	grace    time.Duration

	// last tracks each member's previous voice channel so a bare state
	// update can be split into leave+join. Only touched on the
	// dispatcher goroutine.
	last map[string]string

	onEviction func()
	onReap     func()
}

// New constructs the presence service.
func New(reg *registry.Registry, prov platform.Provisioner, reaper Reaper, sink audit.Sink, logger *slog.Logger, schedule Scheduler, capacity int, grace time.Duration) *Service {
	if capacity <= 0 {
		capacity = 6
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Service{
		registry: reg,
		prov:     prov,
		reaper:   reaper,
		audit:    sink,
		logger:   logger.With("component", "presence"),
		schedule: schedule,
		capacity: capacity,
		grace:    grace,
		last:     make(map[string]string),
	}
}

// SetCounters registers optional callbacks fired on evictions and reaps.
// Used for metrics.
func (s *Service) SetCounters(onEviction, onReap func()) {
	s.onEviction = onEviction
	s.onReap = onReap
}

// HandleVoiceState processes one membership update. A state with an empty
// ChannelID is a pure leave; a state naming a channel is a join, possibly
// paired with a leave from the member's previous channel.
func (s *Service) HandleVoiceState(ctx context.Context, state platform.VoiceState) {
	previous := s.last[state.MemberID]
	if state.ChannelID == "" {
		delete(s.last, state.MemberID)
	} else {
		s.last[state.MemberID] = state.ChannelID
	}
	if previous == state.ChannelID {
		return
	}

	if state.ChannelID != "" {
		s.handleJoin(ctx, state)
	}
	if previous != "" {
		s.handleLeave(ctx, previous)
	}
}

// handleJoin enforces the occupancy cap. The platform's native user limit
// is the first line of defense; this gate is the authoritative backstop
// against races, disconnecting the member who just joined when the cap is
// exceeded.
func (s *Service) handleJoin(ctx context.Context, state platform.VoiceState) {
	if state.Automated {
		return
	}
	squad := s.registry.Get(state.ChannelID)
	if squad == nil {
		return
	}
	count, err := s.occupancy(ctx, state.ChannelID)
	if err != nil {
		s.logger.Warn("occupancy check failed on join", "voice_channel", state.ChannelID, "error", err)
		return
	}
	if count <= s.capacity {
		return
	}

	if err := s.prov.Disconnect(ctx, state.MemberID); err != nil {
		s.logger.Warn("eviction disconnect failed", "member", state.MemberID, "voice_channel", state.ChannelID, "error", err)
		return
	}
	// Best-effort notice; delivery failure is swallowed.
	if err := s.prov.SendDirectMessage(ctx, state.MemberID, "This squad is full: it already has the maximum number of members."); err != nil {
		s.logger.Debug("eviction notice undeliverable", "member", state.MemberID)
	}
	delete(s.last, state.MemberID)

	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindMemberEvicted,
		ActorID: state.MemberID,
		Subject: state.ChannelID,
		At:      time.Now().UTC(),
	})
	if s.onEviction != nil {
		s.onEviction()
	}
	s.logger.Info("overflow member evicted", "member", state.MemberID, "squad", squad.Name)
}

// handleLeave arms a reap timer when a tracked squad empties. The timer
// carries only the voice channel id; occupancy is re-derived when it
// fires, so a rejoin needs no explicit cancellation and overlapping
// empty cycles arming multiple timers are harmless.
func (s *Service) handleLeave(ctx context.Context, channelID string) {
	if s.registry.Get(channelID) == nil {
		return
	}
	count, err := s.occupancy(ctx, channelID)
	if err != nil {
		s.logger.Warn("occupancy check failed on leave", "voice_channel", channelID, "error", err)
		return
	}
	if count > 0 {
		return
	}
	s.logger.Info("squad emptied, arming reap timer", "voice_channel", channelID, "grace", s.grace)
	s.schedule(s.grace, "reap-check", func(ctx context.Context) {
		s.reapCheck(ctx, channelID)
	})
}

// reapCheck runs at timer fire on the dispatcher goroutine and re-checks
// live state before acting.
func (s *Service) reapCheck(ctx context.Context, channelID string) {
	squad := s.registry.Get(channelID)
	if squad == nil {
		return
	}
	count, err := s.occupancy(ctx, channelID)
	if err != nil {
		s.logger.Warn("occupancy re-check failed at reap", "voice_channel", channelID, "error", err)
		return
	}
	if count > 0 {
		return
	}
	s.audit.Record(ctx, audit.Event{
		ID:      uuid.NewString(),
		Kind:    audit.KindSquadReaped,
		Subject: channelID,
		Detail:  squad.Name,
		At:      time.Now().UTC(),
	})
	if s.onReap != nil {
		s.onReap()
	}
	if err := s.reaper.Cleanup(ctx, channelID); err != nil {
		s.logger.Warn("reap cleanup failed", "voice_channel", channelID, "error", err)
	}
}

func (s *Service) occupancy(ctx context.Context, channelID string) (int, error) {
	occupants, err := s.prov.VoiceOccupants(ctx, channelID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, occ := range occupants {
		if !occ.Automated {
			count++
		}
	}
	return count, nil
}
