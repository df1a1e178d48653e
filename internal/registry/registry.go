// Package registry is the authoritative in-memory store of live squad and
// ticket records. It is process-lifetime scoped: the maps start empty on
// every boot, so channels provisioned before a restart become orphaned on
// the platform and untracked here. That is an accepted limitation, not
// something the registry papers over.
package registry

import (
	"sync"

	"github.com/takrit/guildkeeper/internal/domain"
)

// Registry owns squad and ticket records. All lifecycle mutations funnel
// through the squad and ticket services on the dispatcher goroutine; the
// lock exists for the ops and metrics readers that snapshot state from
// other goroutines.
type Registry struct {
	mu      sync.RWMutex
	byVoice map[string]*domain.Squad
	byText  map[string]*domain.Squad
	byOwner map[string]*domain.Squad
	tickets map[string]domain.Ticket
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byVoice: make(map[string]*domain.Squad),
		byText:  make(map[string]*domain.Squad),
		byOwner: make(map[string]*domain.Squad),
		tickets: make(map[string]domain.Ticket),
	}
}

// Get returns the squad identified by its voice channel id.
func (r *Registry) Get(voiceChannelID string) *domain.Squad {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copySquad(r.byVoice[voiceChannelID])
}

// FindByOwner returns the squad owned by the given member, if any.
func (r *Registry) FindByOwner(userID string) *domain.Squad {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copySquad(r.byOwner[userID])
}

// FindByTextChannel returns the squad whose text channel matches.
func (r *Registry) FindByTextChannel(textChannelID string) *domain.Squad {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copySquad(r.byText[textChannelID])
}

// Put inserts or replaces a squad record, keeping the owner and text
// channel indexes consistent with the primary map.
func (r *Registry) Put(squad domain.Squad) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byVoice[squad.VoiceChannelID]; ok {
		delete(r.byText, prev.TextChannelID)
		delete(r.byOwner, prev.OwnerID)
	}
	stored := squad
	r.byVoice[squad.VoiceChannelID] = &stored
	r.byText[squad.TextChannelID] = &stored
	r.byOwner[squad.OwnerID] = &stored
}

// Remove deletes a squad record and its index entries. It reports whether
// a record existed.
func (r *Registry) Remove(voiceChannelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	squad, ok := r.byVoice[voiceChannelID]
	if !ok {
		return false
	}
	delete(r.byVoice, voiceChannelID)
	delete(r.byText, squad.TextChannelID)
	delete(r.byOwner, squad.OwnerID)
	return true
}

// SetOwner rewrites a squad's owner in place, reindexing the owner map.
// It reports whether the squad exists.
func (r *Registry) SetOwner(voiceChannelID, ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	squad, ok := r.byVoice[voiceChannelID]
	if !ok {
		return false
	}
	delete(r.byOwner, squad.OwnerID)
	squad.OwnerID = ownerID
	r.byOwner[ownerID] = squad
	return true
}

// Squads returns a snapshot of all live squad records.
func (r *Registry) Squads() []domain.Squad {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Squad, 0, len(r.byVoice))
	for _, squad := range r.byVoice {
		out = append(out, *squad)
	}
	return out
}

// Ticket returns the open ticket channel for a member, or empty when none
// is tracked.
func (r *Registry) Ticket(userID string) (domain.Ticket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ticket, ok := r.tickets[userID]
	return ticket, ok
}

// SetTicket records a member's open ticket.
func (r *Registry) SetTicket(ticket domain.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets[ticket.UserID] = ticket
}

// ClearTicket drops a member's ticket entry.
func (r *Registry) ClearTicket(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tickets, userID)
}

// Tickets returns a snapshot of all open ticket records.
func (r *Registry) Tickets() []domain.Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Ticket, 0, len(r.tickets))
	for _, ticket := range r.tickets {
		out = append(out, ticket)
	}
	return out
}

func copySquad(squad *domain.Squad) *domain.Squad {
	if squad == nil {
		return nil
	}
	out := *squad
	return &out
}
