// Package audit records lifecycle events to a write-only trail. The trail
// is never read back into the registry: live state stays in memory and the
// audit store cannot influence it.
package audit

import (
	"context"
	"time"
)

// Event kinds recorded by the lifecycle services.
const (
	KindSquadCreated     = "squad_created"
	KindSquadDeleted     = "squad_deleted"
	KindSquadReaped      = "squad_reaped"
	KindSquadTransferred = "squad_transferred"
	KindMemberInvited    = "member_invited"
	KindMemberRemoved    = "member_removed"
	KindMemberEvicted    = "member_evicted"
	KindTicketOpened     = "ticket_opened"
	KindTicketClosed     = "ticket_closed"
)

// Event is one recorded lifecycle occurrence.
type Event struct {
	ID      string
	Kind    string
	ActorID string
	Subject string
	Detail  string
	At      time.Time
}

// Sink persists audit events. Record failures must be absorbed by the
// implementation; the lifecycle services never check them.
type Sink interface {
	Record(ctx context.Context, event Event)
	Close()
}

// Nop discards all events. Used when no audit store is configured.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

// Close implements Sink.
func (Nop) Close() {}
