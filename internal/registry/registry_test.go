package registry

import (
	"testing"
	"time"

	"github.com/takrit/guildkeeper/internal/domain"
)

func TestPutMaintainsSecondaryIndexes(t *testing.T) {
	reg := New()
	squad := domain.Squad{
		VoiceChannelID: "voice-1",
		TextChannelID:  "text-1",
		OwnerID:        "owner-1",
		Name:           "01",
		CreatedAt:      time.Now().UTC(),
	}
	reg.Put(squad)

	if got := reg.Get("voice-1"); got == nil || got.TextChannelID != "text-1" {
		t.Fatalf("Get returned %+v", got)
	}
	if got := reg.FindByTextChannel("text-1"); got == nil || got.VoiceChannelID != "voice-1" {
		t.Fatalf("FindByTextChannel returned %+v", got)
	}
	if got := reg.FindByOwner("owner-1"); got == nil || got.VoiceChannelID != "voice-1" {
		t.Fatalf("FindByOwner returned %+v", got)
	}
}

func TestRemoveClearsAllIndexes(t *testing.T) {
	reg := New()
	reg.Put(domain.Squad{VoiceChannelID: "voice-1", TextChannelID: "text-1", OwnerID: "owner-1"})

	if !reg.Remove("voice-1") {
		t.Fatal("expected Remove to report an existing record")
	}
	if reg.Get("voice-1") != nil {
		t.Fatal("expected primary entry gone")
	}
	if reg.FindByTextChannel("text-1") != nil {
		t.Fatal("expected text index entry gone")
	}
	if reg.FindByOwner("owner-1") != nil {
		t.Fatal("expected owner index entry gone")
	}
	if reg.Remove("voice-1") {
		t.Fatal("expected second Remove to be a no-op")
	}
}

func TestPutReplacingRecordReindexes(t *testing.T) {
	reg := New()
	reg.Put(domain.Squad{VoiceChannelID: "voice-1", TextChannelID: "text-1", OwnerID: "owner-1"})
	reg.Put(domain.Squad{VoiceChannelID: "voice-1", TextChannelID: "text-2", OwnerID: "owner-2"})

	if reg.FindByTextChannel("text-1") != nil {
		t.Fatal("stale text index entry survived replacement")
	}
	if reg.FindByOwner("owner-1") != nil {
		t.Fatal("stale owner index entry survived replacement")
	}
	if got := reg.FindByOwner("owner-2"); got == nil || got.TextChannelID != "text-2" {
		t.Fatalf("FindByOwner returned %+v", got)
	}
}

func TestSetOwnerReindexes(t *testing.T) {
	reg := New()
	reg.Put(domain.Squad{VoiceChannelID: "voice-1", TextChannelID: "text-1", OwnerID: "owner-1"})

	if !reg.SetOwner("voice-1", "owner-2") {
		t.Fatal("expected SetOwner to succeed")
	}
	if reg.FindByOwner("owner-1") != nil {
		t.Fatal("previous owner still indexed")
	}
	if got := reg.FindByOwner("owner-2"); got == nil || got.VoiceChannelID != "voice-1" {
		t.Fatalf("new owner lookup returned %+v", got)
	}
	if reg.SetOwner("voice-missing", "owner-3") {
		t.Fatal("expected SetOwner on unknown squad to report false")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	reg := New()
	reg.Put(domain.Squad{VoiceChannelID: "voice-1", TextChannelID: "text-1", OwnerID: "owner-1"})

	got := reg.Get("voice-1")
	got.OwnerID = "mutated"

	if reg.Get("voice-1").OwnerID != "owner-1" {
		t.Fatal("caller mutation leaked into the registry")
	}
}

func TestTicketLifecycle(t *testing.T) {
	reg := New()
	if _, ok := reg.Ticket("user-1"); ok {
		t.Fatal("expected no ticket initially")
	}
	reg.SetTicket(domain.Ticket{UserID: "user-1", ChannelID: "chan-1"})
	ticket, ok := reg.Ticket("user-1")
	if !ok || ticket.ChannelID != "chan-1" {
		t.Fatalf("Ticket returned %+v ok=%v", ticket, ok)
	}
	reg.ClearTicket("user-1")
	if _, ok := reg.Ticket("user-1"); ok {
		t.Fatal("expected ticket cleared")
	}
}
