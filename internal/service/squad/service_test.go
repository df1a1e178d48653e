package squad

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/takrit/guildkeeper/internal/audit"
	"github.com/takrit/guildkeeper/internal/platform"
	"github.com/takrit/guildkeeper/internal/platform/platformtest"
	"github.com/takrit/guildkeeper/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestService(fake *platformtest.Fake) (*Service, *registry.Registry) {
	reg := registry.New()
	svc := New(reg, fake, fake, audit.Nop{}, testLogger(), "category-1", 6)
	return svc, reg
}

func TestCreateRegistersSquad(t *testing.T) {
	fake := platformtest.New()
	svc, reg := newTestService(fake)

	squad, err := svc.Create(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if squad.Name != "01" {
		t.Fatalf("expected first squad named 01, got %q", squad.Name)
	}
	if got := reg.FindByOwner("owner-1"); got == nil || got.VoiceChannelID != squad.VoiceChannelID {
		t.Fatalf("registry lookup by owner returned %+v", got)
	}
	if len(fake.CallsFor("CreateChannel")) != 2 {
		t.Fatalf("expected voice+text channel creation, got %v", fake.CallsFor("CreateChannel"))
	}
	if len(fake.CallsFor("SendMessage")) != 1 {
		t.Fatal("expected control panel message in text channel")
	}
}

func TestCreateRefusedWhenOwnerAlreadyHasSquad(t *testing.T) {
	fake := platformtest.New()
	svc, _ := newTestService(fake)

	if _, err := svc.Create(context.Background(), "owner-1"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := svc.Create(context.Background(), "owner-1")
	if !errors.Is(err, ErrAlreadyOwnsSquad) {
		t.Fatalf("expected ErrAlreadyOwnsSquad, got %v", err)
	}
}

func TestCreateNumberingFillsGaps(t *testing.T) {
	fake := platformtest.New()
	svc, reg := newTestService(fake)

	first, _ := svc.Create(context.Background(), "owner-1")
	second, _ := svc.Create(context.Background(), "owner-2")
	third, _ := svc.Create(context.Background(), "owner-3")
	if first.Name != "01" || second.Name != "02" || third.Name != "03" {
		t.Fatalf("unexpected names %q %q %q", first.Name, second.Name, third.Name)
	}

	// Free 02 and confirm the gap is refilled before 04 is used.
	if err := svc.Cleanup(context.Background(), second.VoiceChannelID); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	fourth, err := svc.Create(context.Background(), "owner-4")
	if err != nil {
		t.Fatalf("create after cleanup failed: %v", err)
	}
	if fourth.Name != "02" {
		t.Fatalf("expected gap-filling name 02, got %q", fourth.Name)
	}
	if len(reg.Squads()) != 3 {
		t.Fatalf("expected 3 live squads, got %d", len(reg.Squads()))
	}
}

func TestCreateRollsBackVoiceChannelOnTextFailure(t *testing.T) {
	fake := platformtest.New()
	svc, reg := newTestService(fake)

	// The voice channel is created first; fail the text channel call.
	provisionErr := errors.New("provisioning rejected")
	fake.FailAt("CreateChannel", 2, provisionErr)

	_, err := svc.Create(context.Background(), "owner-1")
	if !errors.Is(err, provisionErr) {
		t.Fatalf("expected wrapped provisioning error, got %v", err)
	}
	if reg.FindByOwner("owner-1") != nil {
		t.Fatal("partial creation must not register a record")
	}
	deletes := fake.CallsFor("DeleteChannel")
	if len(deletes) != 1 {
		t.Fatalf("expected rollback deletion of the voice channel, got %v", deletes)
	}
}

func TestCreateFailsCleanWhenVoiceCreationFails(t *testing.T) {
	fake := platformtest.New()
	svc, reg := newTestService(fake)

	fake.FailNext("CreateChannel", errors.New("quota exceeded"))

	if _, err := svc.Create(context.Background(), "owner-1"); err == nil {
		t.Fatal("expected error when voice creation fails")
	}
	if reg.FindByOwner("owner-1") != nil {
		t.Fatal("no record may be registered on provisioning failure")
	}
	if len(fake.CallsFor("DeleteChannel")) != 0 {
		t.Fatal("nothing was created, nothing should be deleted")
	}
}

func TestInviteRequiresOwner(t *testing.T) {
	fake := platformtest.New()
	svc, _ := newTestService(fake)
	fake.AddMember(platform.Member{ID: "friend-1"})

	squad, _ := svc.Create(context.Background(), "owner-1")

	_, err := svc.Invite(context.Background(), squad.TextChannelID, "stranger", "friend-1")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestInviteRejectsOwnerAndUnknownTargets(t *testing.T) {
	fake := platformtest.New()
	svc, _ := newTestService(fake)
	fake.AddMember(platform.Member{ID: "owner-1"})

	squad, _ := svc.Create(context.Background(), "owner-1")

	if _, err := svc.Invite(context.Background(), squad.TextChannelID, "owner-1", "owner-1"); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget for self-invite, got %v", err)
	}
	if _, err := svc.Invite(context.Background(), squad.TextChannelID, "owner-1", "ghost"); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget for unknown member, got %v", err)
	}
}

func TestInviteGrantsBothChannels(t *testing.T) {
	fake := platformtest.New()
	svc, _ := newTestService(fake)
	fake.AddMember(platform.Member{ID: "friend-1"})

	squad, _ := svc.Create(context.Background(), "owner-1")

	target, err := svc.Invite(context.Background(), squad.TextChannelID, "owner-1", "friend-1")
	if err != nil {
		t.Fatalf("Invite returned error: %v", err)
	}
	if target.ID != "friend-1" {
		t.Fatalf("unexpected target %+v", target)
	}
	grants := fake.CallsFor("SetOverwrite")
	var voiceGrant, textGrant bool
	for _, call := range grants {
		if call.Args[0] == squad.VoiceChannelID && call.Args[1] == "friend-1" {
			voiceGrant = true
		}
		if call.Args[0] == squad.TextChannelID && call.Args[1] == "friend-1" {
			textGrant = true
		}
	}
	if !voiceGrant || !textGrant {
		t.Fatalf("expected grants on both channels, got %v", grants)
	}
}

func TestRemoveDisconnectsConnectedTarget(t *testing.T) {
	fake := platformtest.New()
	svc, _ := newTestService(fake)
	fake.AddMember(platform.Member{ID: "friend-1"})

	squad, _ := svc.Create(context.Background(), "owner-1")
	fake.Occupants[squad.VoiceChannelID] = []platform.Occupant{{MemberID: "friend-1"}}

	if _, err := svc.Remove(context.Background(), squad.TextChannelID, "owner-1", "friend-1"); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if len(fake.CallsFor("ClearOverwrite")) != 2 {
		t.Fatalf("expected overwrites cleared on both channels, got %v", fake.CallsFor("ClearOverwrite"))
	}
	if len(fake.CallsFor("Disconnect")) != 1 {
		t.Fatal("expected connected target to be disconnected")
	}
}

func TestRemoveRefusesOwnerTarget(t *testing.T) {
	fake := platformtest.New()
	svc, _ := newTestService(fake)
	fake.AddMember(platform.Member{ID: "owner-1"})

	squad, _ := svc.Create(context.Background(), "owner-1")

	_, err := svc.Remove(context.Background(), squad.TextChannelID, "owner-1", "owner-1")
	if !errors.Is(err, ErrCannotRemoveOwner) {
		t.Fatalf("expected ErrCannotRemoveOwner, got %v", err)
	}
}

func TestTransferChangesOwnershipAndTopic(t *testing.T) {
	fake := platformtest.New()
	svc, reg := newTestService(fake)
	fake.AddMember(platform.Member{ID: "friend-1"})

	squad, _ := svc.Create(context.Background(), "owner-1")

	if _, err := svc.Transfer(context.Background(), squad.TextChannelID, "owner-1", "friend-1"); err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	got := reg.Get(squad.VoiceChannelID)
	if got == nil || got.OwnerID != "friend-1" {
		t.Fatalf("registry record after transfer: %+v", got)
	}
	if len(fake.CallsFor("SetTopic")) == 0 {
		t.Fatal("expected topic update after transfer")
	}

	// The new owner can delete; the former owner cannot.
	if err := svc.Delete(context.Background(), squad.TextChannelID, "owner-1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected former owner delete to fail with ErrNotOwner, got %v", err)
	}
	if err := svc.Delete(context.Background(), squad.TextChannelID, "friend-1"); err != nil {
		t.Fatalf("new owner delete failed: %v", err)
	}
	if reg.Get(squad.VoiceChannelID) != nil {
		t.Fatal("expected record removed after delete")
	}
}

func TestTransferToCurrentOwnerFails(t *testing.T) {
	fake := platformtest.New()
	svc, _ := newTestService(fake)
	fake.AddMember(platform.Member{ID: "owner-1"})

	squad, _ := svc.Create(context.Background(), "owner-1")

	_, err := svc.Transfer(context.Background(), squad.TextChannelID, "owner-1", "owner-1")
	if !errors.Is(err, ErrAlreadyOwner) {
		t.Fatalf("expected ErrAlreadyOwner, got %v", err)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	fake := platformtest.New()
	svc, reg := newTestService(fake)

	squad, _ := svc.Create(context.Background(), "owner-1")

	if err := svc.Cleanup(context.Background(), squad.VoiceChannelID); err != nil {
		t.Fatalf("first cleanup failed: %v", err)
	}
	deletesAfterFirst := len(fake.CallsFor("DeleteChannel"))
	if deletesAfterFirst != 2 {
		t.Fatalf("expected both channels deleted, got %d calls", deletesAfterFirst)
	}

	if err := svc.Cleanup(context.Background(), squad.VoiceChannelID); err != nil {
		t.Fatalf("second cleanup errored: %v", err)
	}
	if len(fake.CallsFor("DeleteChannel")) != deletesAfterFirst {
		t.Fatal("second cleanup must not issue further deletions")
	}
	if reg.Get(squad.VoiceChannelID) != nil {
		t.Fatal("record still present after cleanup")
	}
}

func TestCleanupRemovesRecordDespiteDeletionFailure(t *testing.T) {
	fake := platformtest.New()
	svc, reg := newTestService(fake)

	squad, _ := svc.Create(context.Background(), "owner-1")
	fake.FailNext("DeleteChannel", errors.New("api unavailable"))

	if err := svc.Cleanup(context.Background(), squad.VoiceChannelID); err != nil {
		t.Fatalf("cleanup returned error: %v", err)
	}
	if reg.Get(squad.VoiceChannelID) != nil {
		t.Fatal("record must be removed even when channel deletion fails")
	}
}

func TestAtMostOneSquadPerOwnerAcrossSequences(t *testing.T) {
	fake := platformtest.New()
	svc, reg := newTestService(fake)

	for i := 0; i < 4; i++ {
		squad, err := svc.Create(context.Background(), "owner-1")
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		count := 0
		for _, s := range reg.Squads() {
			if s.OwnerID == "owner-1" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("iteration %d: expected exactly one live squad for owner, got %d", i, count)
		}
		if err := svc.Cleanup(context.Background(), squad.VoiceChannelID); err != nil {
			t.Fatalf("cleanup %d failed: %v", i, err)
		}
	}
}
