package ticket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/takrit/guildkeeper/internal/audit"
	"github.com/takrit/guildkeeper/internal/platform"
	"github.com/takrit/guildkeeper/internal/platform/platformtest"
	"github.com/takrit/guildkeeper/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type manualScheduler struct {
	pending []func(context.Context)
}

func (m *manualScheduler) schedule(_ time.Duration, _ string, fn func(context.Context)) {
	m.pending = append(m.pending, fn)
}

func (m *manualScheduler) fireAll(ctx context.Context) {
	pending := m.pending
	m.pending = nil
	for _, fn := range pending {
		fn(ctx)
	}
}

var adminRole = platform.Role{ID: "role-admin", Name: "Admin"}

func newTestService(fake *platformtest.Fake) (*Service, *registry.Registry, *manualScheduler) {
	reg := registry.New()
	sched := &manualScheduler{}
	svc := New(reg, fake, fake, audit.Nop{}, testLogger(), sched.schedule, adminRole, 5*time.Second)
	return svc, reg, sched
}

func TestCreateOpensChannelAndRegisters(t *testing.T) {
	fake := platformtest.New()
	svc, reg, _ := newTestService(fake)

	ticket, err := svc.Create(context.Background(), "user-1", "Some User!")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	got, ok := reg.Ticket("user-1")
	if !ok || got.ChannelID != ticket.ChannelID {
		t.Fatalf("registry entry %+v ok=%v", got, ok)
	}
	creates := fake.CallsFor("CreateChannel")
	if len(creates) != 1 || creates[0].Args[0] != "ticket-some-user" {
		t.Fatalf("unexpected channel creation %v", creates)
	}
	if len(fake.CallsFor("SendMessage")) != 1 {
		t.Fatal("expected a welcome message with the close action")
	}
}

func TestCreateRefusedWhileTicketChannelLives(t *testing.T) {
	fake := platformtest.New()
	svc, _, _ := newTestService(fake)

	first, err := svc.Create(context.Background(), "user-1", "user")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	_, err = svc.Create(context.Background(), "user-1", "user")
	if !errors.Is(err, ErrTicketAlreadyOpen) {
		t.Fatalf("expected ErrTicketAlreadyOpen, got %v", err)
	}
	var open *AlreadyOpenError
	if !errors.As(err, &open) || open.ChannelID != first.ChannelID {
		t.Fatalf("expected existing channel reference, got %+v", open)
	}
}

func TestCreateSucceedsAfterExternalChannelRemoval(t *testing.T) {
	fake := platformtest.New()
	svc, reg, _ := newTestService(fake)

	first, _ := svc.Create(context.Background(), "user-1", "user")

	// The channel vanishes externally; no close command ran. The stale
	// entry must be purged and creation must proceed.
	delete(fake.Channels, first.ChannelID)

	second, err := svc.Create(context.Background(), "user-1", "user")
	if err != nil {
		t.Fatalf("expected stale entry purge and fresh ticket, got %v", err)
	}
	if second.ChannelID == first.ChannelID {
		t.Fatal("expected a new channel for the fresh ticket")
	}
	got, _ := reg.Ticket("user-1")
	if got.ChannelID != second.ChannelID {
		t.Fatalf("registry points at %q, want %q", got.ChannelID, second.ChannelID)
	}
}

func TestCloseByOwnerClearsRegistryImmediatelyAndDefersDeletion(t *testing.T) {
	fake := platformtest.New()
	svc, reg, sched := newTestService(fake)

	ticket, _ := svc.Create(context.Background(), "user-1", "user")

	if err := svc.Close(context.Background(), "user-1", ticket.ChannelID); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, ok := reg.Ticket("user-1"); ok {
		t.Fatal("registry entry must be cleared immediately on close")
	}
	if len(fake.CallsFor("DeleteChannel")) != 0 {
		t.Fatal("channel deletion must be deferred, not immediate")
	}

	// A new ticket can open before the old channel is even deleted.
	if _, err := svc.Create(context.Background(), "user-1", "user"); err != nil {
		t.Fatalf("create right after close failed: %v", err)
	}

	sched.fireAll(context.Background())
	deletes := fake.CallsFor("DeleteChannel")
	if len(deletes) != 1 || deletes[0].Args[0] != ticket.ChannelID {
		t.Fatalf("expected deferred deletion of %q, got %v", ticket.ChannelID, deletes)
	}
}

func TestCloseByAdmin(t *testing.T) {
	fake := platformtest.New()
	svc, _, _ := newTestService(fake)
	fake.Held["admin-1"] = map[string]bool{adminRole.ID: true}

	ticket, _ := svc.Create(context.Background(), "user-1", "user")

	if err := svc.Close(context.Background(), "admin-1", ticket.ChannelID); err != nil {
		t.Fatalf("admin close failed: %v", err)
	}
}

func TestCloseByStrangerDenied(t *testing.T) {
	fake := platformtest.New()
	svc, reg, _ := newTestService(fake)

	ticket, _ := svc.Create(context.Background(), "user-1", "user")

	err := svc.Close(context.Background(), "stranger", ticket.ChannelID)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if _, ok := reg.Ticket("user-1"); !ok {
		t.Fatal("denied close must not clear the registry entry")
	}
}

func TestCloseResolvesOwnerFromStoredAssociation(t *testing.T) {
	fake := platformtest.New()
	svc, reg, _ := newTestService(fake)

	// Two open tickets; closing user-2's channel must clear user-2's
	// entry even though user-1 is an unrelated requester.
	_, _ = svc.Create(context.Background(), "user-1", "one")
	second, _ := svc.Create(context.Background(), "user-2", "two")

	if err := svc.Close(context.Background(), "user-2", second.ChannelID); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, ok := reg.Ticket("user-1"); !ok {
		t.Fatal("user-1 entry must be untouched")
	}
	if _, ok := reg.Ticket("user-2"); ok {
		t.Fatal("user-2 entry must be cleared")
	}
}

func TestCloseUnknownChannel(t *testing.T) {
	fake := platformtest.New()
	svc, _, _ := newTestService(fake)

	err := svc.Close(context.Background(), "user-1", "not-a-ticket")
	if !errors.Is(err, ErrNotATicketChannel) {
		t.Fatalf("expected ErrNotATicketChannel, got %v", err)
	}
}

func TestCloseSurvivesDeletionFailure(t *testing.T) {
	fake := platformtest.New()
	svc, _, sched := newTestService(fake)

	ticket, _ := svc.Create(context.Background(), "user-1", "user")
	fake.FailNext("DeleteChannel", errors.New("api unavailable"))

	if err := svc.Close(context.Background(), "user-1", ticket.ChannelID); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	sched.fireAll(context.Background())
	// One attempt, logged failure, no retry.
	if len(fake.CallsFor("DeleteChannel")) != 1 {
		t.Fatalf("expected exactly one deletion attempt, got %d", len(fake.CallsFor("DeleteChannel")))
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Some User!", "some-user"},
		{"ALLCAPS", "allcaps"},
		{"weird___name##7", "weird-name-7"},
		{"---", "member"},
		{"", "member"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
