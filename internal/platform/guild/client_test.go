package guild

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/takrit/guildkeeper/internal/platform"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cli, err := New(srv.URL, "test-token", "guild-1", "app-1")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return cli
}

func TestCreateChannelPostsAndDecodes(t *testing.T) {
	var gotAuth string
	var gotBody channelPayload
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/guilds/guild-1/channels" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(channelPayload{ID: "chan-9", Name: gotBody.Name, Kind: gotBody.Kind})
	}))

	ch, err := cli.CreateChannel(context.Background(), platform.CreateChannelInput{
		Name:      "Squad 01",
		Kind:      platform.ChannelVoice,
		ParentID:  "category-1",
		UserLimit: 6,
		Overwrites: []platform.Overwrite{{
			PrincipalID:   "everyone",
			PrincipalKind: platform.PrincipalEveryone,
			Deny:          []platform.Permission{platform.PermView},
		}},
	})
	if err != nil {
		t.Fatalf("CreateChannel returned error: %v", err)
	}
	if ch.ID != "chan-9" {
		t.Fatalf("expected decoded channel id chan-9, got %q", ch.ID)
	}
	if gotAuth != "Bot test-token" {
		t.Fatalf("expected bot authorization header, got %q", gotAuth)
	}
	if gotBody.UserLimit != 6 || len(gotBody.Overrides) != 1 {
		t.Fatalf("request body missing fields: %+v", gotBody)
	}
}

func TestChannelExistsMapsNotFound(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/channels/alive" {
			_ = json.NewEncoder(w).Encode(channelPayload{ID: "alive"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	exists, err := cli.ChannelExists(context.Background(), "alive")
	if err != nil || !exists {
		t.Fatalf("expected alive channel to exist, got %v/%v", exists, err)
	}
	exists, err = cli.ChannelExists(context.Background(), "gone")
	if err != nil || exists {
		t.Fatalf("expected gone channel to be absent without error, got %v/%v", exists, err)
	}
}

func TestResolveMemberNotFound(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := cli.ResolveMember(context.Background(), "ghost")
	if !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureRoleReusesOrCreates(t *testing.T) {
	var created bool
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode([]rolePayload{{ID: "role-1", Name: "Verified", Color: "#00ff00"}})
		case r.Method == http.MethodPost:
			created = true
			var body rolePayload
			_ = json.NewDecoder(r.Body).Decode(&body)
			body.ID = "role-2"
			_ = json.NewEncoder(w).Encode(body)
		}
	}))

	role, err := cli.EnsureRole(context.Background(), "Verified", "#00ff00")
	if err != nil {
		t.Fatalf("EnsureRole returned error: %v", err)
	}
	if role.ID != "role-1" || created {
		t.Fatalf("expected existing role reused, got %+v created=%v", role, created)
	}

	role, err = cli.EnsureRole(context.Background(), "Player", "#0000ff")
	if err != nil {
		t.Fatalf("EnsureRole returned error: %v", err)
	}
	if role.ID != "role-2" || !created {
		t.Fatalf("expected missing role created, got %+v created=%v", role, created)
	}
}

func TestErrorBodySurfacesInAPIError(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing access"})
	}))

	err := cli.SetTopic(context.Background(), "chan-1", "topic")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "missing access" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}

func TestResponderCallbacks(t *testing.T) {
	var paths []string
	var payloads []callbackPayload
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		var p callbackPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		payloads = append(payloads, p)
		w.WriteHeader(http.StatusNoContent)
	}))

	ic := platform.Interaction{ID: "ic-1", Token: "tok"}
	ctx := context.Background()
	if err := cli.Defer(ctx, ic, true); err != nil {
		t.Fatalf("Defer returned error: %v", err)
	}
	if err := cli.Update(ctx, ic, platform.Response{Content: "done"}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if err := cli.OpenForm(ctx, ic, platform.Form{ID: "f", Title: "T", Fields: []platform.FormField{{ID: "user_id", Label: "User"}}}); err != nil {
		t.Fatalf("OpenForm returned error: %v", err)
	}

	if paths[0] != "POST /interactions/ic-1/tok/callback" {
		t.Fatalf("unexpected defer path %q", paths[0])
	}
	if payloads[0].Type != callbackDeferred || !payloads[0].Private {
		t.Fatalf("unexpected defer payload %+v", payloads[0])
	}
	if paths[1] != "PATCH /webhooks/app-1/tok/original" {
		t.Fatalf("unexpected update path %q", paths[1])
	}
	if payloads[2].Form == nil || payloads[2].Form.ID != "f" {
		t.Fatalf("unexpected form payload %+v", payloads[2])
	}
}

func TestNewValidatesInputs(t *testing.T) {
	if _, err := New("", "tok", "guild", "app"); err == nil {
		t.Fatal("expected error for empty base url")
	}
	if _, err := New("example.com", "", "guild", "app"); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := New("example.com", "tok", "", "app"); err == nil {
		t.Fatal("expected error for empty guild id")
	}
}
