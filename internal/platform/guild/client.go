// Package guild implements the platform interfaces against the community
// platform's REST and gateway APIs.
package guild

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/takrit/guildkeeper/internal/platform"
)

// Client provides typed access to the platform REST API. It implements
// platform.Provisioner, platform.Directory, and platform.Responder.
type Client struct {
	baseURL    string
	token      string
	guildID    string
	appID      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client scoped to one guild.
func New(base, token, guildID, appID string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if strings.TrimSpace(guildID) == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		token:      strings.TrimSpace(token),
		guildID:    guildID,
		appID:      appID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the platform API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform request failed with status %d", e.Status)
	}
	return fmt.Sprintf("platform request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return platform.ErrNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

type channelPayload struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Kind      string             `json:"kind"`
	ParentID  string             `json:"parent_id,omitempty"`
	Topic     string             `json:"topic,omitempty"`
	UserLimit int                `json:"user_limit,omitempty"`
	Overrides []overwritePayload `json:"permission_overwrites,omitempty"`
}

type overwritePayload struct {
	PrincipalID   string   `json:"principal_id"`
	PrincipalKind string   `json:"principal_kind"`
	Allow         []string `json:"allow,omitempty"`
	Deny          []string `json:"deny,omitempty"`
}

func toOverwritePayload(ow platform.Overwrite) overwritePayload {
	p := overwritePayload{
		PrincipalID:   ow.PrincipalID,
		PrincipalKind: string(ow.PrincipalKind),
	}
	for _, perm := range ow.Allow {
		p.Allow = append(p.Allow, string(perm))
	}
	for _, perm := range ow.Deny {
		p.Deny = append(p.Deny, string(perm))
	}
	return p
}

func toChannel(p channelPayload) platform.Channel {
	return platform.Channel{
		ID:       p.ID,
		Name:     p.Name,
		Kind:     platform.ChannelKind(p.Kind),
		ParentID: p.ParentID,
		Topic:    p.Topic,
	}
}

// CreateChannel implements platform.Provisioner.
func (c *Client) CreateChannel(ctx context.Context, input platform.CreateChannelInput) (*platform.Channel, error) {
	body := channelPayload{
		Name:      input.Name,
		Kind:      string(input.Kind),
		ParentID:  input.ParentID,
		Topic:     input.Topic,
		UserLimit: input.UserLimit,
	}
	for _, ow := range input.Overwrites {
		body.Overrides = append(body.Overrides, toOverwritePayload(ow))
	}
	var created channelPayload
	path := fmt.Sprintf("/guilds/%s/channels", url.PathEscape(c.guildID))
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return nil, fmt.Errorf("create channel %q: %w", input.Name, err)
	}
	ch := toChannel(created)
	return &ch, nil
}

// DeleteChannel implements platform.Provisioner.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	path := fmt.Sprintf("/channels/%s", url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	return nil
}

// ChannelExists implements platform.Provisioner.
func (c *Client) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	path := fmt.Sprintf("/channels/%s", url.PathEscape(channelID))
	err := c.do(ctx, http.MethodGet, path, nil, nil)
	if errors.Is(err, platform.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListChannels implements platform.Provisioner.
func (c *Client) ListChannels(ctx context.Context) ([]platform.Channel, error) {
	var payload []channelPayload
	path := fmt.Sprintf("/guilds/%s/channels", url.PathEscape(c.guildID))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	channels := make([]platform.Channel, 0, len(payload))
	for _, p := range payload {
		channels = append(channels, toChannel(p))
	}
	return channels, nil
}

// SetOverwrite implements platform.Provisioner.
func (c *Client) SetOverwrite(ctx context.Context, channelID string, ow platform.Overwrite) error {
	path := fmt.Sprintf("/channels/%s/permissions/%s", url.PathEscape(channelID), url.PathEscape(ow.PrincipalID))
	if err := c.do(ctx, http.MethodPut, path, toOverwritePayload(ow), nil); err != nil {
		return fmt.Errorf("set overwrite on %s: %w", channelID, err)
	}
	return nil
}

// ClearOverwrite implements platform.Provisioner.
func (c *Client) ClearOverwrite(ctx context.Context, channelID, principalID string) error {
	path := fmt.Sprintf("/channels/%s/permissions/%s", url.PathEscape(channelID), url.PathEscape(principalID))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("clear overwrite on %s: %w", channelID, err)
	}
	return nil
}

// SetTopic implements platform.Provisioner.
func (c *Client) SetTopic(ctx context.Context, channelID, topic string) error {
	path := fmt.Sprintf("/channels/%s", url.PathEscape(channelID))
	body := map[string]string{"topic": topic}
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("set topic on %s: %w", channelID, err)
	}
	return nil
}

type occupantPayload struct {
	MemberID  string    `json:"member_id"`
	Automated bool      `json:"automated"`
	JoinedAt  time.Time `json:"joined_at"`
}

// VoiceOccupants implements platform.Provisioner.
func (c *Client) VoiceOccupants(ctx context.Context, channelID string) ([]platform.Occupant, error) {
	var payload []occupantPayload
	path := fmt.Sprintf("/channels/%s/voice-occupants", url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("voice occupants of %s: %w", channelID, err)
	}
	occupants := make([]platform.Occupant, 0, len(payload))
	for _, p := range payload {
		occupants = append(occupants, platform.Occupant{
			MemberID:  p.MemberID,
			Automated: p.Automated,
			JoinedAt:  p.JoinedAt,
		})
	}
	return occupants, nil
}

// Disconnect implements platform.Provisioner. Patching the member's voice
// channel to null drops them from whatever channel they occupy.
func (c *Client) Disconnect(ctx context.Context, memberID string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s", url.PathEscape(c.guildID), url.PathEscape(memberID))
	body := map[string]any{"voice_channel_id": nil}
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("disconnect member %s: %w", memberID, err)
	}
	return nil
}

type messagePayload struct {
	ID       string          `json:"id,omitempty"`
	AuthorID string          `json:"author_id,omitempty"`
	Content  string          `json:"content,omitempty"`
	Title    string          `json:"title,omitempty"`
	Body     string          `json:"body,omitempty"`
	Buttons  []buttonPayload `json:"buttons,omitempty"`
}

type buttonPayload struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style,omitempty"`
}

func toMessagePayload(msg platform.Message) messagePayload {
	p := messagePayload{Content: msg.Content, Title: msg.Title, Body: msg.Body}
	for _, b := range msg.Buttons {
		p.Buttons = append(p.Buttons, buttonPayload{ID: b.ID, Label: b.Label, Style: b.Style})
	}
	return p
}

// SendMessage implements platform.Provisioner.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg platform.Message) (string, error) {
	var created messagePayload
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodPost, path, toMessagePayload(msg), &created); err != nil {
		return "", fmt.Errorf("send message to %s: %w", channelID, err)
	}
	return created.ID, nil
}

// SendDirectMessage implements platform.Provisioner.
func (c *Client) SendDirectMessage(ctx context.Context, memberID, content string) error {
	path := fmt.Sprintf("/users/%s/messages", url.PathEscape(memberID))
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("direct message to %s: %w", memberID, err)
	}
	return nil
}

// RecentMessages implements platform.Provisioner.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]platform.PostedMessage, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	var payload []messagePayload
	path := fmt.Sprintf("/channels/%s/messages%s", url.PathEscape(channelID), query)
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("recent messages of %s: %w", channelID, err)
	}
	msgs := make([]platform.PostedMessage, 0, len(payload))
	for _, p := range payload {
		msgs = append(msgs, platform.PostedMessage{ID: p.ID, AuthorID: p.AuthorID})
	}
	return msgs, nil
}

// DeleteMessage implements platform.Provisioner.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(channelID), url.PathEscape(messageID))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

type memberPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Automated   bool   `json:"automated"`
}

// ResolveMember implements platform.Directory.
func (c *Client) ResolveMember(ctx context.Context, memberID string) (*platform.Member, error) {
	var payload memberPayload
	path := fmt.Sprintf("/guilds/%s/members/%s", url.PathEscape(c.guildID), url.PathEscape(memberID))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return nil, platform.ErrNotFound
		}
		return nil, fmt.Errorf("resolve member %s: %w", memberID, err)
	}
	return &platform.Member{
		ID:          payload.ID,
		Username:    payload.Username,
		DisplayName: payload.DisplayName,
		Automated:   payload.Automated,
	}, nil
}

type rolePayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// ResolveRole implements platform.Directory.
func (c *Client) ResolveRole(ctx context.Context, name string) (*platform.Role, error) {
	var payload []rolePayload
	path := fmt.Sprintf("/guilds/%s/roles", url.PathEscape(c.guildID))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	for _, p := range payload {
		if p.Name == name {
			return &platform.Role{ID: p.ID, Name: p.Name, Color: p.Color}, nil
		}
	}
	return nil, platform.ErrNotFound
}

// EnsureRole implements platform.Directory.
func (c *Client) EnsureRole(ctx context.Context, name, color string) (*platform.Role, error) {
	role, err := c.ResolveRole(ctx, name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, platform.ErrNotFound) {
		return nil, err
	}
	var created rolePayload
	path := fmt.Sprintf("/guilds/%s/roles", url.PathEscape(c.guildID))
	body := rolePayload{Name: name, Color: color}
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return nil, fmt.Errorf("create role %q: %w", name, err)
	}
	return &platform.Role{ID: created.ID, Name: created.Name, Color: created.Color}, nil
}

// HasRole implements platform.Directory.
func (c *Client) HasRole(ctx context.Context, memberID, roleID string) (bool, error) {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", url.PathEscape(c.guildID), url.PathEscape(memberID), url.PathEscape(roleID))
	err := c.do(ctx, http.MethodGet, path, nil, nil)
	if errors.Is(err, platform.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check role %s on %s: %w", roleID, memberID, err)
	}
	return true, nil
}

// GrantRole implements platform.Directory.
func (c *Client) GrantRole(ctx context.Context, memberID, roleID string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", url.PathEscape(c.guildID), url.PathEscape(memberID), url.PathEscape(roleID))
	if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("grant role %s to %s: %w", roleID, memberID, err)
	}
	return nil
}

// RevokeRole implements platform.Directory.
func (c *Client) RevokeRole(ctx context.Context, memberID, roleID string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", url.PathEscape(c.guildID), url.PathEscape(memberID), url.PathEscape(roleID))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("revoke role %s from %s: %w", roleID, memberID, err)
	}
	return nil
}

// Interaction callback types understood by the platform.
const (
	callbackReply    = "reply"
	callbackDeferred = "deferred_reply"
	callbackForm     = "form"
)

type callbackPayload struct {
	Type    string       `json:"type"`
	Content string       `json:"content,omitempty"`
	Private bool         `json:"private,omitempty"`
	Form    *formPayload `json:"form,omitempty"`
}

type formPayload struct {
	ID     string         `json:"id"`
	Title  string         `json:"title"`
	Fields []fieldPayload `json:"fields"`
}

type fieldPayload struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required"`
}

func (c *Client) callback(ctx context.Context, ic platform.Interaction, payload callbackPayload) error {
	path := fmt.Sprintf("/interactions/%s/%s/callback", url.PathEscape(ic.ID), url.PathEscape(ic.Token))
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// Respond implements platform.Responder.
func (c *Client) Respond(ctx context.Context, ic platform.Interaction, resp platform.Response) error {
	if err := c.callback(ctx, ic, callbackPayload{Type: callbackReply, Content: resp.Content, Private: resp.Private}); err != nil {
		return fmt.Errorf("respond to interaction %s: %w", ic.ID, err)
	}
	return nil
}

// Defer implements platform.Responder.
func (c *Client) Defer(ctx context.Context, ic platform.Interaction, private bool) error {
	if err := c.callback(ctx, ic, callbackPayload{Type: callbackDeferred, Private: private}); err != nil {
		return fmt.Errorf("defer interaction %s: %w", ic.ID, err)
	}
	return nil
}

// Update implements platform.Responder. It edits the deferred reply.
func (c *Client) Update(ctx context.Context, ic platform.Interaction, resp platform.Response) error {
	path := fmt.Sprintf("/webhooks/%s/%s/original", url.PathEscape(c.appID), url.PathEscape(ic.Token))
	body := map[string]string{"content": resp.Content}
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("update interaction %s: %w", ic.ID, err)
	}
	return nil
}

// OpenForm implements platform.Responder.
func (c *Client) OpenForm(ctx context.Context, ic platform.Interaction, form platform.Form) error {
	fp := formPayload{ID: form.ID, Title: form.Title}
	for _, f := range form.Fields {
		fp.Fields = append(fp.Fields, fieldPayload{
			ID:          f.ID,
			Label:       f.Label,
			Placeholder: f.Placeholder,
			Required:    f.Required,
		})
	}
	if err := c.callback(ctx, ic, callbackPayload{Type: callbackForm, Form: &fp}); err != nil {
		return fmt.Errorf("open form for interaction %s: %w", ic.ID, err)
	}
	return nil
}

var (
	_ platform.Provisioner = (*Client)(nil)
	_ platform.Directory   = (*Client)(nil)
	_ platform.Responder   = (*Client)(nil)
)
