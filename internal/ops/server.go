// Package ops exposes the operational HTTP surface: health, prometheus
// metrics, and read-only JSON snapshots of the live registry behind a
// static bearer token.
package ops

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/takrit/guildkeeper/internal/registry"
)

// Router serves the ops endpoints.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	registry *registry.Registry
	token    string
	gateway  func() bool
}

// NewRouter constructs the ops router. gatewayUp reports whether the event
// stream is currently connected; token guards the snapshot endpoints.
func NewRouter(logger *slog.Logger, reg *registry.Registry, token string, gatewayUp func() bool) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "ops"),
		registry: reg,
		token:    strings.TrimSpace(token),
		gateway:  gatewayUp,
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.HandleFunc("/squads", r.handleSquads)
	r.mux.HandleFunc("/tickets", r.handleTickets)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	up := r.gateway == nil || r.gateway()
	status := "ok"
	code := http.StatusOK
	if !up {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]any{
			"gateway": map[string]any{"connected": up},
		},
		"squads":    len(r.registry.Squads()),
		"tickets":   len(r.registry.Tickets()),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type squadView struct {
	Name           string    `json:"name"`
	OwnerID        string    `json:"owner_id"`
	VoiceChannelID string    `json:"voice_channel_id"`
	TextChannelID  string    `json:"text_channel_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r *Router) handleSquads(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !r.authorize(w, req) {
		return
	}
	squads := r.registry.Squads()
	views := make([]squadView, 0, len(squads))
	for _, sq := range squads {
		views = append(views, squadView{
			Name:           sq.Name,
			OwnerID:        sq.OwnerID,
			VoiceChannelID: sq.VoiceChannelID,
			TextChannelID:  sq.TextChannelID,
			CreatedAt:      sq.CreatedAt,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	r.writeJSON(w, http.StatusOK, views)
}

type ticketView struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Router) handleTickets(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !r.authorize(w, req) {
		return
	}
	tickets := r.registry.Tickets()
	views := make([]ticketView, 0, len(tickets))
	for _, tk := range tickets {
		views = append(views, ticketView{
			UserID:    tk.UserID,
			ChannelID: tk.ChannelID,
			CreatedAt: tk.CreatedAt,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	r.writeJSON(w, http.StatusOK, views)
}

// authorize enforces the static bearer token on snapshot endpoints.
func (r *Router) authorize(w http.ResponseWriter, req *http.Request) bool {
	if r.token == "" {
		r.logger.Error("ops token not configured", "path", req.URL.Path)
		r.writeError(w, http.StatusInternalServerError, "ops authentication misconfigured")
		return false
	}
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if len(token) != len(r.token) || subtle.ConstantTimeCompare([]byte(token), []byte(r.token)) != 1 {
		r.logger.Warn("ops token mismatch", "path", req.URL.Path)
		r.writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
