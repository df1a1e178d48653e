package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/takrit/guildkeeper/internal/audit"
	auditpg "github.com/takrit/guildkeeper/internal/audit/postgres"
	"github.com/takrit/guildkeeper/internal/commands"
	"github.com/takrit/guildkeeper/internal/events"
	"github.com/takrit/guildkeeper/internal/limiter"
	"github.com/takrit/guildkeeper/internal/ops"
	"github.com/takrit/guildkeeper/internal/platform"
	"github.com/takrit/guildkeeper/internal/platform/guild"
	"github.com/takrit/guildkeeper/internal/registry"
	"github.com/takrit/guildkeeper/internal/service/presence"
	"github.com/takrit/guildkeeper/internal/service/setup"
	"github.com/takrit/guildkeeper/internal/service/squad"
	"github.com/takrit/guildkeeper/internal/service/ticket"
	"github.com/takrit/guildkeeper/pkg/config"
	"github.com/takrit/guildkeeper/pkg/logger"
)

func main() {
	cfg := config.LoadBotConfig()
	log := logger.New("guildkeeper", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := guild.New(cfg.APIBaseURL, cfg.BotToken, cfg.GuildID, cfg.AppID)
	if err != nil {
		log.Error("failed to configure platform client", "error", err)
		os.Exit(1)
	}

	sink := openAuditSink(ctx, cfg, log)
	defer sink.Close()

	reg := registry.New()
	metrics := ops.NewMetrics()

	dispatcher := events.New(log,
		events.WithQueueSize(cfg.EventQueueSize),
		events.WithObserver(metrics.ObserveEvent, func(string) { metrics.ObserveDrop() }),
	)
	go dispatcher.Run(ctx)

	// Timers route their fire back through the dispatcher so expiry
	// handling serializes with everything else.
	schedule := func(delay time.Duration, name string, fn func(context.Context)) {
		time.AfterFunc(delay, func() {
			dispatcher.Dispatch(name, fn)
		})
	}

	lim := limiter.NewMemory()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := limiter.NewRedis(addr, cfg.RedisPass, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis cooldown limiter unavailable", "error", err)
		} else {
			lim.Close()
			lim = redisLimiter
		}
	}
	defer lim.Close()

	setupSvc := setup.New(client, client, log, cfg.AppID)
	roles, err := setupSvc.Run(ctx, buildPlan(cfg))
	if err != nil {
		log.Error("startup pass incomplete", "error", err)
		roles = map[string]platform.Role{}
	}

	squads := squad.New(reg, client, client, sink, log, cfg.SquadCategoryID, cfg.SquadCapacity)
	presenceSvc := presence.New(reg, client, squads, sink, log, presence.Scheduler(schedule), cfg.SquadCapacity, cfg.ReapGrace)
	presenceSvc.SetCounters(metrics.ObserveEviction, metrics.ObserveReap)
	tickets := ticket.New(reg, client, client, sink, log, ticket.Scheduler(schedule), roles[cfg.AdminRoleName], cfg.TicketCloseDelay)

	router := commands.New(reg, squads, tickets, client, client, client, lim, log,
		commands.Cooldowns{CreateLimit: cfg.CreateCooldownLimit, CreateWindow: cfg.CreateCooldownWindow},
		commands.RoleGrants{
			Verified:   roles[cfg.VerifiedRoleName],
			Unverified: roles[cfg.UnverifiedRoleName],
			Player:     roles[cfg.PlayerRoleName],
		},
	)
	router.SetOutcomeObserver(metrics.ObserveCommand)

	gateway, err := guild.NewGateway(cfg.GatewayURL, cfg.BotToken, cfg.GuildID, guild.Handlers{
		OnInteraction: func(ic platform.Interaction) {
			dispatcher.Dispatch("interaction:"+ic.ActionID, func(ctx context.Context) {
				router.HandleInteraction(ctx, ic)
			})
		},
		OnVoiceState: func(vs platform.VoiceState) {
			dispatcher.Dispatch("voice_state", func(ctx context.Context) {
				presenceSvc.HandleVoiceState(ctx, vs)
			})
		},
	}, log)
	if err != nil {
		log.Error("failed to configure gateway", "error", err)
		os.Exit(1)
	}

	errorCh := make(chan error, 2)
	go func() {
		errorCh <- gateway.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           ops.NewRouter(log, reg, cfg.OpsToken, gateway.Connected),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("ops server starting", "addr", cfg.OpsAddr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("guildkeeper stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openAuditSink connects the postgres trail when a database is configured,
// applying migrations first. Without a database the trail is disabled.
func openAuditSink(ctx context.Context, cfg config.BotConfig, log *slog.Logger) audit.Sink {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		log.Info("audit trail disabled, no database configured")
		return audit.Nop{}
	}
	runner, err := auditpg.NewRunner(dsn, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	pool, err := auditpg.Connect(ctx, dsn)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	sink, err := auditpg.New(pool, log)
	if err != nil {
		log.Error("failed to configure audit sink", "error", err)
		os.Exit(1)
	}
	return sink
}

// buildPlan assembles the startup worklist from configuration: the roles
// that must exist, the static permission seeds, and the button-bearing
// entry messages.
func buildPlan(cfg config.BotConfig) setup.Plan {
	plan := setup.Plan{
		Roles: []setup.RoleSpec{
			{Name: cfg.AdminRoleName, Color: "#e74c3c"},
			{Name: cfg.VerifiedRoleName, Color: "#2ecc71"},
			{Name: cfg.UnverifiedRoleName, Color: "#95a5a6"},
			{Name: cfg.PlayerRoleName, Color: "#3498db"},
		},
	}

	if cfg.LobbyChannelID != "" {
		plan.Surfaces = append(plan.Surfaces, setup.EntrySurface{
			ChannelID: cfg.LobbyChannelID,
			Message: platform.Message{
				Title:   "Squad Channels",
				Body:    fmt.Sprintf("Create a private voice and text channel for your squad (up to %d members).", cfg.SquadCapacity),
				Buttons: []platform.Button{{ID: commands.ActionCreateSquad, Label: "Create Squad", Style: "primary"}},
			},
		})
	}
	if cfg.SupportChannelID != "" {
		plan.Surfaces = append(plan.Surfaces, setup.EntrySurface{
			ChannelID: cfg.SupportChannelID,
			Message: platform.Message{
				Title:   "Support",
				Body:    "Need help? Open a private ticket and an admin will be with you shortly.",
				Buttons: []platform.Button{{ID: commands.ActionCreateTicket, Label: "Open Ticket", Style: "primary"}},
			},
		})
	}
	if cfg.RulesChannelID != "" {
		plan.Surfaces = append(plan.Surfaces, setup.EntrySurface{
			ChannelID: cfg.RulesChannelID,
			Message: platform.Message{
				Title:   "Verification",
				Body:    "Read the rules, then press the button below to verify and unlock the server.",
				Buttons: []platform.Button{{ID: commands.ActionVerify, Label: "Verify", Style: "success"}},
			},
		})
		plan.Grants = append(plan.Grants, muteGrants(cfg.RulesChannelID)...)
	}
	if cfg.RolesChannelID != "" {
		plan.Surfaces = append(plan.Surfaces, setup.EntrySurface{
			ChannelID: cfg.RolesChannelID,
			Message: platform.Message{
				Title:   "Game Roles",
				Body:    fmt.Sprintf("Press the button to receive the %s role and get pinged for sessions.", cfg.PlayerRoleName),
				Buttons: []platform.Button{{ID: commands.ActionPlayerRole, Label: cfg.PlayerRoleName, Style: "secondary"}},
			},
		})
	}
	return plan
}

// muteGrants keeps entry channels read-only for everyone.
func muteGrants(channelID string) []setup.ChannelGrant {
	return []setup.ChannelGrant{{
		ChannelID: channelID,
		Overwrite: platform.Overwrite{
			PrincipalID:   "everyone",
			PrincipalKind: platform.PrincipalEveryone,
			Allow:         []platform.Permission{platform.PermView, platform.PermHistory},
			Deny:          []platform.Permission{platform.PermSend, platform.PermReact},
		},
	}}
}
