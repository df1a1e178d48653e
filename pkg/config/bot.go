package config

import "time"

// BotConfig holds runtime configuration for the guildkeeper service.
type BotConfig struct {
	Environment string
	LogLevel    string

	BotToken   string
	APIBaseURL string
	GatewayURL string
	GuildID    string
	AppID      string

	SquadCategoryID  string
	LobbyChannelID   string
	SupportChannelID string
	RulesChannelID   string
	RolesChannelID   string

	AdminRoleName      string
	VerifiedRoleName   string
	UnverifiedRoleName string
	PlayerRoleName     string

	SquadCapacity    int
	ReapGrace        time.Duration
	TicketCloseDelay time.Duration
	EventQueueSize   int

	CreateCooldownLimit  int
	CreateCooldownWindow time.Duration

	DatabaseURL   string
	MigrationsDir string

	RedisAddr string
	RedisPass string
	RedisDB   int

	OpsAddr  string
	OpsToken string
}

// LoadBotConfig constructs a BotConfig from environment variables.
func LoadBotConfig() BotConfig {
	return BotConfig{
		Environment: GetString("APP_ENV", "development"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		BotToken:   GetString("BOT_TOKEN", ""),
		APIBaseURL: GetString("PLATFORM_API_URL", "https://api.platform.local"),
		GatewayURL: GetString("PLATFORM_GATEWAY_URL", "wss://gateway.platform.local"),
		GuildID:    GetString("GUILD_ID", ""),
		AppID:      GetString("APP_ID", ""),

		SquadCategoryID:  GetString("SQUAD_CATEGORY_ID", ""),
		LobbyChannelID:   GetString("LOBBY_CHANNEL_ID", ""),
		SupportChannelID: GetString("SUPPORT_CHANNEL_ID", ""),
		RulesChannelID:   GetString("RULES_CHANNEL_ID", ""),
		RolesChannelID:   GetString("ROLES_CHANNEL_ID", ""),

		AdminRoleName:      GetString("ADMIN_ROLE_NAME", "Admin"),
		VerifiedRoleName:   GetString("VERIFIED_ROLE_NAME", "Verified"),
		UnverifiedRoleName: GetString("UNVERIFIED_ROLE_NAME", "Unverified"),
		PlayerRoleName:     GetString("PLAYER_ROLE_NAME", "Player"),

		SquadCapacity:    GetInt("SQUAD_CAPACITY", 6),
		ReapGrace:        GetDuration("REAP_GRACE_SECONDS", 10*time.Second, time.Second),
		TicketCloseDelay: GetDuration("TICKET_CLOSE_DELAY_SECONDS", 5*time.Second, time.Second),
		EventQueueSize:   GetInt("EVENT_QUEUE_SIZE", 256),

		CreateCooldownLimit:  GetInt("CREATE_COOLDOWN_LIMIT", 3),
		CreateCooldownWindow: GetDuration("CREATE_COOLDOWN_WINDOW_SECONDS", time.Minute, time.Second),

		DatabaseURL:   GetString("DATABASE_URL", ""),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		RedisAddr: GetString("COOLDOWN_REDIS_ADDR", ""),
		RedisPass: GetString("COOLDOWN_REDIS_PASS", ""),
		RedisDB:   GetInt("COOLDOWN_REDIS_DB", 0),

		OpsAddr:  GetString("OPS_ADDR", ":9090"),
		OpsToken: GetString("OPS_TOKEN", ""),
	}
}
