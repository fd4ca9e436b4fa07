// Package config loads process configuration from the environment (spec
// §6). Configuration loading and logging setup are external collaborators
// per spec §1, but a runnable repository still needs a concrete, minimal
// implementation of both — godotenv for .env loading (a real pack
// dependency of intelligencedev-manifold and codeready-toolchain-tarsy,
// not the teacher itself) paired with the teacher's own zerolog.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration snapshot threaded into every
// tool handler via engine.Deps (spec §9 "the only process-wide state is
// the configuration snapshot itself").
type Config struct {
	DiscordToken   string
	DBPath         string
	GuildAllowlist []string
	LogLevel       string
	DryRun         bool

	// InterChunkDelay is the floor between chunks of one broadcast (§4.5).
	InterChunkDelay time.Duration
	// InterCampaignDelay is the floor between campaigns in one scheduler
	// tick (§4.6).
	InterCampaignDelay time.Duration
	// MaxSendRetries bounds the RateLimited retry loop in the sender (§4.5).
	MaxSendRetries int
}

const (
	defaultDBPath             = "discord_mcp.db"
	defaultLogLevel           = "info"
	defaultInterChunkDelay    = 1 * time.Second
	defaultInterCampaignDelay = 2 * time.Second
	defaultMaxSendRetries     = 3
)

// Load reads environment variables into a Config, loading a .env file from
// the working directory first if one is present (missing .env is not an
// error, matching godotenv.Load's typical use in the pack).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	token := strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
	if token == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required")
	}

	cfg := &Config{
		DiscordToken:       token,
		DBPath:             envOrDefault("MCP_DISCORD_DB_PATH", defaultDBPath),
		GuildAllowlist:     parseAllowlist(os.Getenv("GUILD_ALLOWLIST")),
		LogLevel:           envOrDefault("LOG_LEVEL", defaultLogLevel),
		DryRun:             parseBool(os.Getenv("DRY_RUN")),
		InterChunkDelay:    defaultInterChunkDelay,
		InterCampaignDelay: defaultInterCampaignDelay,
		MaxSendRetries:     defaultMaxSendRetries,
	}
	return cfg, nil
}

func envOrDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func parseAllowlist(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(raw string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return b
}
