// Command discordmcp runs the campaign engine as a host-protocol stdio
// server: a reaction-based reminder bot for Discord exposed to an AI
// assistant host via MCP tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/beeper/discord-mcp/internal/config"
	"github.com/beeper/discord-mcp/internal/discord"
	"github.com/beeper/discord-mcp/internal/engine"
	"github.com/beeper/discord-mcp/internal/store"
	"github.com/beeper/discord-mcp/internal/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "discordmcp:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	live, err := discord.NewLive(cfg.DiscordToken, cfg.GuildAllowlist, cfg.DryRun, &logger)
	if err != nil {
		return fmt.Errorf("construct discord session: %w", err)
	}

	deps := &engine.Deps{
		Store:   st,
		Discord: live,
		Config:  cfg,
		Logger:  &logger,
	}

	if err := live.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "discord-mcp",
		Version: "0.1.0",
	}, nil)
	tools.Register(server, deps)

	logger.Info().Bool("dry_run", cfg.DryRun).Msg("starting discord-mcp stdio server")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("serve stdio: %w", err)
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}
