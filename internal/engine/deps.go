// Package engine implements C3 (Tally), C4 (Reminder Builder), C5 (Reminder
// Sender), and C6 (Due-Campaign Scheduler) — the core of the campaign
// engine.
package engine

import (
	"github.com/rs/zerolog"

	"github.com/beeper/discord-mcp/internal/config"
	"github.com/beeper/discord-mcp/internal/discord"
	"github.com/beeper/discord-mcp/internal/store"
)

// Deps is the explicit dependency bundle threaded through every handler,
// replacing the source's global singleton (spec §9 re-architecture note):
// "the only process-wide state is the configuration snapshot itself."
type Deps struct {
	Store   *store.Store
	Discord discord.Session
	Config  *config.Config
	Logger  *zerolog.Logger
}
