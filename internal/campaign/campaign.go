// Package campaign implements C7: the campaign lifecycle API that sits
// between the tool surface and the Store, adding the Discord-facing
// validation (does the target message actually exist?) that the Store
// itself has no business knowing about.
package campaign

import (
	"context"
	"time"

	"github.com/beeper/discord-mcp/internal/apperr"
	"github.com/beeper/discord-mcp/internal/engine"
	"github.com/beeper/discord-mcp/internal/store"
)

// Create validates that channelID/messageID resolve to a real Discord
// message (skipped in dry-run, where the bot may not be live-connected)
// before delegating to the Store. A collision against an existing
// non-deleted campaign surfaces as apperr.Duplicate with the existing id.
func Create(ctx context.Context, deps *engine.Deps, title, channelID, messageID, emoji string, remindAt time.Time) (*store.Campaign, error) {
	if !deps.Discord.DryRun() {
		if _, err := deps.Discord.MessageGet(ctx, channelID, messageID); err != nil {
			return nil, err
		}
	}
	return deps.Store.CreateCampaign(ctx, title, channelID, messageID, emoji, remindAt)
}

// Get loads a single campaign by id, failing with InvalidState rather than
// NotFound if the campaign has been deleted (spec §7).
func Get(ctx context.Context, deps *engine.Deps, id int64) (*store.Campaign, error) {
	return deps.Store.GetActiveCampaign(ctx, id)
}

// List returns campaigns, optionally filtered by status.
func List(ctx context.Context, deps *engine.Deps, statusFilter *store.Status) ([]store.Campaign, error) {
	return deps.Store.ListCampaigns(ctx, statusFilter)
}

// ListOptIns returns a cursor page of a campaign's recorded opt-ins.
func ListOptIns(ctx context.Context, deps *engine.Deps, id int64, limit int, afterUserID string) (*store.OptInPage, error) {
	if _, err := deps.Store.GetActiveCampaign(ctx, id); err != nil {
		return nil, err
	}
	return deps.Store.ListOptIns(ctx, id, limit, afterUserID)
}

// UpdateStatus applies a manual status transition (I2), rejecting anything
// the state machine doesn't permit.
func UpdateStatus(ctx context.Context, deps *engine.Deps, id int64, to store.Status) (*store.Campaign, error) {
	if to == store.StatusDeleted {
		return nil, apperr.Newf(apperr.InvalidState, "use Delete to remove campaign %d", id)
	}
	if err := deps.Store.SetStatus(ctx, id, to); err != nil {
		return nil, err
	}
	return deps.Store.GetActiveCampaign(ctx, id)
}

// Delete tombstones a campaign via the Store. Its opt-ins and reminder logs
// are not removed; they remain for audit, while Get and ListOptIns reject
// the tombstoned campaign with InvalidState.
func Delete(ctx context.Context, deps *engine.Deps, id int64) error {
	return deps.Store.DeleteCampaign(ctx, id)
}
