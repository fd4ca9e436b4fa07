package engine

import (
	"context"

	"github.com/beeper/discord-mcp/internal/store"
)

// TallyResult reports the outcome of one Tally invocation (spec §4.3).
type TallyResult struct {
	Total          int
	NewOptIns      int
	ExistingOptIns int
}

// Tally implements C3: read current reactors of a campaign's tracked emoji
// from Discord and reconcile them into the opt-in set. It is idempotent —
// a second run with unchanged reactions returns NewOptIns=0 (law L1).
func Tally(ctx context.Context, deps *Deps, campaignID int64) (*TallyResult, error) {
	c, err := deps.Store.GetActiveCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if _, err := deps.Discord.MessageGet(ctx, c.ChannelID, c.MessageID); err != nil {
		return nil, err
	}

	result := &TallyResult{}
	var iterErr error
	for user, err := range deps.Discord.ReactionUsers(ctx, c.ChannelID, c.MessageID, c.Emoji) {
		if err != nil {
			iterErr = err
			break
		}
		if deps.Discord.IsBot(user) {
			continue
		}
		outcome, err := deps.Store.UpsertOptIn(ctx, campaignID, user.ID, user.DisplayName)
		if err != nil {
			return nil, err
		}
		if outcome == store.Inserted {
			result.NewOptIns++
		} else {
			result.ExistingOptIns++
		}
	}
	if iterErr != nil {
		return nil, iterErr
	}
	result.Total = result.NewOptIns + result.ExistingOptIns
	return result, nil
}
