package engine

import (
	"context"
	"time"
)

// DueOutcome reports what happened to one due campaign during a scheduler
// tick (spec §4.6).
type DueOutcome struct {
	CampaignID int64
	TallyErr   error
	SendErr    error
	Send       *SendResult
}

// RunDue implements C6: tally and send every campaign whose remind_at has
// passed, oldest first, pausing InterCampaignDelay between campaigns so a
// large backlog doesn't burst through Discord's rate limits. A tally
// failure is logged on the outcome but does not block the send — per the
// resolved Open Question, a campaign still reminds whoever it already
// knows about even if refreshing the reactor list failed.
func RunDue(ctx context.Context, deps *Deps, now time.Time) ([]DueOutcome, error) {
	due, err := deps.Store.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}

	outcomes := make([]DueOutcome, 0, len(due))
	for i, c := range due {
		outcome := DueOutcome{CampaignID: c.ID}

		if _, err := Tally(ctx, deps, c.ID); err != nil {
			outcome.TallyErr = err
			deps.Logger.Warn().Err(err).Int64("campaign_id", c.ID).Msg("tally failed before scheduled send")
		}

		sendResult, err := Send(ctx, deps, c.ID, nil, deps.Config.DryRun)
		outcome.Send = sendResult
		outcome.SendErr = err
		if err != nil {
			deps.Logger.Error().Err(err).Int64("campaign_id", c.ID).Msg("scheduled send failed")
		}

		outcomes = append(outcomes, outcome)
		if i < len(due)-1 {
			sleep(ctx, deps.Config.InterCampaignDelay)
		}
	}
	return outcomes, nil
}
