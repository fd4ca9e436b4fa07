package engine

import (
	"context"
	"time"

	"github.com/beeper/discord-mcp/internal/apperr"
	"github.com/beeper/discord-mcp/internal/store"
)

// SendResult reports the outcome of one Send invocation (spec §4.5).
type SendResult struct {
	RecipientCount int
	ChunksSent     int
	ChunksTotal    int
	Completed      bool
}

// Send implements C5: render a campaign's reminder via Build and deliver its
// chunks to the campaign's channel in order, honoring RateLimited with a
// bounded retry loop, recording exactly one ReminderLog row, and advancing
// the campaign to completed only on full success.
func Send(ctx context.Context, deps *Deps, campaignID int64, tmpl *string, dryRun bool) (*SendResult, error) {
	c, err := deps.Store.GetActiveCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != store.StatusActive {
		return nil, apperr.Newf(apperr.InvalidState, "campaign %d is not active (status=%s)", campaignID, c.Status)
	}

	built, err := Build(ctx, deps, campaignID, tmpl)
	if err != nil {
		return nil, err
	}

	// O3 commits Build to always returning at least one chunk, so the
	// "chunks is empty" branch of §4.5 step 3 is unreachable; a campaign
	// with zero opt-ins still gets its single header-only chunk sent and
	// logged, advancing to completed like any other run.
	result := &SendResult{RecipientCount: built.RecipientCount, ChunksTotal: len(built.Chunks)}

	var replyTo string
	var sendErr error
	for i, chunk := range built.Chunks {
		sendErr = sendWithRetry(ctx, deps, c.ChannelID, chunk, replyTo, dryRun)
		if sendErr != nil {
			break
		}
		result.ChunksSent++
		if i == 0 {
			replyTo = c.MessageID
		}
		if i < len(built.Chunks)-1 {
			sleep(ctx, deps.Config.InterChunkDelay)
		}
	}

	success := sendErr == nil
	result.Completed = success
	errMessage := ""
	if sendErr != nil {
		errMessage = sendErr.Error()
	}
	if logErr := deps.Store.AppendReminderLog(ctx, campaignID, time.Now().UTC(), result.RecipientCount, result.ChunksSent, success, errMessage); logErr != nil {
		return nil, logErr
	}

	if success {
		if err := deps.Store.SetStatus(ctx, campaignID, store.StatusCompleted); err != nil {
			return nil, err
		}
		return result, nil
	}
	return result, sendErr
}

// sendWithRetry delivers one chunk, retrying a bounded number of times when
// Discord reports RateLimited (spec §4.5 "Rate limits"). Any other error
// kind is returned immediately without retrying. Per spec §4.5 step 4, a
// per-invocation dryRun=true skips the call to C2.MessageSend entirely —
// this is independent of the Discord session's own global DRY-RUN mode,
// which instead governs every operation C2 performs regardless of caller.
func sendWithRetry(ctx context.Context, deps *Deps, channelID, content, replyTo string, dryRun bool) error {
	if dryRun {
		return nil
	}
	var lastErr error
	attempts := deps.Config.MaxSendRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		_, err := deps.Discord.MessageSend(ctx, channelID, content, replyTo)
		if err == nil {
			return nil
		}
		lastErr = err
		if !apperr.Is(err, apperr.RateLimited) {
			return err
		}
		sleep(ctx, retryDelay(err))
	}
	return lastErr
}

func retryDelay(err error) time.Duration {
	if e := apperr.As(err); e != nil {
		if d, ok := e.Data["retry_after"].(time.Duration); ok {
			return d
		}
	}
	return time.Second
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
