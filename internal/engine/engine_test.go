package engine_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/beeper/discord-mcp/internal/apperr"
	"github.com/beeper/discord-mcp/internal/config"
	"github.com/beeper/discord-mcp/internal/discord"
	"github.com/beeper/discord-mcp/internal/discord/discordtest"
	"github.com/beeper/discord-mcp/internal/engine"
	"github.com/beeper/discord-mcp/internal/store"
)

func newDeps(t *testing.T) (*engine.Deps, *discordtest.Fake) {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	require.NoError(t, err)
	s, err := store.OpenWithDB(context.Background(), db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fake := discordtest.New()
	logger := zerolog.Nop()
	deps := &engine.Deps{
		Store:   s,
		Discord: fake,
		Config: &config.Config{
			InterChunkDelay:    0,
			InterCampaignDelay: 0,
			MaxSendRetries:     2,
		},
		Logger: &logger,
	}
	return deps, fake
}

func TestTallySkipsBotsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	fake.AddReactor("chan1", "msg1", "✅", discord.User{ID: "u1", DisplayName: "Alice"})
	fake.AddReactor("chan1", "msg1", "✅", discord.User{ID: "u2", DisplayName: "Bob"})
	fake.AddReactor("chan1", "msg1", "✅", discord.User{ID: "bot1", DisplayName: "Helper", Bot: true})

	res, err := engine.Tally(ctx, deps, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.NewOptIns)
	require.Equal(t, 0, res.ExistingOptIns)
	require.Equal(t, 2, res.Total)

	// L1: re-running with unchanged reactions yields no new opt-ins.
	res2, err := engine.Tally(ctx, deps, c.ID)
	require.NoError(t, err)
	require.Equal(t, 0, res2.NewOptIns)
	require.Equal(t, 2, res2.ExistingOptIns)
}

func TestTallyRejectsDeletedCampaign(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	require.NoError(t, deps.Store.DeleteCampaign(ctx, c.ID))

	_, err = engine.Tally(ctx, deps, c.ID)
	require.True(t, apperr.Is(err, apperr.InvalidState))

	_, err = engine.Tally(ctx, deps, c.ID+1000)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestBuildRejectsDeletedCampaign(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	require.NoError(t, deps.Store.DeleteCampaign(ctx, c.ID))

	_, err = engine.Build(ctx, deps, c.ID, nil)
	require.True(t, apperr.Is(err, apperr.InvalidState))
}

func TestBuildEmptyOptInsYieldsSingleHeaderChunk(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})

	built, err := engine.Build(ctx, deps, c.ID, nil)
	require.NoError(t, err)
	require.Len(t, built.Chunks, 1)
	require.Equal(t, 0, built.RecipientCount)
	require.Contains(t, built.Chunks[0], "Game night")
}

func TestBuildSplitsChunksAtMaxLength(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})

	// Each mention token is "<@user-NNN>" (~11 chars); 250 of them comfortably
	// overflow one 2000-code-point chunk and force at least one continuation.
	for i := 0; i < 250; i++ {
		_, err := deps.Store.UpsertOptIn(ctx, c.ID, fmt.Sprintf("user-%03d", i), "")
		require.NoError(t, err)
	}

	built, err := engine.Build(ctx, deps, c.ID, nil)
	require.NoError(t, err)
	require.Greater(t, len(built.Chunks), 1)
	require.Equal(t, 250, built.RecipientCount)

	for _, chunk := range built.Chunks {
		require.LessOrEqual(t, len([]rune(chunk)), engine.MaxChunkLength)
	}
	require.Contains(t, built.Chunks[1], "(cont.)")

	// O2: mentions reproduce insertion order across the whole chunk set.
	var allMentions []string
	for _, chunk := range built.Chunks {
		for _, tok := range strings.Fields(chunk) {
			if strings.HasPrefix(tok, "<@user-") {
				allMentions = append(allMentions, tok)
			}
		}
	}
	require.Equal(t, "<@user-000>", allMentions[0])
	require.Equal(t, "<@user-249>", allMentions[len(allMentions)-1])
}

func TestBuildCustomTemplateWithExplicitPlaceholder(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	_, err = deps.Store.UpsertOptIn(ctx, c.ID, "u1", "Alice")
	require.NoError(t, err)

	tmpl := "Don't forget {{title}} ({{total_optins}} signed up): {{mentions_placeholder}} — see you there!\n"
	built, err := engine.Build(ctx, deps, c.ID, &tmpl)
	require.NoError(t, err)
	require.Len(t, built.Chunks, 1)
	require.Equal(t, "Don't forget Game night (1 signed up): <@u1> — see you there!\n", built.Chunks[0])
}

func TestBuildCustomTemplateWithoutPlaceholderAppendsMentions(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	_, err = deps.Store.UpsertOptIn(ctx, c.ID, "u1", "Alice")
	require.NoError(t, err)

	tmpl := "Heads up about {{title}}!"
	built, err := engine.Build(ctx, deps, c.ID, &tmpl)
	require.NoError(t, err)
	require.Len(t, built.Chunks, 1)
	require.Equal(t, "Heads up about Game night!\n<@u1>", built.Chunks[0])
}

func TestSendCompletesAndAdvancesStatus(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	_, err = deps.Store.UpsertOptIn(ctx, c.ID, "u1", "Alice")
	require.NoError(t, err)

	result, err := engine.Send(ctx, deps, c.ID, nil, false)
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, 1, result.RecipientCount)
	require.Equal(t, result.ChunksTotal, result.ChunksSent)
	require.Len(t, fake.SentMessages, 1)
	require.Contains(t, fake.SentMessages[0].Content, "<@u1>")

	updated, err := deps.Store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, updated.Status)

	logs, err := deps.Store.ListReminderLogs(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.True(t, logs[0].Success)
}

func TestSendDryRunSkipsDiscordButStillLogsAndCompletes(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	_, err = deps.Store.UpsertOptIn(ctx, c.ID, "u1", "Alice")
	require.NoError(t, err)

	result, err := engine.Send(ctx, deps, c.ID, nil, true)
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Empty(t, fake.SentMessages)

	updated, err := deps.Store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, updated.Status)

	logs, err := deps.Store.ListReminderLogs(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.True(t, logs[0].Success)
}

func TestSendRejectsDeletedCampaign(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	require.NoError(t, deps.Store.DeleteCampaign(ctx, c.ID))

	_, err = engine.Send(ctx, deps, c.ID, nil, false)
	require.True(t, apperr.Is(err, apperr.InvalidState))
}

func TestSendRetriesOnRateLimitThenFails(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	fake.SendErr = apperr.New(apperr.RateLimited, "slow down")
	fake.SendErrOnChunk = discordtest.AlwaysFailSend

	result, err := engine.Send(ctx, deps, c.ID, nil, false)
	require.Error(t, err)
	require.False(t, result.Completed)

	updated, err := deps.Store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, updated.Status)

	logs, err := deps.Store.ListReminderLogs(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.False(t, logs[0].Success)
}

func TestRunDueSendsEachCampaignEvenAfterTallyFailure(t *testing.T) {
	ctx := context.Background()
	deps, fake := newDeps(t)

	c, err := deps.Store.CreateCampaign(ctx, "", "chan1", "msg1", "✅", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	// No message registered in the fake: MessageGet inside Tally fails, but
	// Send must still run against whatever opt-ins already exist.
	_, err = deps.Store.UpsertOptIn(ctx, c.ID, "u1", "Alice")
	require.NoError(t, err)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	// Remove the message after creating so Tally fails while Send's own
	// MessageGet call is not exercised (Send does not require the message).
	delete(fake.Messages, "chan1|msg1")

	outcomes, err := engine.RunDue(ctx, deps, time.Now())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].TallyErr)
	require.NoError(t, outcomes[0].SendErr)
	require.True(t, outcomes[0].Send.Completed)

	updated, err := deps.Store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, updated.Status)
}
