package campaign_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/beeper/discord-mcp/internal/apperr"
	"github.com/beeper/discord-mcp/internal/campaign"
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
	return &engine.Deps{
		Store:   s,
		Discord: fake,
		Config:  &config.Config{},
		Logger:  &logger,
	}, fake
}

func TestCreateRejectsMissingMessageOutsideDryRun(t *testing.T) {
	deps, _ := newDeps(t)
	_, err := campaign.Create(context.Background(), deps, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestCreateSucceedsInDryRunWithoutLiveMessage(t *testing.T) {
	deps, fake := newDeps(t)
	fake.DryRunMode = true
	c, err := campaign.Create(context.Background(), deps, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "Game night", c.Title)
}

func TestCreateSurfacesDuplicateWithExistingID(t *testing.T) {
	deps, fake := newDeps(t)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})

	c1, err := campaign.Create(context.Background(), deps, "Game night", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = campaign.Create(context.Background(), deps, "Game night 2", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	appErr, ok := err.(*apperr.Error)
	require.True(t, ok)
	require.Equal(t, apperr.Duplicate, appErr.Kind)
	require.Equal(t, c1.ID, appErr.Data["campaign_id"])
}

func TestUpdateStatusRejectsDeleteTransition(t *testing.T) {
	deps, fake := newDeps(t)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	c, err := campaign.Create(context.Background(), deps, "", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = campaign.UpdateStatus(context.Background(), deps, c.ID, store.StatusDeleted)
	require.True(t, apperr.Is(err, apperr.InvalidState))

	updated, err := campaign.UpdateStatus(context.Background(), deps, c.ID, store.StatusCancelled)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, updated.Status)
}

func TestDeleteThenListOptInsAndGetRejectAsInvalidState(t *testing.T) {
	deps, fake := newDeps(t)
	fake.AddMessage(discord.Message{ID: "msg1", ChannelID: "chan1"})
	c, err := campaign.Create(context.Background(), deps, "", "chan1", "msg1", "✅", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, campaign.Delete(context.Background(), deps, c.ID))

	_, err = campaign.ListOptIns(context.Background(), deps, c.ID, 10, "")
	require.True(t, apperr.Is(err, apperr.InvalidState))

	_, err = campaign.Get(context.Background(), deps, c.ID)
	require.True(t, apperr.Is(err, apperr.InvalidState))

	_, err = campaign.Get(context.Background(), deps, c.ID+1000)
	require.True(t, apperr.Is(err, apperr.NotFound))
}
