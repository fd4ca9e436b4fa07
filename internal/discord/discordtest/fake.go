// Package discordtest provides an in-memory discord.Session double for
// exercising the campaign engine without a live gateway connection.
package discordtest

import (
	"context"

	"github.com/beeper/discord-mcp/internal/apperr"
	"github.com/beeper/discord-mcp/internal/discord"
)

// Fake is a deterministic, in-memory implementation of discord.Session.
type Fake struct {
	Guilds       []discord.Guild
	Channels     map[string]discord.Channel
	Messages     map[string]discord.Message
	Reactions    map[string][]discord.User // key: channelID+"|"+messageID+"|"+emoji
	SentMessages []SentMessage
	DryRunMode   bool

	// SendErr, when set, is returned by MessageSend according to the policy
	// below instead of sending.
	SendErr error
	// SendErrOnChunk fails MessageSend on this 0-indexed call only. A
	// negative value (other than AlwaysFailSend) means "never".
	SendErrOnChunk int
	sendCalls      int
}

// AlwaysFailSend, when assigned to SendErrOnChunk, makes every MessageSend
// call return SendErr — for exercising a persistently rate-limited sender.
const AlwaysFailSend = -2

type SentMessage struct {
	ChannelID string
	Content   string
	ReplyTo   string
}

func New() *Fake {
	return &Fake{
		Channels:       make(map[string]discord.Channel),
		Messages:       make(map[string]discord.Message),
		Reactions:      make(map[string][]discord.User),
		SendErrOnChunk: -1,
	}
}

func reactionKey(channelID, messageID, emoji string) string {
	return channelID + "|" + messageID + "|" + emoji
}

func (f *Fake) AddReactor(channelID, messageID, emoji string, u discord.User) {
	key := reactionKey(channelID, messageID, emoji)
	f.Reactions[key] = append(f.Reactions[key], u)
}

func (f *Fake) EnsureConnected(ctx context.Context) error { return nil }

func (f *Fake) GuildList(ctx context.Context) ([]discord.Guild, error) { return f.Guilds, nil }

func (f *Fake) ChannelGet(ctx context.Context, channelID string) (*discord.Channel, error) {
	ch, ok := f.Channels[channelID]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "channel %s not found", channelID)
	}
	return &ch, nil
}

func (f *Fake) ChannelList(ctx context.Context, guildID string, typeFilter *int) ([]discord.Channel, error) {
	var out []discord.Channel
	for _, ch := range f.Channels {
		if ch.GuildID != guildID {
			continue
		}
		if typeFilter != nil && ch.Type != *typeFilter {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func (f *Fake) RecentMessages(ctx context.Context, channelID string, limit int) ([]discord.Message, error) {
	var out []discord.Message
	for _, m := range f.Messages {
		if m.ChannelID != channelID {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) Status(ctx context.Context) (*discord.BotStatus, error) {
	return &discord.BotStatus{Connected: true, Username: "test-bot", GuildCount: len(f.Guilds), DryRun: f.DryRunMode}, nil
}

func (f *Fake) MessageGet(ctx context.Context, channelID, messageID string) (*discord.Message, error) {
	m, ok := f.Messages[channelID+"|"+messageID]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "message %s not found", messageID)
	}
	return &m, nil
}

func (f *Fake) AddMessage(m discord.Message) {
	f.Messages[m.ChannelID+"|"+m.ID] = m
}

func (f *Fake) ReactionUsers(ctx context.Context, channelID, messageID, emoji string) func(yield func(discord.User, error) bool) {
	key := reactionKey(channelID, messageID, emoji)
	users := f.Reactions[key]
	return func(yield func(discord.User, error) bool) {
		for _, u := range users {
			if !yield(u, nil) {
				return
			}
		}
	}
}

func (f *Fake) MessageSend(ctx context.Context, channelID, content string, replyTo string) (string, error) {
	defer func() { f.sendCalls++ }()
	if f.SendErr != nil && (f.SendErrOnChunk == AlwaysFailSend || f.sendCalls == f.SendErrOnChunk) {
		return "", f.SendErr
	}
	if f.DryRunMode {
		return "dry-run-id", nil
	}
	f.SentMessages = append(f.SentMessages, SentMessage{ChannelID: channelID, Content: content, ReplyTo: replyTo})
	return "msg-id", nil
}

func (f *Fake) IsBot(u discord.User) bool { return u.Bot }

func (f *Fake) DryRun() bool { return f.DryRunMode }
