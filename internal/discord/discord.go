// Package discord implements C2: a thin, allowlist- and DRY-RUN-aware
// wrapper around a single long-lived discordgo session.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/beeper/discord-mcp/internal/apperr"
)

// MaxMessageLength is Discord's per-message code-point ceiling (spec §4.4).
const MaxMessageLength = 2000

// User is the subset of Discord user fields the engine needs.
type User struct {
	ID          string
	Username    string
	DisplayName string
	Bot         bool
}

// Channel is the subset of channel fields surfaced to tool callers.
type Channel struct {
	ID      string
	GuildID string
	Name    string
	Type    int
}

// Guild is the subset of guild fields surfaced to tool callers.
type Guild struct {
	ID   string
	Name string
}

// Message is the subset of message fields surfaced to tool callers.
type Message struct {
	ID        string
	ChannelID string
	Content   string
	AuthorID  string
}

// BotStatus reports the connection state and identity exposed by bot_status.
type BotStatus struct {
	Connected  bool
	Username   string
	GuildCount int
	DryRun     bool
}

// Session is the contract the campaign engine consumes (spec §4.2). A fake
// implementation backs the engine's unit tests; Live wraps a real
// *discordgo.Session for production use.
type Session interface {
	EnsureConnected(ctx context.Context) error
	GuildList(ctx context.Context) ([]Guild, error)
	ChannelList(ctx context.Context, guildID string, typeFilter *int) ([]Channel, error)
	ChannelGet(ctx context.Context, channelID string) (*Channel, error)
	MessageGet(ctx context.Context, channelID, messageID string) (*Message, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
	// ReactionUsers returns a restartable, re-traversable iterator over every
	// user who reacted to messageID with emoji. Calling it again starts a
	// fresh traversal from the beginning (spec §4.2).
	ReactionUsers(ctx context.Context, channelID, messageID, emoji string) func(yield func(User, error) bool)
	MessageSend(ctx context.Context, channelID, content string, replyTo string) (string, error)
	IsBot(u User) bool
	DryRun() bool
	Status(ctx context.Context) (*BotStatus, error)
}

// Live wraps a real discordgo session with the allowlist and DRY-RUN
// semantics described in spec §4.2.
type Live struct {
	session   *discordgo.Session
	allowlist map[string]bool // empty => unrestricted
	dryRun    bool
	logger    *zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewLive constructs a Live session from a bot token. It does not connect
// until EnsureConnected is called.
func NewLive(token string, guildAllowlist []string, dryRun bool, logger *zerolog.Logger) (*Live, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "construct discord session", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildMessageReactions |
		discordgo.IntentMessageContent

	allow := make(map[string]bool, len(guildAllowlist))
	for _, g := range guildAllowlist {
		g = strings.TrimSpace(g)
		if g != "" {
			allow[g] = true
		}
	}

	return &Live{
		session:   session,
		allowlist: allow,
		dryRun:    dryRun,
		logger:    logger,
	}, nil
}

func (l *Live) DryRun() bool { return l.dryRun }

// EnsureConnected idempotently establishes the gateway session (spec §4.2).
func (l *Live) EnsureConnected(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return nil
	}
	if err := l.session.Open(); err != nil {
		return apperr.Wrap(apperr.NotConnected, "open discord gateway session", err)
	}
	l.connected = true
	return nil
}

func (l *Live) guildAllowed(guildID string) bool {
	if len(l.allowlist) == 0 {
		return true
	}
	return l.allowlist[guildID]
}

func (l *Live) checkChannelAllowed(channelID string) (*discordgo.Channel, error) {
	ch, err := l.session.Channel(channelID)
	if err != nil {
		return nil, classifyRESTError(err, "fetch channel")
	}
	if !l.guildAllowed(ch.GuildID) {
		return nil, apperr.Newf(apperr.Forbidden, "guild %s is not in the allowlist", ch.GuildID)
	}
	return ch, nil
}

func (l *Live) GuildList(ctx context.Context) ([]Guild, error) {
	guilds := l.session.State.Guilds
	out := make([]Guild, 0, len(guilds))
	for _, g := range guilds {
		if !l.guildAllowed(g.ID) {
			continue
		}
		out = append(out, Guild{ID: g.ID, Name: g.Name})
	}
	return out, nil
}

func (l *Live) ChannelList(ctx context.Context, guildID string, typeFilter *int) ([]Channel, error) {
	if !l.guildAllowed(guildID) {
		return nil, apperr.Newf(apperr.Forbidden, "guild %s is not in the allowlist", guildID)
	}
	channels, err := l.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyRESTError(err, "list channels")
	}
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if typeFilter != nil && int(ch.Type) != *typeFilter {
			continue
		}
		out = append(out, Channel{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name, Type: int(ch.Type)})
	}
	return out, nil
}

func (l *Live) ChannelGet(ctx context.Context, channelID string) (*Channel, error) {
	ch, err := l.checkChannelAllowed(channelID)
	if err != nil {
		return nil, err
	}
	return &Channel{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name, Type: int(ch.Type)}, nil
}

func (l *Live) MessageGet(ctx context.Context, channelID, messageID string) (*Message, error) {
	if _, err := l.checkChannelAllowed(channelID); err != nil {
		return nil, err
	}
	m, err := l.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, classifyRESTError(err, "fetch message")
	}
	return &Message{ID: m.ID, ChannelID: m.ChannelID, Content: m.Content, AuthorID: authorID(m)}, nil
}

// RecentMessages returns up to limit messages from channelID, most recent
// first, as surfaced by get_recent_messages.
func (l *Live) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if _, err := l.checkChannelAllowed(channelID); err != nil {
		return nil, err
	}
	msgs, err := l.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyRESTError(err, "list recent messages")
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, ChannelID: m.ChannelID, Content: m.Content, AuthorID: authorID(m)})
	}
	return out, nil
}

func authorID(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

// ReactionUsers paginates through every reactor of emoji on messageID using
// discordgo's "after" cursor, 100 users per REST call, yielding each user in
// turn. It is restartable: each call to the returned function starts a
// fresh REST traversal.
func (l *Live) ReactionUsers(ctx context.Context, channelID, messageID, emoji string) func(yield func(User, error) bool) {
	return func(yield func(User, error) bool) {
		if _, err := l.checkChannelAllowed(channelID); err != nil {
			yield(User{}, err)
			return
		}
		after := ""
		for {
			page, err := l.session.MessageReactions(channelID, messageID, emoji, 100, "", after, discordgo.WithContext(ctx))
			if err != nil {
				yield(User{}, classifyRESTError(err, "list reaction users"))
				return
			}
			if len(page) == 0 {
				return
			}
			for _, u := range page {
				user := User{ID: u.ID, Username: u.Username, DisplayName: displayName(u), Bot: u.Bot}
				if !yield(user, nil) {
					return
				}
			}
			after = page[len(page)-1].ID
			if len(page) < 100 {
				return
			}
		}
	}
}

func displayName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (l *Live) MessageSend(ctx context.Context, channelID, content string, replyTo string) (string, error) {
	if l.dryRun {
		return fmt.Sprintf("dry-run-%d", time.Now().UnixNano()), nil
	}
	if _, err := l.checkChannelAllowed(channelID); err != nil {
		return "", err
	}
	send := &discordgo.MessageSend{Content: content}
	if replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}
	msg, err := l.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", classifyRESTError(err, "send message")
	}
	return msg.ID, nil
}

func (l *Live) IsBot(u User) bool {
	return u.Bot
}

// Status reports connection state for bot_status.
func (l *Live) Status(ctx context.Context) (*BotStatus, error) {
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()

	status := &BotStatus{Connected: connected, DryRun: l.dryRun}
	if connected && l.session.State != nil {
		status.GuildCount = len(l.session.State.Guilds)
		if l.session.State.User != nil {
			status.Username = l.session.State.User.Username
		}
	}
	return status, nil
}

// classifyRESTError maps discordgo REST errors onto the taxonomy of spec §7.
func classifyRESTError(err error, action string) error {
	if err == nil {
		return nil
	}
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case 403:
			return apperr.Wrap(apperr.Forbidden, action, err)
		case 404:
			return apperr.Wrap(apperr.NotFound, action, err)
		case 429:
			// discordgo surfaces the bucket's retry-after via its own
			// internal rate limiter before a request ever reaches us; a 429
			// that still escapes to the caller gets a conservative default.
			return &apperr.Error{
				Kind:      apperr.RateLimited,
				Message:   action,
				Retryable: true,
				Data:      map[string]any{"retry_after": time.Second},
				Wrapped:   err,
			}
		}
	}
	return apperr.Wrap(apperr.Transient, action, err)
}
