// Package tools implements C8: it binds the campaign engine and the Discord
// access layer into the named host-protocol tools of spec §4.8, using
// modelcontextprotocol/go-sdk/mcp as the server-side transport. Schema
// generation and stdio framing are the SDK's concern, not this package's.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/beeper/discord-mcp/internal/apperr"
	"github.com/beeper/discord-mcp/internal/campaign"
	"github.com/beeper/discord-mcp/internal/engine"
	"github.com/beeper/discord-mcp/internal/store"
)

// envelope is the {success, data, errors} result shape every tool returns
// in-band, per spec §6: "Error results are returned in-band as structured
// payloads; transport-level exceptions are reserved for fatal faults."
type envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	// CampaignID surfaces a Duplicate error's existing id (spec §4.7).
	CampaignID *int64 `json:"campaign_id,omitempty"`
}

func ok(data any) (*mcp.CallToolResult, envelope, error) {
	env := envelope{Success: true, Data: data}
	return textResult(env), env, nil
}

func fail(err error) (*mcp.CallToolResult, envelope, error) {
	env := envelope{Success: false, Errors: []string{errString(err)}}
	if ae := apperr.As(err); ae.Kind == apperr.Duplicate {
		if id, isInt := ae.Data["campaign_id"].(int64); isInt {
			env.CampaignID = &id
		}
	}
	return textResult(env), env, nil
}

func errString(err error) string {
	ae := apperr.As(err)
	return string(ae.Kind) + ": " + ae.Message
}

func textResult(env envelope) *mcp.CallToolResult {
	b, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		b = []byte(`{"success":false,"errors":["internal: failed to marshal result"]}`)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}
}

// handlerFunc is the signature mcp.AddTool expects for every tool in this
// package: a typed args struct in, the envelope result shape out.
type handlerFunc[A any] func(context.Context, *mcp.CallToolRequest, A) (*mcp.CallToolResult, envelope, error)

// withLogging wraps a handler with a per-call id (so a single invocation's
// log lines can be correlated even when several tool calls interleave) and
// logs its outcome at the appropriate level.
func withLogging[A any](deps *engine.Deps, name string, h handlerFunc[A]) handlerFunc[A] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args A) (*mcp.CallToolResult, envelope, error) {
		callLog := deps.Logger.With().Str("tool", name).Str("call_id", uuid.NewString()).Logger()
		callLog.Debug().Msg("tool call started")
		result, env, err := h(ctx, req, args)
		if !env.Success {
			callLog.Warn().Strs("errors", env.Errors).Msg("tool call failed")
		} else {
			callLog.Debug().Msg("tool call completed")
		}
		return result, env, err
	}
}

// Register adds every tool of spec §4.8 to server, bound to deps.
func Register(server *mcp.Server, deps *engine.Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_servers",
		Description: "List Discord guilds the bot can see, filtered by the configured allowlist.",
	}, withLogging(deps, "list_servers", listServers(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_channels",
		Description: "List channels in a guild, optionally filtered by Discord channel type.",
	}, withLogging(deps, "list_channels", listChannels(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_channel_info",
		Description: "Fetch a single channel by id.",
	}, withLogging(deps, "get_channel_info", getChannelInfo(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "bot_status",
		Description: "Report the bot's connection state, identity, and DRY-RUN mode.",
	}, withLogging(deps, "bot_status", botStatus(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_recent_messages",
		Description: "Fetch the most recent messages in a channel.",
	}, withLogging(deps, "get_recent_messages", getRecentMessages(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_message",
		Description: "Fetch a single message by channel and message id.",
	}, withLogging(deps, "get_message", getMessage(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_message",
		Description: "Send a message to a channel, optionally as a reply. Respects DRY-RUN.",
	}, withLogging(deps, "send_message", sendMessage(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_campaign",
		Description: "Register a Discord message as a reaction-based reminder signup sheet.",
	}, withLogging(deps, "create_campaign", createCampaign(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_campaigns",
		Description: "List campaigns, optionally filtered by status.",
	}, withLogging(deps, "list_campaigns", listCampaigns(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_campaign",
		Description: "Fetch a single campaign by id.",
	}, withLogging(deps, "get_campaign", getCampaign(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_campaign_status",
		Description: "Apply a manual status transition to a campaign.",
	}, withLogging(deps, "update_campaign_status", updateCampaignStatus(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_campaign",
		Description: "Delete (tombstone) a campaign.",
	}, withLogging(deps, "delete_campaign", deleteCampaign(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_optins",
		Description: "List a campaign's recorded opt-ins, paginated by an opaque user-id cursor.",
	}, withLogging(deps, "list_optins", listOptins(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tally_optins",
		Description: "Read current reactors of a campaign's tracked emoji from Discord and reconcile the opt-in set.",
	}, withLogging(deps, "tally_optins", tallyOptins(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "build_reminder",
		Description: "Render the chunked reminder broadcast for a campaign without sending it.",
	}, withLogging(deps, "build_reminder", buildReminder(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_reminder",
		Description: "Send a campaign's reminder broadcast. Defaults to dry_run=true.",
	}, withLogging(deps, "send_reminder", sendReminder(deps)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_due_reminders",
		Description: "Tally and send every active campaign whose remind_at has passed.",
	}, withLogging(deps, "run_due_reminders", runDueReminders(deps)))
}

func ensureConnected(ctx context.Context, deps *engine.Deps) error {
	return deps.Discord.EnsureConnected(ctx)
}

// --- Discord access layer wrappers ---

type listServersArgs struct{}

func listServers(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, listServersArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ listServersArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		guilds, err := deps.Discord.GuildList(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(guilds)
	}
}

type listChannelsArgs struct {
	GuildID    string `json:"guild_id"`
	TypeFilter *int   `json:"type_filter,omitempty"`
}

func listChannels(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, listChannelsArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args listChannelsArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		channels, err := deps.Discord.ChannelList(ctx, args.GuildID, args.TypeFilter)
		if err != nil {
			return fail(err)
		}
		return ok(channels)
	}
}

type getChannelInfoArgs struct {
	ChannelID string `json:"channel_id"`
}

func getChannelInfo(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, getChannelInfoArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args getChannelInfoArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		ch, err := deps.Discord.ChannelGet(ctx, args.ChannelID)
		if err != nil {
			return fail(err)
		}
		return ok(ch)
	}
}

type botStatusArgs struct{}

func botStatus(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, botStatusArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ botStatusArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		status, err := deps.Discord.Status(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(status)
	}
}

type getRecentMessagesArgs struct {
	ChannelID string `json:"channel_id"`
	Limit     int    `json:"limit"`
}

func getRecentMessages(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, getRecentMessagesArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args getRecentMessagesArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 50
		}
		msgs, err := deps.Discord.RecentMessages(ctx, args.ChannelID, limit)
		if err != nil {
			return fail(err)
		}
		return ok(msgs)
	}
}

type getMessageArgs struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

func getMessage(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, getMessageArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args getMessageArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		msg, err := deps.Discord.MessageGet(ctx, args.ChannelID, args.MessageID)
		if err != nil {
			return fail(err)
		}
		return ok(msg)
	}
}

type sendMessageArgs struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

func sendMessage(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, sendMessageArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args sendMessageArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		id, err := deps.Discord.MessageSend(ctx, args.ChannelID, args.Content, args.ReplyTo)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"message_id": id})
	}
}

// --- Campaign lifecycle (C7) ---

type createCampaignArgs struct {
	Title     string `json:"title,omitempty"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	RemindAt  string `json:"remind_at"`
}

func createCampaign(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, createCampaignArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args createCampaignArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		remindAt, err := time.Parse(time.RFC3339, args.RemindAt)
		if err != nil {
			return fail(apperr.Wrap(apperr.Internal, "parse remind_at as RFC3339", err))
		}
		c, err := campaign.Create(ctx, deps, args.Title, args.ChannelID, args.MessageID, args.Emoji, remindAt)
		if err != nil {
			return fail(err)
		}
		return ok(c)
	}
}

type listCampaignsArgs struct {
	StatusFilter string `json:"status_filter,omitempty"`
}

func listCampaigns(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, listCampaignsArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args listCampaignsArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		var filter *store.Status
		if args.StatusFilter != "" {
			s := store.Status(args.StatusFilter)
			filter = &s
		}
		campaigns, err := campaign.List(ctx, deps, filter)
		if err != nil {
			return fail(err)
		}
		return ok(campaigns)
	}
}

type campaignIDArgs struct {
	ID int64 `json:"id"`
}

func getCampaign(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, campaignIDArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args campaignIDArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		c, err := campaign.Get(ctx, deps, args.ID)
		if err != nil {
			return fail(err)
		}
		return ok(c)
	}
}

type updateCampaignStatusArgs struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func updateCampaignStatus(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, updateCampaignStatusArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args updateCampaignStatusArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		c, err := campaign.UpdateStatus(ctx, deps, args.ID, store.Status(args.Status))
		if err != nil {
			return fail(err)
		}
		return ok(c)
	}
}

func deleteCampaign(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, campaignIDArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args campaignIDArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		if err := campaign.Delete(ctx, deps, args.ID); err != nil {
			return fail(err)
		}
		return ok(map[string]int64{"id": args.ID})
	}
}

type listOptinsArgs struct {
	CampaignID  int64  `json:"campaign_id"`
	Limit       int    `json:"limit,omitempty"`
	AfterUserID string `json:"after_user_id,omitempty"`
}

func listOptins(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, listOptinsArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args listOptinsArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		page, err := campaign.ListOptIns(ctx, deps, args.CampaignID, args.Limit, args.AfterUserID)
		if err != nil {
			return fail(err)
		}
		return ok(page)
	}
}

// --- Campaign engine (C3-C6) ---

func tallyOptins(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, campaignIDArgsNamed) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args campaignIDArgsNamed) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		result, err := engine.Tally(ctx, deps, args.CampaignID)
		if err != nil {
			return fail(err)
		}
		return ok(result)
	}
}

// campaignIDArgsNamed names its field campaign_id (rather than id) to match
// the tool's argument as documented in spec §4.8.
type campaignIDArgsNamed struct {
	CampaignID int64 `json:"campaign_id"`
}

type buildReminderArgs struct {
	CampaignID int64  `json:"campaign_id"`
	Template   string `json:"template,omitempty"`
}

func buildReminder(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, buildReminderArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args buildReminderArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		var tmpl *string
		if args.Template != "" {
			tmpl = &args.Template
		}
		built, err := engine.Build(ctx, deps, args.CampaignID, tmpl)
		if err != nil {
			return fail(err)
		}
		return ok(built)
	}
}

type sendReminderArgs struct {
	CampaignID int64 `json:"campaign_id"`
	DryRun     *bool `json:"dry_run,omitempty"`
}

func sendReminder(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, sendReminderArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args sendReminderArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		// dry_run=true is the safety default for this user-invoked tool
		// (spec §4.5); only an explicit false sends for real.
		dryRun := true
		if args.DryRun != nil {
			dryRun = *args.DryRun
		}
		result, err := engine.Send(ctx, deps, args.CampaignID, nil, dryRun)
		if err != nil {
			return fail(err)
		}
		return ok(result)
	}
}

type runDueRemindersArgs struct {
	Now string `json:"now,omitempty"`
}

func runDueReminders(deps *engine.Deps) func(context.Context, *mcp.CallToolRequest, runDueRemindersArgs) (*mcp.CallToolResult, envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args runDueRemindersArgs) (*mcp.CallToolResult, envelope, error) {
		if err := ensureConnected(ctx, deps); err != nil {
			return fail(err)
		}
		now := time.Now().UTC()
		if args.Now != "" {
			parsed, err := time.Parse(time.RFC3339, args.Now)
			if err != nil {
				return fail(apperr.Wrap(apperr.Internal, "parse now as RFC3339", err))
			}
			now = parsed
		}
		outcomes, err := engine.RunDue(ctx, deps, now)
		if err != nil {
			return fail(err)
		}
		return ok(outcomes)
	}
}
