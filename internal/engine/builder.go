package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/beeper/discord-mcp/internal/discord"
)

// MaxChunkLength is Discord's per-message code-point ceiling (spec §4.4 O1).
const MaxChunkLength = discord.MaxMessageLength

const continuationSuffix = " (cont.)"

// mentionsPlaceholder is the literal token a custom template uses to mark
// where mentions are inserted, matching the variable name of spec §4.4.
const mentionsPlaceholder = "{{mentions_placeholder}}"

// BuildResult is the output of Build (spec §4.4).
type BuildResult struct {
	Chunks         []string
	RecipientCount int
}

// Build implements C4: assemble an ordered list of ≤2000-code-point chunks
// containing the campaign header and a mention token for every opt-in, in
// insertion order. Build does no I/O besides reading from the Store
// (spec §4.4 "Purity").
func Build(ctx context.Context, deps *Deps, campaignID int64, tmpl *string) (*BuildResult, error) {
	c, err := deps.Store.GetActiveCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	count, err := deps.Store.CountOptIns(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	var mentions []string
	afterUserID := ""
	for {
		page, err := deps.Store.ListOptIns(ctx, campaignID, 500, afterUserID)
		if err != nil {
			return nil, err
		}
		for _, o := range page.OptIns {
			mentions = append(mentions, fmt.Sprintf("<@%s>", o.UserID))
		}
		if !page.HasMore {
			break
		}
		afterUserID = page.After
	}

	headerPrefix, headerSuffix := renderHeader(c.Title, count, tmpl)

	chunks := buildChunks(headerPrefix, headerSuffix, mentions)
	return &BuildResult{Chunks: chunks, RecipientCount: count}, nil
}

// renderHeader returns (prefix, suffix) such that a chunk's header is
// prefix+mentions+suffix — suffix is empty unless a custom template places
// the mentions placeholder before the end of the header.
func renderHeader(title string, totalOptins int, tmpl *string) (prefix, suffix string) {
	if tmpl == nil {
		if title == "" {
			title = "your campaign"
		}
		return fmt.Sprintf("Reminder: %s\n", title), ""
	}

	replacer := strings.NewReplacer(
		"{{title}}", title,
		"{{total_optins}}", strconv.Itoa(totalOptins),
	)
	rendered := replacer.Replace(*tmpl)

	if idx := strings.Index(rendered, mentionsPlaceholder); idx >= 0 {
		return rendered[:idx], rendered[idx+len(mentionsPlaceholder):]
	}
	// No explicit placeholder: mentions append after the rendered header.
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	return rendered, ""
}

// buildChunks implements the chunking algorithm of spec §4.4. headerPrefix
// opens every chunk (continuation chunks get a " (cont.)" marker appended);
// headerSuffix, if non-empty (an explicit template placeholder not at the
// end of the header), closes every chunk after its mentions.
func buildChunks(headerPrefix, headerSuffix string, mentions []string) []string {
	if len(mentions) == 0 {
		// O3: commit to a single header-only chunk, never an empty slice.
		return []string{headerPrefix + headerSuffix}
	}

	var chunks []string
	current := headerPrefix
	hasMention := false

	closeChunk := func() {
		chunks = append(chunks, current+headerSuffix)
	}

	for _, m := range mentions {
		var candidate string
		if !hasMention {
			candidate = current + m
		} else {
			candidate = current + " " + m
		}
		if codepointLen(candidate+headerSuffix) <= MaxChunkLength {
			current = candidate
			hasMention = true
			continue
		}

		// Doesn't fit in the current chunk: close it and start a fresh one.
		closeChunk()
		current = headerPrefix + continuationSuffix + "\n"
		hasMention = false

		withHeader := current + m
		if codepointLen(withHeader+headerSuffix) <= MaxChunkLength {
			current = withHeader
			hasMention = true
			continue
		}

		// Even a fresh continuation header doesn't leave room (an
		// extreme-length mention token): fall back to a header-less chunk
		// carrying just this mention, preserving O1 whenever the mention
		// itself is within budget.
		current = m
		hasMention = true
	}
	closeChunk()
	return chunks
}

func codepointLen(s string) int {
	return utf8.RuneCountInString(s)
}
