package discord

import (
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"

	"github.com/beeper/discord-mcp/internal/apperr"
)

func TestClassifyRESTErrorMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		kind   apperr.Kind
	}{
		{http.StatusForbidden, apperr.Forbidden},
		{http.StatusNotFound, apperr.NotFound},
		{http.StatusTooManyRequests, apperr.RateLimited},
		{http.StatusInternalServerError, apperr.Transient},
	}
	for _, c := range cases {
		restErr := &discordgo.RESTError{Response: &http.Response{StatusCode: c.status}}
		got := classifyRESTError(restErr, "test action")
		require.True(t, apperr.Is(got, c.kind), "status %d should classify as %s, got %v", c.status, c.kind, got)
	}
}

func TestClassifyRESTErrorNonRESTErrorIsTransient(t *testing.T) {
	got := classifyRESTError(errors.New("connection reset"), "test action")
	require.True(t, apperr.Is(got, apperr.Transient))
}

func TestGuildAllowedEmptyAllowlistPermitsEverything(t *testing.T) {
	l := &Live{allowlist: map[string]bool{}}
	require.True(t, l.guildAllowed("any-guild"))
}

func TestGuildAllowedRestrictsToConfiguredSet(t *testing.T) {
	l := &Live{allowlist: map[string]bool{"g1": true}}
	require.True(t, l.guildAllowed("g1"))
	require.False(t, l.guildAllowed("g2"))
}
