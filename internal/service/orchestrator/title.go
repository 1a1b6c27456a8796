package orchestrator

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/model"
	registryprovider "github.com/chirino/chat-service/internal/registry/provider"
)

// PlaceholderTitle is used whenever a title cannot be generated in time.
const PlaceholderTitle = "New conversation"

const (
	maxTitleLength = 80
	titlePrompt    = `You will generate a short title based on the first message a user begins a conversation with.
Ensure it is not more than 80 characters long.
The title should be a summary of the user's message.
Do not use quotes or colons.`
)

// generateTitle asks the title model for a summary of the first message. The call is
// detached from request cancellation and bounded by its own timeout.
func (o *Orchestrator) generateTitle(ctx context.Context, message string) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.titleTimeout)
	defer cancel()

	text, err := o.provider.Complete(ctx, registryprovider.Request{
		Model:    o.catalog.TitleModel(),
		System:   titlePrompt,
		Messages: []registryprovider.Message{{Role: model.RoleUser, Content: message}},
	})
	if err != nil {
		log.Warn("Title generation failed, using placeholder", "err", err)
		return PlaceholderTitle
	}
	if title := cleanTitle(text); title != "" {
		return title
	}
	return PlaceholderTitle
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'` ")
	if r := []rune(s); len(r) > maxTitleLength {
		s = strings.TrimSpace(string(r[:maxTitleLength]))
	}
	return s
}
