package notify

import (
	"context"
	"fmt"

	slacklib "github.com/slack-go/slack"
)

// PlatformSlack is the device platform served by SlackSender. The device
// token is a Slack channel or user id.
const PlatformSlack = "slack"

// SlackAPI abstracts the subset of the Slack client used by SlackSender.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// SlackSender posts notifications as Slack messages.
type SlackSender struct {
	api SlackAPI
}

var _ Sender = (*SlackSender)(nil) //nolint:gochecknoglobals // compile-time check

// NewSlackSender creates a SlackSender with the given API client.
func NewSlackSender(api SlackAPI) *SlackSender {
	return &SlackSender{api: api}
}

func (s *SlackSender) Notify(ctx context.Context, channelID string, p Payload) error {
	_, _, err := s.api.PostMessageContext(ctx, channelID,
		slacklib.MsgOptionText(p.Title+": "+p.Message, false),
		slacklib.MsgOptionBlocks(BuildSlackBlocks(p)...),
	)
	if err != nil {
		return fmt.Errorf("notify.SlackSender.Notify: %w", err)
	}

	return nil
}

// BuildSlackBlocks renders a payload as Block Kit blocks: a header section
// followed by a context line naming the session.
func BuildSlackBlocks(p Payload) []slacklib.Block {
	text := fmt.Sprintf("*%s*\n%s", p.Title, p.Message)
	section := slacklib.NewSectionBlock(
		slacklib.NewTextBlockObject(slacklib.MarkdownType, text, false, false),
		nil,
		nil,
	)

	if p.SessionID == "" {
		return []slacklib.Block{section}
	}

	ctxText := fmt.Sprintf("session `%s`", p.SessionID)
	if p.RequestID != "" {
		ctxText += fmt.Sprintf(" · request `%s`", p.RequestID)
	}
	contextBlock := slacklib.NewContextBlock("",
		slacklib.NewTextBlockObject(slacklib.MarkdownType, ctxText, false, false),
	)

	return []slacklib.Block{section, contextBlock}
}
