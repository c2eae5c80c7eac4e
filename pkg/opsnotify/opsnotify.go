// Package opsnotify posts operator-visible failures (router fail-hard
// exits, worker nak storms, dead-lettered messages) to Slack. It is the
// alerting fan-out for C4/C5, not a user-facing notification surface.
package opsnotify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts operational events to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates an op Notifier. If botToken is empty, the notifier is a noop
// (logging only) — exactly how the teacher disables Slack when unconfigured.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this notifier will actually post to Slack.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// FailHard reports a process exiting non-zero after exhausting its
// consecutive-error budget (spec.md §4.4).
func (n *Notifier) FailHard(ctx context.Context, component, id string, consecutiveErrors int, cause error) {
	text := fmt.Sprintf(":rotating_light: *%s* `%s` exiting after %d consecutive errors: %v", component, id, consecutiveErrors, cause)
	n.post(ctx, text, "component", component, "id", id, "consecutive_errors", consecutiveErrors, "error", cause)
}

// ConsecutiveErrors reports an error-count increment below the fail-hard
// threshold, so operators see a trend before the process exits.
func (n *Notifier) ConsecutiveErrors(ctx context.Context, component, id string, consecutiveErrors int, cause error) {
	text := fmt.Sprintf(":warning: *%s* `%s` consecutive errors now %d: %v", component, id, consecutiveErrors, cause)
	n.post(ctx, text, "component", component, "id", id, "consecutive_errors", consecutiveErrors, "error", cause)
}

// NakStorm reports a worker tier backing off due to repeated nak'd redeliveries.
func (n *Notifier) NakStorm(ctx context.Context, tier string, backoff string, cause error) {
	text := fmt.Sprintf(":ocean: worker tier `%s` backing off %s after repeated naks: %v", tier, backoff, cause)
	n.post(ctx, text, "tier", tier, "backoff", backoff, "error", cause)
}

// DeadLettered reports a message that exhausted max_deliver without success.
func (n *Notifier) DeadLettered(ctx context.Context, tier, subject string, cause error) {
	text := fmt.Sprintf(":skull: message on `%s` (tier `%s`) dead-lettered: %v", subject, tier, cause)
	n.post(ctx, text, "tier", tier, "subject", subject, "error", cause)
}

func (n *Notifier) post(ctx context.Context, text string, logArgs ...any) {
	if !n.IsEnabled() {
		n.logger.Debug("opsnotify: slack disabled, logging only", logArgs...)
		return
	}

	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("opsnotify: posting to slack failed", append(logArgs, "post_error", err)...)
	}
}
