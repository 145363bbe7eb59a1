// Package notify sends operator alerts for blocked transactions.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// BlockedAlert describes a transaction the gate refused to forward.
type BlockedAlert struct {
	ID        string
	User      string
	Target    string
	Value     string
	RiskScore int
	Threshold int
	Reason    string
	Warnings  []string
	At        time.Time
}

// Notifier delivers alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	NotifyBlocked(ctx context.Context, alert BlockedAlert) error
}

// Nop discards every alert.
type Nop struct{}

func (Nop) NotifyBlocked(context.Context, BlockedAlert) error { return nil }

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL  string
	explorerURL string
	network     string
}

// NewSlackNotifier returns a Slack notifier, or Nop when webhookURL is empty.
func NewSlackNotifier(webhookURL, explorerURL, network string) Notifier {
	if webhookURL == "" {
		return Nop{}
	}
	return &SlackNotifier{
		webhookURL:  webhookURL,
		explorerURL: strings.TrimRight(explorerURL, "/"),
		network:     network,
	}
}

// NotifyBlocked posts one attachment per blocked transaction.
func (s *SlackNotifier) NotifyBlocked(ctx context.Context, alert BlockedAlert) error {
	summary := fmt.Sprintf("Blocked a transaction to a risky contract on %s, score %d (max %d)\n",
		strings.ToUpper(s.network), alert.RiskScore, alert.Threshold)

	attachment := slack.Attachment{
		Color:      "danger",
		AuthorName: "Cronos Shield",
		Fallback:   summary,
		Text:       summary + s.compose(alert),
		Footer:     "cronos-shield-gate",
		Ts:         json.Number(strconv.FormatInt(alert.At.Unix(), 10)),
	}
	if s.explorerURL != "" {
		attachment.Actions = []slack.AttachmentAction{{
			Name: "contract",
			Text: "View contract",
			Type: "button",
			URL:  s.explorerURL + "/address/" + alert.Target,
		}}
	}

	msg := slack.WebhookMessage{Attachments: []slack.Attachment{attachment}}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, &msg); err != nil {
		return fmt.Errorf("notify: slack webhook: %w", err)
	}
	return nil
}

func (s *SlackNotifier) compose(alert BlockedAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Record:* `%s`\n", alert.ID)
	fmt.Fprintf(&b, "*User:* `%s`\n", alert.User)
	fmt.Fprintf(&b, "*Target:* `%s`\n", alert.Target)
	fmt.Fprintf(&b, "*Value:* `%s`\n", alert.Value)
	fmt.Fprintf(&b, "*Reason:* %s\n", alert.Reason)
	if len(alert.Warnings) > 0 {
		fmt.Fprintf(&b, "*Warnings:* %s\n", strings.Join(alert.Warnings, "; "))
	}
	return b.String()
}
