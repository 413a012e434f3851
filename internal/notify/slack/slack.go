// Package slack sends quarantine lifecycle notifications to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/palisade/internal/events"
)

const (
	maxDetailLen = 3000
	httpTimeout  = 10 * time.Second
)

// Notifier posts lifecycle events to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notifies reports whether events of kind k are worth a Slack message.
func Notifies(k events.Kind) bool {
	switch k {
	case events.KindQuarantineCreated, events.KindQuarantineFailed,
		events.KindQuarantineTerminated, events.KindCollusionSuspected:
		return true
	}
	return false
}

// Send posts e to the configured webhook.
func (n *Notifier) Send(ctx context.Context, e events.Event) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(e))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "event_id", e.ID, "kind", string(e.Kind))
	return nil
}

// Run sends every notifiable event from sub until ctx ends or sub closes.
func (n *Notifier) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if !Notifies(e.Kind) {
				continue
			}
			if err := n.Send(ctx, e); err != nil {
				n.logger.Warn(ctx, "slack notification failed", "event_id", e.ID, "error", err.Error())
			}
		}
	}
}

func buildMessage(e events.Event) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(e),
			{"type": "divider"},
			fieldsBlock(e),
			detailBlock(e),
			{"type": "divider"},
			contextBlock(e),
		},
	}
}

func headerBlock(e events.Event) map[string]any {
	var title string
	switch e.Kind {
	case events.KindQuarantineCreated:
		title = "Quarantine Created"
	case events.KindQuarantineFailed:
		title = "Quarantine Failed"
	case events.KindQuarantineTerminated:
		title = "Quarantine Ended"
	case events.KindCollusionSuspected:
		title = "Collusion Suspected"
	default:
		title = string(e.Kind)
	}
	text := fmt.Sprintf("%s %s", kindEmoji(e), title)
	if e.NodeID != "" {
		text += ": " + e.NodeID
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(e events.Event) map[string]any {
	var fields []map[string]any
	add := func(name, value string) {
		if value == "" {
			return
		}
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:* %s", name, value),
		})
	}
	add("Agent", e.NodeID)
	add("Quarantine", e.QuarantineID)
	add("Proposal", e.ProposalID)
	if lvl, ok := e.Detail["isolation_level"].(string); ok {
		add("Isolation", lvl)
	}
	if fields == nil {
		add("Event", string(e.Kind))
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

// detailBlock renders the remaining detail keys in sorted order.
func detailBlock(e events.Event) map[string]any {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(e.Detail)) {
		if k == "isolation_level" {
			continue
		}
		fmt.Fprintf(&b, "• %s: %v\n", k, e.Detail[k])
	}
	text := truncate(strings.TrimSpace(b.String()), maxDetailLen)
	if text == "" {
		text = "_No details._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(e events.Event) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("palisade • event %s • %s", e.ID, e.Time.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func kindEmoji(e events.Event) string {
	switch e.Kind {
	case events.KindQuarantineFailed, events.KindCollusionSuspected:
		return "\U0001f534" // red circle
	case events.KindQuarantineCreated:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
