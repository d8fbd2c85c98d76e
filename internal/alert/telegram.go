package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// flowFieldOrder pins the reconciliation-relevant keys to the top of
// the message so an operator paged about a partial flow sees the flow
// identity and the failed step before anything else.
var flowFieldOrder = []string{"flow", "flow_id", "failed_step", "completed_steps", "error"}

type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// formatMessage renders the alert as Telegram Markdown. Flow context
// keys come first in a fixed order; any remaining fields follow sorted
// by name.
func formatMessage(alert AlertPayload) string {
	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) == 0 {
		return b.String()
	}

	b.WriteString("\n")
	seen := make(map[string]bool, len(alert.Fields))
	for _, k := range flowFieldOrder {
		if v, ok := alert.Fields[k]; ok {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, v)
			seen[k] = true
		}
	}

	rest := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
	}
	return b.String()
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       formatMessage(alert),
		"parse_mode": "Markdown",
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
	}

	return nil
}
