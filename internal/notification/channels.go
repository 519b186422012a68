package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramConfig holds the Telegram channel configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// TelegramNotifier delivers alerts to a Telegram chat
type TelegramNotifier struct {
	cfg     TelegramConfig
	http    *resty.Client
	enabled bool
}

// NewTelegramNotifier creates a Telegram channel; it stays disabled until
// both the token and chat id are set.
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		cfg:     cfg,
		http:    resty.New().SetBaseURL("https://api.telegram.org").SetTimeout(10 * time.Second),
		enabled: cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
	}
}

func (t *TelegramNotifier) Name() string  { return "telegram" }
func (t *TelegramNotifier) Enabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(ctx context.Context, alert *Alert) error {
	text := fmt.Sprintf("*[%s] %s*\n\n%s", alert.Priority, alert.Title, alert.Message)
	if alert.Symbol != "" {
		text += fmt.Sprintf("\nSymbol: %s", alert.Symbol)
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":    t.cfg.ChatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.cfg.BotToken))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram send: status %d", resp.StatusCode())
	}
	return nil
}

// DiscordConfig holds the Discord webhook configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// DiscordNotifier delivers alerts to a Discord webhook as embeds
type DiscordNotifier struct {
	cfg     DiscordConfig
	http    *resty.Client
	enabled bool
}

// NewDiscordNotifier creates a Discord channel
func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		cfg:     cfg,
		http:    resty.New().SetTimeout(10 * time.Second),
		enabled: cfg.Enabled && cfg.WebhookURL != "",
	}
}

func (d *DiscordNotifier) Name() string  { return "discord" }
func (d *DiscordNotifier) Enabled() bool { return d.enabled }

// Priority to embed color
var discordColors = map[Priority]int{
	PriorityCritical: 0xFF0000,
	PriorityHigh:     0xFF8C00,
	PriorityMedium:   0xFFD700,
	PriorityLow:      0x1E90FF,
	PriorityInfo:     0x00FF00,
}

func (d *DiscordNotifier) Send(ctx context.Context, alert *Alert) error {
	embed := map[string]interface{}{
		"title":       fmt.Sprintf("[%s] %s", alert.Priority, alert.Title),
		"description": alert.Message,
		"color":       discordColors[alert.Priority],
		"timestamp":   alert.CreatedAt.Format(time.RFC3339),
	}
	if alert.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": alert.Symbol, "inline": true},
		}
		if alert.Value != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Value", "value": fmt.Sprintf("%.4f", alert.Value), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"embeds": []map[string]interface{}{embed}}).
		Post(d.cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("discord send: status %d", resp.StatusCode())
	}
	return nil
}
