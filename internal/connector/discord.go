// Package connector forwards device presence to external services.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pspdrp/companion/internal/config"
	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/protocol"
)

const (
	colorConnected    = 0x00FF00
	colorPlaying      = 0x0070D1
	colorDisconnected = 0xFF0000

	footerText = "pspdrp"
)

// DiscordConnector posts presence changes to a Discord webhook.
type DiscordConnector struct {
	cfg      config.DiscordConfig
	eventBus *events.EventBus
	client   *http.Client
}

// NewDiscordConnector creates a Discord connector and subscribes it to the
// presence events enabled in cfg. It returns nil when no webhook is set.
func NewDiscordConnector(cfg config.DiscordConfig, eventBus *events.EventBus) *DiscordConnector {
	if cfg.WebhookURL == "" {
		return nil
	}
	dc := &DiscordConnector{
		cfg:      cfg,
		eventBus: eventBus,
		client:   &http.Client{Timeout: 10 * time.Second},
	}

	if cfg.NotifyOnConnect {
		eventBus.Subscribe(events.EventDeviceConnected, "discord", dc.onConnected)
	}
	if cfg.NotifyOnGameChange {
		eventBus.Subscribe(events.EventGameChanged, "discord", dc.onGameChanged)
	}
	if cfg.NotifyOnDisconnect {
		eventBus.Subscribe(events.EventDeviceDisconnected, "discord", dc.onDisconnected)
	}
	return dc
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// gameEmbed describes what a device is running.
func gameEmbed(name string, game protocol.GameInfo) embed {
	e := embed{
		Title: fmt.Sprintf("%s: %s", name, game.State),
		Color: colorPlaying,
	}
	if game.Title != "" {
		e.Description = game.Title
	}
	if game.GameID != "" && game.GameID != "XMB" {
		e.Fields = append(e.Fields, embedField{Name: "Game ID", Value: game.GameID, Inline: true})
	}
	return e
}

// send posts one embed to the webhook.
func (dc *DiscordConnector) send(ctx context.Context, e embed) error {
	e.Timestamp = time.Now().Format(time.RFC3339)
	e.Footer.Text = footerText

	jsonData, err := json.Marshal(map[string]interface{}{"embeds": []embed{e}})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dc.cfg.WebhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := dc.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	log.Debug().Str("title", e.Title).Msg("Discord webhook notification sent")
	return nil
}

func (dc *DiscordConnector) onConnected(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.DevicePayload)
	if !ok {
		return nil
	}
	return dc.send(ctx, embed{
		Title:       fmt.Sprintf("%s connected", p.Name),
		Description: fmt.Sprintf("over %s", p.Transport),
		Color:       colorConnected,
	})
}

func (dc *DiscordConnector) onGameChanged(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.GamePayload)
	if !ok {
		return nil
	}
	return dc.send(ctx, gameEmbed(p.Name, p.Game))
}

func (dc *DiscordConnector) onDisconnected(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.DisconnectPayload)
	if !ok {
		return nil
	}
	return dc.send(ctx, embed{
		Title:       fmt.Sprintf("%s disconnected", p.Name),
		Description: p.Reason,
		Color:       colorDisconnected,
	})
}
