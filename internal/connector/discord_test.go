package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pspdrp/companion/internal/config"
	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/protocol"
)

type webhook struct {
	mu       sync.Mutex
	payloads []map[string][]embed
	status   int
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var body map[string][]embed
	json.NewDecoder(r.Body).Decode(&body)
	w.mu.Lock()
	w.payloads = append(w.payloads, body)
	status := w.status
	w.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	rw.WriteHeader(status)
}

func (w *webhook) embeds() []embed {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []embed
	for _, p := range w.payloads {
		out = append(out, p["embeds"]...)
	}
	return out
}

func TestNoWebhookNoConnector(t *testing.T) {
	bus := events.NewEventBus()
	if dc := NewDiscordConnector(config.DiscordConfig{NotifyOnConnect: true}, bus); dc != nil {
		t.Error("NewDiscordConnector() without webhook returned a connector")
	}
	if n := bus.HandlerCount(events.EventDeviceConnected); n != 0 {
		t.Errorf("HandlerCount() = %d, want 0", n)
	}
}

func TestSubscriptionsFollowConfig(t *testing.T) {
	bus := events.NewEventBus()
	NewDiscordConnector(config.DiscordConfig{
		WebhookURL:         "http://127.0.0.1:1/hook",
		NotifyOnGameChange: true,
	}, bus)

	tests := []struct {
		event events.EventType
		want  int
	}{
		{events.EventDeviceConnected, 0},
		{events.EventGameChanged, 1},
		{events.EventDeviceDisconnected, 0},
	}
	for _, tt := range tests {
		if got := bus.HandlerCount(tt.event); got != tt.want {
			t.Errorf("HandlerCount(%s) = %d, want %d", tt.event, got, tt.want)
		}
	}
}

func TestPresenceEmbeds(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	bus := events.NewEventBus()
	defer bus.Stop()
	NewDiscordConnector(config.DiscordConfig{
		WebhookURL:         srv.URL,
		NotifyOnConnect:    true,
		NotifyOnGameChange: true,
		NotifyOnDisconnect: true,
	}, bus)

	ctx := context.Background()
	evs := []events.Event{
		events.New(events.EventDeviceConnected, "udp/a", events.DevicePayload{Name: "Kai", Transport: "udp"}),
		events.New(events.EventGameChanged, "udp/a", events.GamePayload{Name: "Kai", Game: protocol.GameInfo{
			GameID: "ULUS10041", Title: "Lumines", State: protocol.StateGame,
		}}),
		events.New(events.EventDeviceDisconnected, "udp/a", events.DisconnectPayload{Name: "Kai", Reason: "timeout"}),
	}
	for _, ev := range evs {
		if err := bus.EmitSync(ctx, ev); err != nil {
			t.Fatalf("EmitSync(%s) error = %v", ev.Type, err)
		}
	}

	got := hook.embeds()
	if len(got) != 3 {
		t.Fatalf("webhook received %d embeds, want 3", len(got))
	}
	if got[0].Title != "Kai connected" || got[0].Color != colorConnected {
		t.Errorf("connect embed = %+v", got[0])
	}
	if !strings.Contains(got[1].Title, "Kai") || got[1].Description != "Lumines" {
		t.Errorf("game embed = %+v", got[1])
	}
	if len(got[1].Fields) != 1 || got[1].Fields[0].Value != "ULUS10041" {
		t.Errorf("game embed fields = %+v", got[1].Fields)
	}
	if got[2].Description != "timeout" || got[2].Footer.Text != footerText {
		t.Errorf("disconnect embed = %+v", got[2])
	}
}

func TestWebhookErrorReturned(t *testing.T) {
	hook := &webhook{status: http.StatusBadRequest}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	dc := &DiscordConnector{
		cfg:    config.DiscordConfig{WebhookURL: srv.URL},
		client: srv.Client(),
	}
	if err := dc.send(context.Background(), embed{Title: "x"}); err == nil {
		t.Error("send() to failing webhook succeeded")
	}
}
