// Package events defines the device events emitted by the engine and the
// bus that carries them.
package events

import (
	"time"

	"github.com/pspdrp/companion/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceIdentified   EventType = "device_identified"
	EventDeviceDisconnected EventType = "device_disconnected"
	EventHeartbeat          EventType = "heartbeat"

	// Presence
	EventGameInfo    EventType = "game_info"
	EventGameChanged EventType = "game_changed"

	// Transfers
	EventIconReady         EventType = "icon_ready"
	EventStatsRequested    EventType = "stats_requested"
	EventStatsUploaded     EventType = "stats_uploaded"
	EventTransferAbandoned EventType = "transfer_abandoned"

	// System
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system. Source is the device id
// (transport/addr) for device events.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// New stamps an event with the current time.
func New(t EventType, source string, payload interface{}) Event {
	return Event{Type: t, Source: source, Timestamp: time.Now(), Payload: payload}
}

// DevicePayload accompanies connect and identify events.
type DevicePayload struct {
	DeviceID  string `json:"device_id"`
	Transport string `json:"transport"`
	Name      string `json:"name"`
	Battery   int    `json:"battery"`
	Version   string `json:"version,omitempty"`
}

// DisconnectPayload accompanies device_disconnected.
type DisconnectPayload struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	Reason    string `json:"reason"`
	Abandoned int    `json:"abandoned_transfers"`
}

// HeartbeatPayload accompanies heartbeat. Fields the transport does not
// carry are -1.
type HeartbeatPayload struct {
	DeviceID     string `json:"device_id"`
	Uptime       int64  `json:"uptime"`
	WifiStrength int    `json:"wifi_strength"`
	Battery      int    `json:"battery"`
}

// GamePayload accompanies game_info and game_changed. Previous is nil on the
// first game of a session.
type GamePayload struct {
	DeviceID string             `json:"device_id"`
	Name     string             `json:"name"`
	Game     protocol.GameInfo  `json:"game"`
	Previous *protocol.GameInfo `json:"previous,omitempty"`
}

// IconPayload accompanies icon_ready.
type IconPayload struct {
	DeviceID string `json:"device_id"`
	GameID   string `json:"game_id"`
	Data     []byte `json:"-"`
	Size     int    `json:"size"`
	// Missing counts chunks that never arrived but were skipped on assembly.
	Missing int `json:"missing,omitempty"`
}

// StatsRequestPayload accompanies stats_requested.
type StatsRequestPayload struct {
	DeviceID       string `json:"device_id"`
	LocalTimestamp uint64 `json:"local_timestamp"`
}

// StatsPayload accompanies stats_uploaded.
type StatsPayload struct {
	DeviceID    string `json:"device_id"`
	LastUpdated uint64 `json:"last_updated"`
	Data        []byte `json:"-"`
	Size        int    `json:"size"`
}

// AbandonedPayload accompanies transfer_abandoned.
type AbandonedPayload struct {
	DeviceID string `json:"device_id"`
	Count    int    `json:"count"`
	Reason   string `json:"reason"`
}
