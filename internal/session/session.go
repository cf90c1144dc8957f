// Package session tracks per-device state between first contact and
// disconnect. The Registry is the only owner of session records; callers
// receive Info snapshots.
package session

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/reassembly"
)

// Transport names the adapter a session arrived on.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportUSB Transport = "usb"
)

// Identity is the transport-level key of a session.
type Identity struct {
	Transport Transport
	Addr      string
}

// UDPIdentity keys a session by its datagram source address.
func UDPIdentity(addr *net.UDPAddr) Identity {
	return Identity{Transport: TransportUDP, Addr: addr.String()}
}

// USBIdentity keys the session of the attached USB device.
func USBIdentity(port string) Identity {
	return Identity{Transport: TransportUSB, Addr: port}
}

// String renders the identity as "transport/addr", used as the device id.
func (id Identity) String() string {
	return string(id.Transport) + "/" + id.Addr
}

// ParseIdentity is the inverse of Identity.String.
func ParseIdentity(s string) (Identity, error) {
	transport, addr, ok := strings.Cut(s, "/")
	if !ok || addr == "" {
		return Identity{}, fmt.Errorf("malformed device id %q", s)
	}
	switch Transport(transport) {
	case TransportUDP, TransportUSB:
		return Identity{Transport: Transport(transport), Addr: addr}, nil
	}
	return Identity{}, fmt.Errorf("unknown transport in device id %q", s)
}

// State is the lifecycle position of a session.
type State int

const (
	StateUnknown State = iota
	StateActive
	StatePersistent
	StateEvicted
)

var stateStrings = map[State]string{
	StateUnknown:    "unknown",
	StateActive:     "active",
	StatePersistent: "persistent",
	StateEvicted:    "evicted",
}

// String returns the lowercase state name.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Info is a point-in-time copy of a session.
type Info struct {
	Identity      Identity           `json:"-"`
	ID            string             `json:"id"`
	Transport     Transport          `json:"transport"`
	Addr          string             `json:"addr"`
	DisplayName   string             `json:"name"`
	State         State              `json:"state"`
	Battery       int                `json:"battery"`
	ConnectedAt   time.Time          `json:"connected_at"`
	LastSeen      time.Time          `json:"last_seen"`
	CurrentGame   *protocol.GameInfo `json:"current_game,omitempty"`
	PendingIcons  int                `json:"pending_icons"`
	StatsPending  bool               `json:"stats_pending"`
	DiscoverySent bool               `json:"discovery_sent"`
	Attached      bool               `json:"attached"`
}

// Eviction reports a destroyed session.
type Eviction struct {
	Identity    Identity
	DisplayName string
	Reason      string
	// Abandoned counts in-flight transfers dropped with the session.
	Abandoned int
}

// GameUpdate is the outcome of UpdateGame.
type GameUpdate struct {
	Previous    *protocol.GameInfo
	Current     protocol.GameInfo
	Changed     bool
	DisplayName string
}

type session struct {
	id            Identity
	name          string
	state         State
	battery       int
	connectedAt   time.Time
	lastSeen      time.Time
	game          *protocol.GameInfo
	icons         map[string]*reassembly.Buffer
	segments      map[string]*reassembly.OffsetBuffer
	stats         *reassembly.Buffer
	statsUpdated  uint64
	discoverySent bool
	attached      bool
}

func newSession(id Identity, name string, now time.Time) *session {
	return &session{
		id:          id,
		name:        name,
		state:       StateActive,
		battery:     -1,
		connectedAt: now,
		lastSeen:    now,
		icons:       make(map[string]*reassembly.Buffer),
		segments:    make(map[string]*reassembly.OffsetBuffer),
	}
}

func (s *session) info() Info {
	info := Info{
		Identity:      s.id,
		ID:            s.id.String(),
		Transport:     s.id.Transport,
		Addr:          s.id.Addr,
		DisplayName:   s.name,
		State:         s.state,
		Battery:       s.battery,
		ConnectedAt:   s.connectedAt,
		LastSeen:      s.lastSeen,
		PendingIcons:  len(s.icons) + len(s.segments),
		StatsPending:  s.stats != nil,
		DiscoverySent: s.discoverySent,
		Attached:      s.attached,
	}
	if s.game != nil {
		game := *s.game
		info.CurrentGame = &game
	}
	return info
}

func (s *session) inFlight() int {
	n := len(s.icons) + len(s.segments)
	if s.stats != nil {
		n++
	}
	return n
}
