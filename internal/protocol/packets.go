// Package protocol implements the binary codecs spoken between the desktop
// companion and a PSP. Two packet families exist: the network family framed
// by the "PSPR" magic and the USB family framed by an 8-byte header. All
// multi-byte integers are little-endian.
package protocol

import (
	"bytes"
	"errors"
	"hash/crc32"
	"strings"
	"unicode/utf8"
)

// NetworkMagic prefixes every datagram of the network family.
var NetworkMagic = [4]byte{'P', 'S', 'P', 'R'}

// USBMagic is the u32 magic of the USB family ("PSPD" read little-endian).
const USBMagic uint32 = 0x50535044

// MessageType identifies a packet. Codes are shared by both families and
// partitioned by direction.
type MessageType byte

const (
	// Device -> host
	TypeHeartbeat         MessageType = 0x01
	TypeGameInfo          MessageType = 0x02
	TypeIconChunk         MessageType = 0x03
	TypeIconEnd           MessageType = 0x04
	TypeStatsRequest      MessageType = 0x05
	TypeStatsUpload       MessageType = 0x06
	TypeDiscoveryResponse MessageType = 0x21

	// Host -> device
	TypeAck              MessageType = 0x10
	TypeIconRequest      MessageType = 0x11
	TypeStatsResponse    MessageType = 0x12
	TypeDiscoveryRequest MessageType = 0x20
)

var messageTypeNames = map[MessageType]string{
	TypeHeartbeat:         "heartbeat",
	TypeGameInfo:          "game_info",
	TypeIconChunk:         "icon_chunk",
	TypeIconEnd:           "icon_end",
	TypeStatsRequest:      "stats_request",
	TypeStatsUpload:       "stats_upload",
	TypeDiscoveryResponse: "discovery_response",
	TypeAck:               "ack",
	TypeIconRequest:       "icon_request",
	TypeStatsResponse:     "stats_response",
	TypeDiscoveryRequest:  "discovery_request",
}

// String returns the snake_case name of the message type.
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Known reports whether t is a defined message type.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// Field widths shared by both families.
const (
	GameIDLen     = 10
	TitleLen      = 128
	DeviceNameLen = 32
	VersionLen    = 8
	USBTitleLen   = 64
)

// Network family sizes.
const (
	NetworkHeaderLen = 5
	HeartbeatLen     = 5
	GameInfoMinLen   = 144 // through has_icon
	GameInfoFullLen  = 177 // with persistent flag and device name
	IconChunkHdrLen  = 16
	IconEndLen       = 18
	DiscoveryRespLen = 41
	DiscoveryReqLen  = 10
	StatsChunkHdrLen = 14
	LegacyStatsHdr   = 16

	// NetworkChunkSize is the payload carried by one network stats chunk.
	NetworkChunkSize = 1024
	// MaxDatagramSize bounds a single network datagram.
	MaxDatagramSize = 2048
)

// USB family sizes.
const (
	USBHeaderLen         = 8
	USBFrameSize         = 512
	USBGameInfoLen       = 128
	USBHeartbeatLen      = 16
	USBAckLen            = 8
	USBIconRequestLen    = 24
	USBIconChunkHdrLen   = 26
	USBIconChunkMaxData  = 450
	USBStatsRequestLen   = 16
	USBStatsUploadHdrLen = 22
	USBStatsRespHdrLen   = 26
	USBStatsRespLength   = 504

	// USBChunkSize is the payload carried by one USB stats chunk.
	USBChunkSize = 480
)

// Decode errors. All of them are recoverable: the caller drops the packet.
var (
	ErrTooShort    = errors.New("packet too short")
	ErrUnknownType = errors.New("unknown message type")
	ErrBadMagic    = errors.New("bad packet magic")
)

// State is the activity the PSP reports.
type State uint8

const (
	StateXMB State = iota
	StateGame
	StateHomebrew
	StateVideo
	StateMusic
)

var stateStrings = map[State]string{
	StateXMB:      "Browsing XMB",
	StateGame:     "Playing",
	StateHomebrew: "Running Homebrew",
	StateVideo:    "Watching Video",
	StateMusic:    "Listening to Music",
}

// ParseState maps a raw byte to a State. Unknown values fall back to StateXMB.
func ParseState(b byte) State {
	s := State(b)
	if _, ok := stateStrings[s]; !ok {
		return StateXMB
	}
	return s
}

// String returns the human-readable activity.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return stateStrings[StateXMB]
}

// MarshalJSON serializes State as its display string.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Checksum returns the CRC32 (IEEE) the device sends in IconEnd.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// decodeString reads a fixed-width field up to the first NUL. Invalid UTF-8 is
// replaced, never rejected.
func decodeString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return strings.ToValidUTF8(string(field), "�")
}

// encodeString copies s into dst, truncating on a rune boundary. The rest of
// dst is left zeroed.
func encodeString(dst []byte, s string) {
	if len(s) > len(dst) {
		cut := len(dst)
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	copy(dst, s)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
