package protocol

// Message is any decoded packet of either family.
type Message interface {
	Type() MessageType
}

// Heartbeat is the network keepalive.
type Heartbeat struct {
	Uptime       uint32 `json:"uptime"`
	WifiStrength uint8  `json:"wifi_strength"`
}

// GameInfo describes what the PSP is currently running.
type GameInfo struct {
	GameID     string `json:"game_id"`
	Title      string `json:"title"`
	StartTime  uint32 `json:"start_time"`
	State      State  `json:"state"`
	HasIcon    bool   `json:"has_icon"`
	Persistent bool   `json:"persistent"`
	DeviceName string `json:"psp_name"`
}

// IconChunk is one indexed fragment of an icon on the network family.
type IconChunk struct {
	GameID string
	Index  uint16
	Total  uint16
	Data   []byte
}

// IconEnd closes an icon transfer with the whole-payload checksum.
type IconEnd struct {
	GameID    string
	TotalSize uint32
	CRC32     uint32
}

// StatsRequest asks the desktop for its usage statistics. LocalTimestamp is
// only carried by the USB family.
type StatsRequest struct {
	LocalTimestamp uint64
}

// StatsChunk is the shared body of statistics transfers in both directions.
type StatsChunk struct {
	LastUpdated uint64
	Index       uint16
	Total       uint16
	Data        []byte
}

// StatsUpload carries device statistics to the desktop.
type StatsUpload struct {
	StatsChunk
}

// StatsResponse carries desktop statistics to the device. TotalGames is only
// encoded by the legacy network layout and TotalBytes only by the USB layout.
type StatsResponse struct {
	StatsChunk
	TotalGames uint16
	TotalBytes uint32
}

// DiscoveryResponse is the device's answer to a DiscoveryRequest.
type DiscoveryResponse struct {
	DeviceName string
	Version    string
	Battery    uint8
}

// DiscoveryRequest solicits a DiscoveryResponse.
type DiscoveryRequest struct {
	ListenPort uint16
	Version    string
}

// Ack acknowledges a device packet.
type Ack struct{}

// IconRequest asks the device to send the icon for a game.
type IconRequest struct {
	GameID string
}

// USBHeartbeat is the USB keepalive, which reports battery instead of signal.
type USBHeartbeat struct {
	Uptime  uint32
	Battery uint8
}

// IconSegment is one byte-addressed fragment of an icon on the USB family.
type IconSegment struct {
	GameID    string
	TotalSize uint16
	Offset    uint16
	Num       uint8
	Total     uint8
	Data      []byte
}

func (Heartbeat) Type() MessageType         { return TypeHeartbeat }
func (GameInfo) Type() MessageType          { return TypeGameInfo }
func (IconChunk) Type() MessageType         { return TypeIconChunk }
func (IconEnd) Type() MessageType           { return TypeIconEnd }
func (StatsRequest) Type() MessageType      { return TypeStatsRequest }
func (StatsUpload) Type() MessageType       { return TypeStatsUpload }
func (StatsResponse) Type() MessageType     { return TypeStatsResponse }
func (DiscoveryResponse) Type() MessageType { return TypeDiscoveryResponse }
func (DiscoveryRequest) Type() MessageType  { return TypeDiscoveryRequest }
func (Ack) Type() MessageType               { return TypeAck }
func (IconRequest) Type() MessageType       { return TypeIconRequest }
func (USBHeartbeat) Type() MessageType      { return TypeHeartbeat }
func (IconSegment) Type() MessageType       { return TypeIconChunk }
