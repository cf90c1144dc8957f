package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder assembles little-endian packets field by field.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteHeader writes the network family header for t.
func (b *PacketBuilder) WriteHeader(t MessageType) *PacketBuilder {
	b.buf.Write(NetworkMagic[:])
	b.buf.WriteByte(byte(t))
	return b
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes 1 for true and 0 for false.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	b.buf.WriteByte(boolByte(v))
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteFixedString writes s into a NUL-padded field of width bytes.
func (b *PacketBuilder) WriteFixedString(s string, width int) *PacketBuilder {
	field := make([]byte, width)
	encodeString(field, s)
	b.buf.Write(field)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// WritePadding writes n zero bytes.
func (b *PacketBuilder) WritePadding(n int) *PacketBuilder {
	if n > 0 {
		b.buf.Write(make([]byte, n))
	}
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// ---- Network family encoders ----

// Encode builds a Heartbeat datagram.
// Format: [hdr:5][uptime:4][wifi:1]
func (m Heartbeat) Encode() []byte {
	return NewPacketBuilder().
		WriteHeader(TypeHeartbeat).
		WriteUint32(m.Uptime).
		WriteByte(m.WifiStrength).
		Build()
}

// Encode builds a full-length GameInfo datagram.
// Format: [hdr:5][game_id:10][title:128][start:4][state:1][has_icon:1][persistent:1][psp_name:32]
func (m GameInfo) Encode() []byte {
	return NewPacketBuilder().
		WriteHeader(TypeGameInfo).
		WriteFixedString(m.GameID, GameIDLen).
		WriteFixedString(m.Title, TitleLen).
		WriteUint32(m.StartTime).
		WriteByte(byte(m.State)).
		WriteBool(m.HasIcon).
		WriteBool(m.Persistent).
		WriteFixedString(m.DeviceName, DeviceNameLen).
		Build()
}

// Encode builds an IconChunk datagram.
// Format: [hdr:5][game_id:10][index:2][total:2][len:2][data...]
func (m IconChunk) Encode() []byte {
	return NewPacketBuilder().
		WriteHeader(TypeIconChunk).
		WriteFixedString(m.GameID, GameIDLen).
		WriteUint16(m.Index).
		WriteUint16(m.Total).
		WriteUint16(uint16(len(m.Data))).
		WriteBytes(m.Data).
		Build()
}

// Encode builds an IconEnd datagram.
// Format: [hdr:5][game_id:10][total_size:4][crc32:4]
func (m IconEnd) Encode() []byte {
	return NewPacketBuilder().
		WriteHeader(TypeIconEnd).
		WriteFixedString(m.GameID, GameIDLen).
		WriteUint32(m.TotalSize).
		WriteUint32(m.CRC32).
		Build()
}

// Encode builds a network StatsRequest, which is a bare header.
func (m StatsRequest) Encode() []byte {
	return NewPacketBuilder().WriteHeader(TypeStatsRequest).Build()
}

func (c StatsChunk) write(b *PacketBuilder) *PacketBuilder {
	return b.WriteUint64(c.LastUpdated).
		WriteUint16(c.Index).
		WriteUint16(c.Total).
		WriteUint16(uint16(len(c.Data))).
		WriteBytes(c.Data)
}

// Encode builds a StatsUpload datagram.
// Format: [hdr:5][last_updated:8][index:2][total:2][len:2][data...]
func (m StatsUpload) Encode() []byte {
	return m.write(NewPacketBuilder().WriteHeader(TypeStatsUpload)).Build()
}

// Encode builds a StatsResponse datagram in the current layout.
func (m StatsResponse) Encode() []byte {
	return m.write(NewPacketBuilder().WriteHeader(TypeStatsResponse)).Build()
}

// EncodeLegacy builds a StatsResponse datagram in the legacy layout that
// prefixes the body with total_games.
// Format: [hdr:5][total_games:2][last_updated:8][index:2][total:2][len:2][data...]
func (m StatsResponse) EncodeLegacy() []byte {
	b := NewPacketBuilder().WriteHeader(TypeStatsResponse).WriteUint16(m.TotalGames)
	return m.write(b).Build()
}

// Encode builds a DiscoveryResponse datagram.
// Format: [hdr:5][psp_name:32][version:8][battery:1]
func (m DiscoveryResponse) Encode() []byte {
	return NewPacketBuilder().
		WriteHeader(TypeDiscoveryResponse).
		WriteFixedString(m.DeviceName, DeviceNameLen).
		WriteFixedString(m.Version, VersionLen).
		WriteByte(m.Battery).
		Build()
}

// Encode builds a DiscoveryRequest datagram. The version keeps at least one
// trailing NUL, so at most 7 bytes of it are sent.
// Format: [hdr:5][listen_port:2][version:8]
func (m DiscoveryRequest) Encode() []byte {
	version := make([]byte, VersionLen)
	encodeString(version[:VersionLen-1], m.Version)
	return NewPacketBuilder().
		WriteHeader(TypeDiscoveryRequest).
		WriteUint16(m.ListenPort).
		WriteBytes(version).
		Build()
}

// Encode builds the fixed 5-byte ACK.
func (Ack) Encode() []byte {
	return NewPacketBuilder().WriteHeader(TypeAck).Build()
}

// Encode builds an IconRequest datagram.
// Format: [hdr:5][game_id:10]
func (m IconRequest) Encode() []byte {
	return NewPacketBuilder().
		WriteHeader(TypeIconRequest).
		WriteFixedString(m.GameID, GameIDLen).
		Build()
}
