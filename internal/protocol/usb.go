package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// USBHeader is the 8-byte frame header of the USB family.
type USBHeader struct {
	Magic    uint32
	Type     MessageType
	Reserved uint8
	Length   uint16
}

// DecodeUSB splits a USB frame into its header and the bytes after it.
func DecodeUSB(frame []byte) (USBHeader, []byte, error) {
	if len(frame) < USBHeaderLen {
		return USBHeader{}, nil, fmt.Errorf("%w: usb header needs %d bytes, got %d", ErrTooShort, USBHeaderLen, len(frame))
	}

	var h USBHeader
	if err := binary.Read(bytes.NewReader(frame), binary.LittleEndian, &h); err != nil {
		return USBHeader{}, nil, fmt.Errorf("failed to parse usb header: %w", err)
	}

	if h.Magic != USBMagic {
		return h, nil, fmt.Errorf("%w: 0x%08X", ErrBadMagic, h.Magic)
	}
	if !h.Type.Known() {
		return h, nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, byte(h.Type))
	}
	return h, frame[USBHeaderLen:], nil
}

// IsUSBAck reports whether frame is a well-formed USB ACK.
func IsUSBAck(frame []byte) bool {
	h, _, err := DecodeUSB(frame)
	return err == nil && h.Type == TypeAck
}

// ParseUSB decodes a USB frame into a typed Message. Offsets follow the
// device's packed C structs.
func ParseUSB(frame []byte) (Message, error) {
	h, body, err := DecodeUSB(frame)
	if err != nil {
		return nil, err
	}

	switch h.Type {
	case TypeHeartbeat:
		if err := need("usb heartbeat", frame, USBHeaderLen+5); err != nil {
			return nil, err
		}
		return USBHeartbeat{
			Uptime:  binary.LittleEndian.Uint32(body[0:4]),
			Battery: body[4],
		}, nil

	case TypeGameInfo:
		return decodeUSBGameInfo(frame, body)

	case TypeIconChunk:
		return decodeUSBIconSegment(frame, body)

	case TypeStatsRequest:
		if err := need("usb stats request", frame, USBStatsRequestLen); err != nil {
			return nil, err
		}
		return StatsRequest{LocalTimestamp: binary.LittleEndian.Uint64(body[0:8])}, nil

	case TypeStatsUpload:
		return DecodeStatsUpload(body)

	case TypeStatsResponse:
		return decodeUSBStatsResponse(frame, body)

	case TypeAck:
		return Ack{}, nil

	case TypeIconRequest:
		if err := need("usb icon request", frame, USBHeaderLen+GameIDLen); err != nil {
			return nil, err
		}
		return IconRequest{GameID: decodeString(body[:GameIDLen])}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02X on usb", ErrUnknownType, byte(h.Type))
	}
}

type usbGameInfoWire struct {
	GameID     [GameIDLen]byte
	Title      [USBTitleLen]byte
	State      uint8
	HasIcon    uint8
	StartTime  uint32
	Persistent uint8
	Name       [DeviceNameLen]byte
}

func decodeUSBGameInfo(frame, body []byte) (GameInfo, error) {
	if err := need("usb game info", frame, USBGameInfoLen); err != nil {
		return GameInfo{}, err
	}

	var w usbGameInfoWire
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &w); err != nil {
		return GameInfo{}, fmt.Errorf("failed to parse usb game info: %w", err)
	}

	return GameInfo{
		GameID:     decodeString(w.GameID[:]),
		Title:      decodeString(w.Title[:]),
		StartTime:  w.StartTime,
		State:      ParseState(w.State),
		HasIcon:    w.HasIcon != 0,
		Persistent: w.Persistent != 0,
		DeviceName: decodeString(w.Name[:]),
	}, nil
}

type usbIconWire struct {
	GameID    [GameIDLen]byte
	TotalSize uint16
	Offset    uint16
	Size      uint16
	Num       uint8
	Total     uint8
}

func decodeUSBIconSegment(frame, body []byte) (IconSegment, error) {
	if err := need("usb icon chunk", frame, USBIconChunkHdrLen); err != nil {
		return IconSegment{}, err
	}

	var w usbIconWire
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &w); err != nil {
		return IconSegment{}, fmt.Errorf("failed to parse usb icon chunk: %w", err)
	}

	end := USBIconChunkHdrLen + int(w.Size)
	if err := need("usb icon chunk data", frame, end); err != nil {
		return IconSegment{}, err
	}

	return IconSegment{
		GameID:    decodeString(w.GameID[:]),
		TotalSize: w.TotalSize,
		Offset:    w.Offset,
		Num:       w.Num,
		Total:     w.Total,
		Data:      bytes.Clone(frame[USBIconChunkHdrLen:end]),
	}, nil
}

type usbStatsRespWire struct {
	LastUpdated uint64
	TotalBytes  uint32
	Index       uint16
	Total       uint16
	Len         uint16
}

func decodeUSBStatsResponse(frame, body []byte) (StatsResponse, error) {
	if err := need("usb stats response", frame, USBStatsRespHdrLen); err != nil {
		return StatsResponse{}, err
	}

	var w usbStatsRespWire
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &w); err != nil {
		return StatsResponse{}, fmt.Errorf("failed to parse usb stats response: %w", err)
	}

	end := USBStatsRespHdrLen + int(w.Len)
	if err := need("usb stats response data", frame, end); err != nil {
		return StatsResponse{}, err
	}

	return StatsResponse{
		StatsChunk: StatsChunk{
			LastUpdated: w.LastUpdated,
			Index:       w.Index,
			Total:       w.Total,
			Data:        bytes.Clone(frame[USBStatsRespHdrLen:end]),
		},
		TotalBytes: w.TotalBytes,
	}, nil
}

// ---- USB encoders ----

func usbFrame(t MessageType, length uint16, size int) *PacketBuilder {
	b := NewPacketBuilder()
	b.WriteUint32(USBMagic).
		WriteByte(byte(t)).
		WriteByte(0).
		WriteUint16(length)
	b.buf.Grow(size - USBHeaderLen)
	return b
}

func pad(b *PacketBuilder, size int) []byte {
	return b.WritePadding(size - b.Len()).Build()
}

// EncodeUSBAck builds the 8-byte ACK frame.
func EncodeUSBAck() []byte {
	return usbFrame(TypeAck, 0, USBAckLen).Build()
}

// EncodeUSBIconRequest builds the 24-byte icon request frame.
func EncodeUSBIconRequest(gameID string) []byte {
	b := usbFrame(TypeIconRequest, 0, USBIconRequestLen).WriteFixedString(gameID, GameIDLen)
	return pad(b, USBIconRequestLen)
}

// EncodeUSBStatsResponse builds one 512-byte stats response frame.
// Layout: [hdr:8][last_updated:8][total_bytes:4][index:2][total:2][len:2][data:480]
func EncodeUSBStatsResponse(m StatsResponse) []byte {
	data := m.Data
	if len(data) > USBChunkSize {
		data = data[:USBChunkSize]
	}
	b := usbFrame(TypeStatsResponse, USBStatsRespLength, USBFrameSize).
		WriteUint64(m.LastUpdated).
		WriteUint32(m.TotalBytes).
		WriteUint16(m.Index).
		WriteUint16(m.Total).
		WriteUint16(uint16(len(data))).
		WriteBytes(data)
	return pad(b, USBFrameSize)
}

// EncodeUSBGameInfo builds a 128-byte game info frame as the device sends it.
func EncodeUSBGameInfo(m GameInfo) []byte {
	b := usbFrame(TypeGameInfo, USBGameInfoLen-USBHeaderLen, USBGameInfoLen).
		WriteFixedString(m.GameID, GameIDLen).
		WriteFixedString(m.Title, USBTitleLen).
		WriteByte(byte(m.State)).
		WriteBool(m.HasIcon).
		WriteUint32(m.StartTime).
		WriteBool(m.Persistent).
		WriteFixedString(m.DeviceName, DeviceNameLen)
	return pad(b, USBGameInfoLen)
}

// EncodeUSBHeartbeat builds a 16-byte heartbeat frame as the device sends it.
func EncodeUSBHeartbeat(m USBHeartbeat) []byte {
	b := usbFrame(TypeHeartbeat, USBHeartbeatLen-USBHeaderLen, USBHeartbeatLen).
		WriteUint32(m.Uptime).
		WriteByte(m.Battery)
	return pad(b, USBHeartbeatLen)
}

// EncodeUSBIconSegment builds an icon chunk frame as the device sends it.
func EncodeUSBIconSegment(m IconSegment) []byte {
	size := USBIconChunkHdrLen + len(m.Data)
	return usbFrame(TypeIconChunk, uint16(size-USBHeaderLen), size).
		WriteFixedString(m.GameID, GameIDLen).
		WriteUint16(m.TotalSize).
		WriteUint16(m.Offset).
		WriteUint16(uint16(len(m.Data))).
		WriteByte(m.Num).
		WriteByte(m.Total).
		WriteBytes(m.Data).
		Build()
}

// EncodeUSBStatsRequest builds a 16-byte stats request frame.
func EncodeUSBStatsRequest(m StatsRequest) []byte {
	return usbFrame(TypeStatsRequest, 8, USBStatsRequestLen).
		WriteUint64(m.LocalTimestamp).
		Build()
}

// EncodeUSBStatsUpload builds a stats upload frame as the device sends it.
func EncodeUSBStatsUpload(m StatsUpload) []byte {
	size := USBStatsUploadHdrLen + len(m.Data)
	return m.write(usbFrame(TypeStatsUpload, uint16(size-USBHeaderLen), size)).Build()
}
