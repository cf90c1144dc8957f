package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Decode splits a network datagram into its type and payload. It fails with
// ErrTooShort, ErrBadMagic or ErrUnknownType.
func Decode(data []byte) (MessageType, []byte, error) {
	if len(data) < NetworkHeaderLen {
		return 0, nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTooShort, NetworkHeaderLen, len(data))
	}
	if !bytes.Equal(data[:4], NetworkMagic[:]) {
		return 0, nil, fmt.Errorf("%w: %q", ErrBadMagic, data[:4])
	}
	t := MessageType(data[4])
	if !t.Known() {
		return t, nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, byte(t))
	}
	return t, data[NetworkHeaderLen:], nil
}

// Parse decodes a whole network datagram into a typed Message.
func Parse(data []byte) (Message, error) {
	t, payload, err := Decode(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeHeartbeat:
		return DecodeHeartbeat(payload)
	case TypeGameInfo:
		return DecodeGameInfo(payload)
	case TypeIconChunk:
		return DecodeIconChunk(payload)
	case TypeIconEnd:
		return DecodeIconEnd(payload)
	case TypeStatsRequest:
		return StatsRequest{}, nil
	case TypeStatsUpload:
		return DecodeStatsUpload(payload)
	case TypeStatsResponse:
		return DecodeStatsResponse(payload)
	case TypeDiscoveryResponse:
		return DecodeDiscoveryResponse(payload)
	case TypeDiscoveryRequest:
		return DecodeDiscoveryRequest(payload)
	case TypeAck:
		return Ack{}, nil
	case TypeIconRequest:
		return DecodeIconRequest(payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, byte(t))
	}
}

func need(what string, payload []byte, n int) error {
	if len(payload) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrTooShort, what, n, len(payload))
	}
	return nil
}

// DecodeHeartbeat parses [uptime:4][wifi:1].
func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	if err := need("heartbeat", payload, HeartbeatLen); err != nil {
		return Heartbeat{}, err
	}
	var hb Heartbeat
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &hb); err != nil {
		return Heartbeat{}, fmt.Errorf("failed to parse heartbeat: %w", err)
	}
	return hb, nil
}

type gameInfoWire struct {
	GameID    [GameIDLen]byte
	Title     [TitleLen]byte
	StartTime uint32
	State     uint8
	HasIcon   uint8
}

// DecodeGameInfo parses a GameInfo payload. Older senders stop after has_icon
// or after the persistent flag; the missing fields default to false/empty.
func DecodeGameInfo(payload []byte) (GameInfo, error) {
	if err := need("game info", payload, GameInfoMinLen); err != nil {
		return GameInfo{}, err
	}

	var w gameInfoWire
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &w); err != nil {
		return GameInfo{}, fmt.Errorf("failed to parse game info: %w", err)
	}

	info := GameInfo{
		GameID:    decodeString(w.GameID[:]),
		Title:     decodeString(w.Title[:]),
		StartTime: w.StartTime,
		State:     ParseState(w.State),
		HasIcon:   w.HasIcon != 0,
	}
	if len(payload) > GameInfoMinLen {
		info.Persistent = payload[GameInfoMinLen] != 0
	}
	if len(payload) >= GameInfoFullLen {
		info.DeviceName = decodeString(payload[GameInfoMinLen+1 : GameInfoFullLen])
	}
	return info, nil
}

// DecodeIconChunk parses [game_id:10][index:2][total:2][len:2][data...].
func DecodeIconChunk(payload []byte) (IconChunk, error) {
	if err := need("icon chunk", payload, IconChunkHdrLen); err != nil {
		return IconChunk{}, err
	}

	r := bytes.NewReader(payload)
	var w struct {
		GameID [GameIDLen]byte
		Index  uint16
		Total  uint16
		Len    uint16
	}
	if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
		return IconChunk{}, fmt.Errorf("failed to parse icon chunk: %w", err)
	}

	end := IconChunkHdrLen + int(w.Len)
	if err := need("icon chunk data", payload, end); err != nil {
		return IconChunk{}, err
	}

	return IconChunk{
		GameID: decodeString(w.GameID[:]),
		Index:  w.Index,
		Total:  w.Total,
		Data:   bytes.Clone(payload[IconChunkHdrLen:end]),
	}, nil
}

// DecodeIconEnd parses [game_id:10][total_size:4][crc32:4].
func DecodeIconEnd(payload []byte) (IconEnd, error) {
	if err := need("icon end", payload, IconEndLen); err != nil {
		return IconEnd{}, err
	}

	var w struct {
		GameID    [GameIDLen]byte
		TotalSize uint32
		CRC32     uint32
	}
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &w); err != nil {
		return IconEnd{}, fmt.Errorf("failed to parse icon end: %w", err)
	}

	return IconEnd{
		GameID:    decodeString(w.GameID[:]),
		TotalSize: w.TotalSize,
		CRC32:     w.CRC32,
	}, nil
}

func decodeStatsChunk(payload []byte) (StatsChunk, error) {
	if err := need("stats chunk", payload, StatsChunkHdrLen); err != nil {
		return StatsChunk{}, err
	}

	var w struct {
		LastUpdated uint64
		Index       uint16
		Total       uint16
		Len         uint16
	}
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &w); err != nil {
		return StatsChunk{}, fmt.Errorf("failed to parse stats chunk: %w", err)
	}

	end := StatsChunkHdrLen + int(w.Len)
	if err := need("stats chunk data", payload, end); err != nil {
		return StatsChunk{}, err
	}

	return StatsChunk{
		LastUpdated: w.LastUpdated,
		Index:       w.Index,
		Total:       w.Total,
		Data:        bytes.Clone(payload[StatsChunkHdrLen:end]),
	}, nil
}

// DecodeStatsUpload parses a StatsUpload payload.
func DecodeStatsUpload(payload []byte) (StatsUpload, error) {
	chunk, err := decodeStatsChunk(payload)
	if err != nil {
		return StatsUpload{}, fmt.Errorf("failed to parse stats upload: %w", err)
	}
	return StatsUpload{chunk}, nil
}

// DecodeStatsResponse parses the current StatsResponse layout.
func DecodeStatsResponse(payload []byte) (StatsResponse, error) {
	chunk, err := decodeStatsChunk(payload)
	if err != nil {
		return StatsResponse{}, fmt.Errorf("failed to parse stats response: %w", err)
	}
	return StatsResponse{StatsChunk: chunk}, nil
}

// DecodeLegacyStatsResponse parses the legacy layout that starts with
// total_games.
func DecodeLegacyStatsResponse(payload []byte) (StatsResponse, error) {
	if err := need("legacy stats response", payload, LegacyStatsHdr); err != nil {
		return StatsResponse{}, err
	}
	chunk, err := decodeStatsChunk(payload[2:])
	if err != nil {
		return StatsResponse{}, fmt.Errorf("failed to parse legacy stats response: %w", err)
	}
	return StatsResponse{
		StatsChunk: chunk,
		TotalGames: binary.LittleEndian.Uint16(payload[:2]),
	}, nil
}

// DecodeDiscoveryResponse parses [psp_name:32][version:8][battery:1].
func DecodeDiscoveryResponse(payload []byte) (DiscoveryResponse, error) {
	if err := need("discovery response", payload, DiscoveryRespLen); err != nil {
		return DiscoveryResponse{}, err
	}
	return DiscoveryResponse{
		DeviceName: decodeString(payload[:DeviceNameLen]),
		Version:    decodeString(payload[DeviceNameLen : DeviceNameLen+VersionLen]),
		Battery:    payload[DeviceNameLen+VersionLen],
	}, nil
}

// DecodeDiscoveryRequest parses [listen_port:2][version:8].
func DecodeDiscoveryRequest(payload []byte) (DiscoveryRequest, error) {
	if err := need("discovery request", payload, DiscoveryReqLen); err != nil {
		return DiscoveryRequest{}, err
	}
	return DiscoveryRequest{
		ListenPort: binary.LittleEndian.Uint16(payload[:2]),
		Version:    decodeString(payload[2:DiscoveryReqLen]),
	}, nil
}

// DecodeIconRequest parses [game_id:10].
func DecodeIconRequest(payload []byte) (IconRequest, error) {
	if err := need("icon request", payload, GameIDLen); err != nil {
		return IconRequest{}, err
	}
	return IconRequest{GameID: decodeString(payload[:GameIDLen])}, nil
}
