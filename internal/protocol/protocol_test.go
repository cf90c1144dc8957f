package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

// ============================================================================
// Network family
// ============================================================================

type encoder interface {
	Message
	Encode() []byte
}

func TestNetworkRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  encoder
	}{
		{"heartbeat", Heartbeat{Uptime: 123456, WifiStrength: 87}},
		{"game info empty strings", GameInfo{State: StateXMB}},
		{"game info full width", GameInfo{
			GameID:     "ULUS100410",
			Title:      strings.Repeat("T", TitleLen),
			StartTime:  1700000000,
			State:      StateGame,
			HasIcon:    true,
			Persistent: true,
			DeviceName: strings.Repeat("n", DeviceNameLen),
		}},
		{"icon chunk", IconChunk{GameID: "NPUG80318", Index: 2, Total: 3, Data: []byte{1, 2, 3, 4}}},
		{"icon end", IconEnd{GameID: "NPUG80318", TotalSize: 300, CRC32: 0xDEADBEEF}},
		{"stats request", StatsRequest{}},
		{"stats upload", StatsUpload{StatsChunk{LastUpdated: 42, Index: 0, Total: 2, Data: []byte(`{"games":[]}`)}}},
		{"stats response", StatsResponse{StatsChunk: StatsChunk{LastUpdated: 1 << 40, Index: 1, Total: 2, Data: []byte("tail")}}},
		{"discovery response", DiscoveryResponse{DeviceName: "Kitchen PSP", Version: "12345678", Battery: 64}},
		{"discovery request", DiscoveryRequest{ListenPort: 9276, Version: "1.2.3-b"}},
		{"ack", Ack{}},
		{"icon request", IconRequest{GameID: "UCUS98632"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.msg.Encode())
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("Parse(Encode()) = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	validGame := GameInfo{GameID: "ABC"}.Encode()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTooShort},
		{"header only magic", []byte("PSPR"), ErrTooShort},
		{"bad magic", []byte{'X', 'S', 'P', 'R', 0x01, 0, 0, 0, 0, 0}, ErrBadMagic},
		{"usb magic on network", EncodeUSBAck(), ErrBadMagic},
		{"unknown type", []byte{'P', 'S', 'P', 'R', 0x7F}, ErrUnknownType},
		{"short heartbeat", []byte{'P', 'S', 'P', 'R', 0x01, 1, 2}, ErrTooShort},
		{"short game info", validGame[:NetworkHeaderLen+GameInfoMinLen-1], ErrTooShort},
		{"icon data overrun", IconChunk{GameID: "A", Data: make([]byte, 10)}.Encode()[:NetworkHeaderLen+IconChunkHdrLen+5], ErrTooShort},
		{"short icon end", IconEnd{GameID: "A"}.Encode()[:NetworkHeaderLen+IconEndLen-1], ErrTooShort},
		{"short discovery response", DiscoveryResponse{}.Encode()[:NetworkHeaderLen+20], ErrTooShort},
		{"short stats upload", StatsUpload{}.Encode()[:NetworkHeaderLen+StatsChunkHdrLen-1], ErrTooShort},
		{"stats upload overrun", StatsUpload{StatsChunk{Data: make([]byte, 8)}}.Encode()[:NetworkHeaderLen+StatsChunkHdrLen+4], ErrTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodersRejectTruncatedPayloads(t *testing.T) {
	tests := []struct {
		name   string
		full   []byte
		decode func([]byte) error
	}{
		{"heartbeat", Heartbeat{Uptime: 1}.Encode(), func(b []byte) error { _, err := DecodeHeartbeat(b); return err }},
		{"icon chunk", IconChunk{GameID: "A"}.Encode(), func(b []byte) error { _, err := DecodeIconChunk(b); return err }},
		{"icon end", IconEnd{GameID: "A"}.Encode(), func(b []byte) error { _, err := DecodeIconEnd(b); return err }},
		{"stats upload", StatsUpload{}.Encode(), func(b []byte) error { _, err := DecodeStatsUpload(b); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := tt.full[NetworkHeaderLen:]
			for n := 0; n < len(payload); n++ {
				if err := tt.decode(payload[:n]); !errors.Is(err, ErrTooShort) {
					t.Errorf("decode(%d of %d bytes) error = %v, want %v", n, len(payload), err, ErrTooShort)
				}
			}
			if err := tt.decode(payload); err != nil {
				t.Errorf("decode(full) error = %v", err)
			}
		})
	}
}

func TestGameInfoOlderSenders(t *testing.T) {
	full := GameInfo{
		GameID:     "ULES01213",
		Title:      "Patapon",
		State:      StateGame,
		HasIcon:    true,
		Persistent: true,
		DeviceName: "Living Room",
	}.Encode()
	payload := full[NetworkHeaderLen:]

	tests := []struct {
		name           string
		length         int
		wantPersistent bool
		wantName       string
	}{
		{"minimum", GameInfoMinLen, false, ""},
		{"with persistent flag", GameInfoMinLen + 1, true, ""},
		{"partial name", GameInfoFullLen - 1, true, ""},
		{"full", GameInfoFullLen, true, "Living Room"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := DecodeGameInfo(payload[:tt.length])
			if err != nil {
				t.Fatalf("DecodeGameInfo() error = %v", err)
			}
			if info.Persistent != tt.wantPersistent {
				t.Errorf("Persistent = %v, want %v", info.Persistent, tt.wantPersistent)
			}
			if info.DeviceName != tt.wantName {
				t.Errorf("DeviceName = %q, want %q", info.DeviceName, tt.wantName)
			}
			if info.Title != "Patapon" {
				t.Errorf("Title = %q, want %q", info.Title, "Patapon")
			}
		})
	}
}

func TestUnknownStateFallsBackToXMB(t *testing.T) {
	frame := GameInfo{GameID: "X"}.Encode()
	frame[NetworkHeaderLen+GameIDLen+TitleLen+4] = 0x09

	msg, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := msg.(GameInfo).State; got != StateXMB {
		t.Errorf("State = %v, want %v", got, StateXMB)
	}
	if got := StateHomebrew.String(); got != "Running Homebrew" {
		t.Errorf("StateHomebrew.String() = %q", got)
	}
}

func TestLossyStrings(t *testing.T) {
	payload := make([]byte, GameIDLen+4+4)
	copy(payload, []byte{'U', 0xFF, 0xFE, 'S'})

	end, err := DecodeIconEnd(payload)
	if err != nil {
		t.Fatalf("DecodeIconEnd() error = %v", err)
	}
	if !utf8.ValidString(end.GameID) {
		t.Errorf("GameID %q is not valid UTF-8", end.GameID)
	}
	if !strings.HasPrefix(end.GameID, "U") || !strings.HasSuffix(end.GameID, "S") {
		t.Errorf("GameID = %q, want U...S with replacement in between", end.GameID)
	}
}

func TestFixedStringTruncatesOnRuneBoundary(t *testing.T) {
	field := make([]byte, 5)
	encodeString(field, "ab日本")

	if got := decodeString(field); got != "ab日" {
		t.Errorf("decodeString() = %q, want %q", got, "ab日")
	}
}

func TestDiscoveryRequestKeepsTrailingNUL(t *testing.T) {
	frame := DiscoveryRequest{ListenPort: 9276, Version: "12345678"}.Encode()

	if len(frame) != NetworkHeaderLen+DiscoveryReqLen {
		t.Fatalf("len = %d, want %d", len(frame), NetworkHeaderLen+DiscoveryReqLen)
	}
	if frame[len(frame)-1] != 0 {
		t.Errorf("last byte = %d, want 0", frame[len(frame)-1])
	}

	req, _ := DecodeDiscoveryRequest(frame[NetworkHeaderLen:])
	if req.Version != "1234567" {
		t.Errorf("Version = %q, want %q", req.Version, "1234567")
	}
}

func TestLegacyStatsResponseOffsets(t *testing.T) {
	resp := StatsResponse{
		StatsChunk: StatsChunk{LastUpdated: 99, Index: 3, Total: 7, Data: []byte("abc")},
		TotalGames: 12,
	}
	frame := resp.EncodeLegacy()

	if got := binary.LittleEndian.Uint16(frame[15:]); got != 3 {
		t.Errorf("chunk_index at 15 = %d, want 3", got)
	}
	if got := binary.LittleEndian.Uint16(frame[17:]); got != 7 {
		t.Errorf("total_chunks at 17 = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint16(frame[19:]); got != 3 {
		t.Errorf("data_len at 19 = %d, want 3", got)
	}

	_, payload, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, err := DecodeLegacyStatsResponse(payload)
	if err != nil {
		t.Fatalf("DecodeLegacyStatsResponse() error = %v", err)
	}
	if !reflect.DeepEqual(got, resp) {
		t.Errorf("DecodeLegacyStatsResponse() = %+v, want %+v", got, resp)
	}
}

// ============================================================================
// USB family
// ============================================================================

func TestUSBGameInfoLayout(t *testing.T) {
	info := GameInfo{
		GameID:     "UCUS98632",
		Title:      strings.Repeat("x", USBTitleLen),
		StartTime:  0x01020304,
		State:      StateVideo,
		HasIcon:    true,
		Persistent: true,
		DeviceName: "Travel PSP",
	}
	frame := EncodeUSBGameInfo(info)

	if len(frame) != USBGameInfoLen {
		t.Fatalf("len = %d, want %d", len(frame), USBGameInfoLen)
	}
	if frame[82] != byte(StateVideo) || frame[83] != 1 || frame[88] != 1 {
		t.Errorf("state/has_icon/persistent = %d/%d/%d", frame[82], frame[83], frame[88])
	}
	if got := binary.LittleEndian.Uint32(frame[84:]); got != 0x01020304 {
		t.Errorf("start_time = %#x, want 0x01020304", got)
	}
	if got := decodeString(frame[89:121]); got != "Travel PSP" {
		t.Errorf("psp_name = %q", got)
	}

	msg, err := ParseUSB(frame)
	if err != nil {
		t.Fatalf("ParseUSB() error = %v", err)
	}
	if !reflect.DeepEqual(msg, info) {
		t.Errorf("ParseUSB() = %+v, want %+v", msg, info)
	}
}

func TestUSBRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		size  int
		want  Message
	}{
		{"heartbeat", EncodeUSBHeartbeat(USBHeartbeat{Uptime: 77, Battery: 55}), USBHeartbeatLen, USBHeartbeat{Uptime: 77, Battery: 55}},
		{"ack", EncodeUSBAck(), USBAckLen, Ack{}},
		{"icon request", EncodeUSBIconRequest("NPJH50443"), USBIconRequestLen, IconRequest{GameID: "NPJH50443"}},
		{"stats request", EncodeUSBStatsRequest(StatsRequest{LocalTimestamp: 1234}), USBStatsRequestLen, StatsRequest{LocalTimestamp: 1234}},
		{
			"icon segment",
			EncodeUSBIconSegment(IconSegment{GameID: "G", TotalSize: 900, Offset: 450, Num: 1, Total: 2, Data: []byte{9, 8, 7}}),
			USBIconChunkHdrLen + 3,
			IconSegment{GameID: "G", TotalSize: 900, Offset: 450, Num: 1, Total: 2, Data: []byte{9, 8, 7}},
		},
		{
			"stats upload",
			EncodeUSBStatsUpload(StatsUpload{StatsChunk{LastUpdated: 5, Index: 1, Total: 2, Data: []byte("{}")}}),
			USBStatsUploadHdrLen + 2,
			StatsUpload{StatsChunk{LastUpdated: 5, Index: 1, Total: 2, Data: []byte("{}")}},
		},
		{
			"stats response",
			EncodeUSBStatsResponse(StatsResponse{StatsChunk: StatsChunk{LastUpdated: 8, Index: 0, Total: 1, Data: []byte("[]")}, TotalBytes: 2}),
			USBFrameSize,
			StatsResponse{StatsChunk: StatsChunk{LastUpdated: 8, Index: 0, Total: 1, Data: []byte("[]")}, TotalBytes: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.frame) != tt.size {
				t.Errorf("len = %d, want %d", len(tt.frame), tt.size)
			}
			got, err := ParseUSB(tt.frame)
			if err != nil {
				t.Fatalf("ParseUSB() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseUSB() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUSBHeaderFields(t *testing.T) {
	frame := EncodeUSBStatsResponse(StatsResponse{StatsChunk: StatsChunk{Data: []byte("x")}})

	h, _, err := DecodeUSB(frame)
	if err != nil {
		t.Fatalf("DecodeUSB() error = %v", err)
	}
	if h.Length != USBStatsRespLength {
		t.Errorf("Length = %d, want %d", h.Length, USBStatsRespLength)
	}
	if !bytes.Equal(frame[:4], []byte("DPSP")) {
		t.Errorf("magic bytes = %q, want little-endian PSPD", frame[:4])
	}
	if !IsUSBAck(EncodeUSBAck()) || IsUSBAck(frame) {
		t.Error("IsUSBAck misclassified a frame")
	}
}

func TestUSBDecodeErrors(t *testing.T) {
	short := EncodeUSBGameInfo(GameInfo{GameID: "A"})[:100]
	overrun := EncodeUSBIconSegment(IconSegment{GameID: "A", Data: make([]byte, 40)})[:USBIconChunkHdrLen+10]

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"short header", []byte{0x44, 0x50}, ErrTooShort},
		{"network magic", Ack{}.Encode(), ErrTooShort},
		{"bad magic", []byte{0, 0, 0, 0, 0x10, 0, 0, 0}, ErrBadMagic},
		{"unknown type", []byte{0x44, 0x50, 0x53, 0x50, 0x55, 0, 0, 0}, ErrUnknownType},
		{"short game info", short, ErrTooShort},
		{"icon overrun", overrun, ErrTooShort},
		{"short stats upload", EncodeUSBStatsUpload(StatsUpload{})[:USBStatsUploadHdrLen-1], ErrTooShort},
		{"short stats response", EncodeUSBStatsResponse(StatsResponse{})[:USBStatsRespHdrLen-1], ErrTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseUSB(tt.frame); !errors.Is(err, tt.want) {
				t.Errorf("ParseUSB() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ============================================================================
// Codecs
// ============================================================================

func TestNetworkCodecChunking(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 250)
	frames := NetworkCodec{}.StatsResponse(77, payload)

	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}

	var joined []byte
	for i, frame := range frames {
		msg, err := Parse(frame)
		if err != nil {
			t.Fatalf("Parse(frame %d) error = %v", i, err)
		}
		resp := msg.(StatsResponse)
		if int(resp.Index) != i || resp.Total != 3 || resp.LastUpdated != 77 {
			t.Errorf("frame %d header = %d/%d@%d", i, resp.Index, resp.Total, resp.LastUpdated)
		}
		if len(frame) > MaxDatagramSize {
			t.Errorf("frame %d is %d bytes, over datagram limit", i, len(frame))
		}
		joined = append(joined, resp.Data...)
	}
	if !bytes.Equal(joined, payload) {
		t.Error("reassembled payload differs from input")
	}
}

func TestUSBCodecChunking(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1000)
	frames := USBCodec{}.StatsResponse(1, payload)

	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, frame := range frames {
		if len(frame) != USBFrameSize {
			t.Errorf("frame %d len = %d, want %d", i, len(frame), USBFrameSize)
		}
		msg, err := ParseUSB(frame)
		if err != nil {
			t.Fatalf("ParseUSB(frame %d) error = %v", i, err)
		}
		if got := msg.(StatsResponse).TotalBytes; got != 1000 {
			t.Errorf("TotalBytes = %d, want 1000", got)
		}
	}
}

func TestEmptyPayloadStillSendsOneChunk(t *testing.T) {
	frames := NetworkCodec{}.StatsResponse(0, nil)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	msg, _ := Parse(frames[0])
	if resp := msg.(StatsResponse); resp.Total != 1 || len(resp.Data) != 0 {
		t.Errorf("resp = %+v, want one empty chunk", resp)
	}
}
