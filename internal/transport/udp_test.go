package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/session"
)

func listenLocal(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *net.UDPConn, wait time.Duration) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, protocol.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(wait))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func startUDP(t *testing.T, cfg UDPConfig) (*UDPAdapter, *fakeHandler) {
	t.Helper()
	handler := newFakeHandler()
	cfg.Host = "127.0.0.1"
	cfg.ChunkDelay = time.Millisecond
	cfg.Version = "1.0.0"
	adapter := NewUDPAdapter(cfg, handler)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- adapter.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	select {
	case <-adapter.Ready():
	case err := <-errCh:
		t.Fatalf("Run() error = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not bind")
	}
	return adapter, handler
}

func TestUDPAcksAndSendsOneDiscoveryRequest(t *testing.T) {
	discovery := listenLocal(t)
	adapter, handler := startUDP(t, UDPConfig{
		DiscoveryPort: discovery.LocalAddr().(*net.UDPAddr).Port,
		AutoDiscovery: true,
	})
	device := listenLocal(t)
	host := adapter.LocalAddr()

	for i := 0; i < 2; i++ {
		if _, err := device.WriteToUDP(protocol.Heartbeat{Uptime: uint32(i), WifiStrength: 40}.Encode(), host); err != nil {
			t.Fatalf("WriteToUDP() error = %v", err)
		}

		frame, ok := readFrame(t, device, 2*time.Second)
		if !ok {
			t.Fatalf("heartbeat %d: no ACK", i)
		}
		if typ, _, err := protocol.Decode(frame); err != nil || typ != protocol.TypeAck {
			t.Errorf("heartbeat %d: reply type = %v (err %v), want %v", i, typ, err, protocol.TypeAck)
		}
	}

	frame, ok := readFrame(t, discovery, 2*time.Second)
	if !ok {
		t.Fatal("no discovery request on the discovery port")
	}
	msg, err := protocol.Parse(frame)
	if err != nil {
		t.Fatalf("Parse(discovery) error = %v", err)
	}
	req, ok := msg.(protocol.DiscoveryRequest)
	if !ok {
		t.Fatalf("discovery frame = %T, want DiscoveryRequest", msg)
	}
	if int(req.ListenPort) != host.Port || req.Version != "1.0.0" {
		t.Errorf("DiscoveryRequest = %+v, want port %d version 1.0.0", req, host.Port)
	}

	if _, ok := readFrame(t, discovery, 200*time.Millisecond); ok {
		t.Error("second discovery request sent for the same address")
	}
	if got := handler.dispatchCount(); got != 2 {
		t.Errorf("dispatched = %d, want 2", got)
	}
}

func TestUDPNoDiscoveryRequestWhenDisabled(t *testing.T) {
	discovery := listenLocal(t)
	adapter, handler := startUDP(t, UDPConfig{
		DiscoveryPort: discovery.LocalAddr().(*net.UDPAddr).Port,
		AutoDiscovery: false,
	})
	device := listenLocal(t)

	if _, err := device.WriteToUDP(protocol.Heartbeat{Uptime: 1}.Encode(), adapter.LocalAddr()); err != nil {
		t.Fatalf("WriteToUDP() error = %v", err)
	}
	if _, ok := readFrame(t, device, 2*time.Second); !ok {
		t.Fatal("heartbeat was not acknowledged")
	}
	if _, ok := readFrame(t, discovery, 300*time.Millisecond); ok {
		t.Error("discovery request sent with auto discovery disabled")
	}
	if got := handler.dispatchCount(); got != 1 {
		t.Errorf("dispatched = %d, want 1", got)
	}
}

func TestUDPDropsMalformedWithoutAck(t *testing.T) {
	adapter, handler := startUDP(t, UDPConfig{})
	device := listenLocal(t)

	for _, frame := range [][]byte{
		[]byte("PSP"),
		[]byte("XXXX\x01\x00\x00\x00\x00\x00"),
		{'P', 'S', 'P', 'R', 0x7F},
		{'P', 'S', 'P', 'R', byte(protocol.TypeGameInfo), 1, 2, 3},
	} {
		device.WriteToUDP(frame, adapter.LocalAddr())
	}

	if _, ok := readFrame(t, device, 300*time.Millisecond); ok {
		t.Error("malformed packet was acknowledged")
	}
	if got := handler.dispatchCount(); got != 0 {
		t.Errorf("dispatched = %d, want 0", got)
	}
}

func TestUDPSendSequenceKeepsOrder(t *testing.T) {
	adapter, _ := startUDP(t, UDPConfig{})
	device := listenLocal(t)
	id := session.UDPIdentity(device.LocalAddr().(*net.UDPAddr))

	frames := adapter.Codec().StatsResponse(42, make([]byte, 2500))
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if err := adapter.SendSequence(context.Background(), id, frames); err != nil {
		t.Fatalf("SendSequence() error = %v", err)
	}

	for i := range frames {
		frame, ok := readFrame(t, device, 2*time.Second)
		if !ok {
			t.Fatalf("frame %d missing", i)
		}
		msg, err := protocol.Parse(frame)
		if err != nil {
			t.Fatalf("Parse(frame %d) error = %v", i, err)
		}
		resp := msg.(protocol.StatsResponse)
		if int(resp.Index) != i || resp.Total != 3 || resp.LastUpdated != 42 {
			t.Errorf("frame %d = index %d/%d last_updated %d", i, resp.Index, resp.Total, resp.LastUpdated)
		}
	}
}

func TestUDPRejectsForeignIdentity(t *testing.T) {
	adapter := NewUDPAdapter(UDPConfig{}, newFakeHandler())
	err := adapter.Send(context.Background(), session.USBIdentity("bus1-dev2"), []byte{1})
	if !errors.Is(err, ErrWrongTransport) {
		t.Errorf("Send() error = %v, want %v", err, ErrWrongTransport)
	}
}
