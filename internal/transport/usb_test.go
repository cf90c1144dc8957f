package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/session"
)

var errUnplugged = errors.New("device unplugged")

type fakeDevice struct {
	port    string
	inbound chan []byte
	unplug  chan struct{}
	onWrite func(d *fakeDevice, n int, frame []byte)

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeDevice(port string) *fakeDevice {
	return &fakeDevice{
		port:    port,
		inbound: make(chan []byte, 64),
		unplug:  make(chan struct{}),
	}
}

func (d *fakeDevice) Read(buf []byte, timeout time.Duration) (int, error) {
	select {
	case <-d.unplug:
		return 0, errUnplugged
	default:
	}
	select {
	case frame := <-d.inbound:
		return copy(buf, frame), nil
	case <-d.unplug:
		return 0, errUnplugged
	case <-time.After(timeout):
		return 0, nil
	}
}

func (d *fakeDevice) Write(frame []byte) error {
	d.mu.Lock()
	d.written = append(d.written, append([]byte(nil), frame...))
	n := len(d.written)
	d.mu.Unlock()
	if d.onWrite != nil {
		d.onWrite(d, n, frame)
	}
	return nil
}

func (d *fakeDevice) Port() string { return d.port }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) frames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.written...)
}

type fakeOpener struct {
	devices chan Device
}

func (o *fakeOpener) Open(ctx context.Context) (Device, error) {
	select {
	case dev := <-o.devices:
		return dev, nil
	default:
		return nil, ErrNoDevice
	}
}

func startUSB(t *testing.T, cfg USBConfig, dev *fakeDevice) (*USBAdapter, *fakeHandler) {
	t.Helper()
	opener := &fakeOpener{devices: make(chan Device, 1)}
	opener.devices <- dev
	handler := newFakeHandler()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReadTimeout = 5 * time.Millisecond
	adapter := NewUSBAdapter(cfg, opener, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		adapter.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := adapter.Current(); ok {
			return adapter, handler
		}
		if time.Now().After(deadline) {
			t.Fatal("device never attached")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDispatch(t *testing.T, h *fakeHandler) protocol.Message {
	t.Helper()
	select {
	case msg := <-h.dispatchCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing dispatched")
		return nil
	}
}

func TestUSBAttachAcksAndDispatches(t *testing.T) {
	dev := newFakeDevice("bus1-dev5")
	adapter, handler := startUSB(t, USBConfig{}, dev)

	id, _ := adapter.Current()
	if id != session.USBIdentity("bus1-dev5") {
		t.Errorf("Current() = %v", id)
	}

	dev.inbound <- protocol.EncodeUSBGameInfo(protocol.GameInfo{GameID: "ULJM05800", Title: "Monster Hunter", State: protocol.StateGame})
	msg := waitDispatch(t, handler)
	if game, ok := msg.(protocol.GameInfo); !ok || game.GameID != "ULJM05800" {
		t.Errorf("dispatched %#v, want GameInfo ULJM05800", msg)
	}

	written := dev.frames()
	if len(written) == 0 || !protocol.IsUSBAck(written[0]) {
		t.Fatalf("first frame written on attach is not an ACK: %v", written)
	}
	if len(written) != 1 {
		t.Errorf("inbound frame was answered with %d extra writes, want 0", len(written)-1)
	}
}

func TestUSBDisconnectOnReadError(t *testing.T) {
	dev := newFakeDevice("bus1-dev5")
	adapter, handler := startUSB(t, USBConfig{}, dev)

	close(dev.unplug)

	select {
	case reason := <-handler.detachCh:
		if reason != "io error" {
			t.Errorf("detach reason = %q, want %q", reason, "io error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no detach after read error")
	}

	if _, ok := adapter.Current(); ok {
		t.Error("adapter still reports an attached device")
	}
	id := session.USBIdentity("bus1-dev5")
	if err := adapter.Send(context.Background(), id, []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after detach error = %v, want %v", err, ErrNotConnected)
	}
}

func TestUSBSequenceWaitsForAcks(t *testing.T) {
	dev := newFakeDevice("bus2-dev1")
	dev.onWrite = func(d *fakeDevice, n int, frame []byte) {
		h, _, err := protocol.DecodeUSB(frame)
		if err != nil || h.Type != protocol.TypeStatsResponse {
			return
		}
		// A heartbeat overtakes the first ACK and must still be delivered.
		if n == 2 {
			d.inbound <- protocol.EncodeUSBHeartbeat(protocol.USBHeartbeat{Uptime: 9, Battery: 81})
		}
		d.inbound <- protocol.EncodeUSBAck()
	}
	adapter, handler := startUSB(t, USBConfig{AckTimeout: 5 * time.Second}, dev)

	id, _ := adapter.Current()
	frames := adapter.Codec().StatsResponse(7, make([]byte, 1000))
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}

	start := time.Now()
	if err := adapter.SendSequence(context.Background(), id, frames); err != nil {
		t.Fatalf("SendSequence() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("SendSequence took %v; ACKs were not honoured", elapsed)
	}

	written := dev.frames()
	if len(written) != 4 {
		t.Fatalf("written = %d frames, want attach ACK + 3 chunks", len(written))
	}
	for i, frame := range written[1:] {
		if len(frame) != protocol.USBFrameSize {
			t.Errorf("chunk %d is %d bytes, want %d", i, len(frame), protocol.USBFrameSize)
		}
	}

	msg := waitDispatch(t, handler)
	if hb, ok := msg.(protocol.USBHeartbeat); !ok || hb.Battery != 81 {
		t.Errorf("dispatched %#v, want the heartbeat received during the ACK wait", msg)
	}
}

func TestUSBSequenceContinuesWithoutAck(t *testing.T) {
	dev := newFakeDevice("bus2-dev1")
	adapter, _ := startUSB(t, USBConfig{AckTimeout: 30 * time.Millisecond, AckPoll: time.Millisecond}, dev)

	id, _ := adapter.Current()
	frames := adapter.Codec().StatsResponse(7, make([]byte, 600))
	if err := adapter.SendSequence(context.Background(), id, frames); err != nil {
		t.Fatalf("SendSequence() error = %v", err)
	}
	if got := len(dev.frames()); got != 1+len(frames) {
		t.Errorf("written = %d frames, want %d", got, 1+len(frames))
	}
}

func TestUSBSendRejectsOtherIdentities(t *testing.T) {
	dev := newFakeDevice("bus1-dev5")
	adapter, _ := startUSB(t, USBConfig{}, dev)

	tests := []struct {
		id   session.Identity
		want error
	}{
		{session.USBIdentity("bus9-dev9"), ErrNotConnected},
		{session.Identity{Transport: session.TransportUDP, Addr: "1.2.3.4:5"}, ErrWrongTransport},
	}
	for _, tt := range tests {
		if err := adapter.Send(context.Background(), tt.id, []byte{1}); !errors.Is(err, tt.want) {
			t.Errorf("Send(%v) error = %v, want %v", tt.id, err, tt.want)
		}
	}
}

func TestUSBStaleCommandIsNotWrittenToNewDevice(t *testing.T) {
	opener := &fakeOpener{devices: make(chan Device, 1)}
	adapter := NewUSBAdapter(USBConfig{PollInterval: 10 * time.Millisecond, ReadTimeout: 5 * time.Millisecond}, opener, newFakeHandler())

	// A command for a device that detached before it could be served.
	stale := outbound{
		id:     session.USBIdentity("bus1-dev5"),
		frames: [][]byte{protocol.EncodeUSBIconRequest("ULUS10041")},
		done:   make(chan error, 1),
	}
	adapter.queue <- stale

	dev := newFakeDevice("bus3-dev2")
	opener.devices <- dev
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		adapter.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case err := <-stale.done:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("stale command error = %v, want %v", err, ErrNotConnected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale command never completed")
	}
	for i, frame := range dev.frames() {
		if h, _, err := protocol.DecodeUSB(frame); err == nil && h.Type == protocol.TypeIconRequest {
			t.Errorf("frame %d: stale icon request written to %s", i, dev.Port())
		}
	}
}

func TestUSBSendAfterDetachFailsFast(t *testing.T) {
	dev := newFakeDevice("bus1-dev5")
	adapter, handler := startUSB(t, USBConfig{}, dev)
	id, _ := adapter.Current()

	close(dev.unplug)
	select {
	case <-handler.detachCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no detach after unplug")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := adapter.SendSequence(ctx, id, [][]byte{protocol.EncodeUSBAck()}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendSequence() after detach error = %v, want %v", err, ErrNotConnected)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("SendSequence() after detach took %v, want an immediate failure", elapsed)
	}
}
