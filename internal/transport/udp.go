package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/session"
	"github.com/pspdrp/companion/internal/util"
)

// UDPConfig configures the datagram adapter.
type UDPConfig struct {
	// Host is the bind address; empty binds every interface.
	Host              string
	ListenPort        int
	DiscoveryPort     int
	AutoDiscovery     bool
	DiscoveryInterval time.Duration
	// ChunkDelay spaces the frames of a sequence.
	ChunkDelay time.Duration
	// Version is announced in discovery requests.
	Version string
	// Legacy selects the stats response layout with total_games.
	Legacy bool
}

// UDPAdapter serves PSPs over the "PSPR" datagram protocol. A single
// goroutine reads the socket; every well-formed device packet is ACKed and
// handed to the Handler, and the first Heartbeat or GameInfo of a session
// triggers a discovery request to the device's discovery port.
type UDPAdapter struct {
	cfg     UDPConfig
	handler Handler
	codec   protocol.NetworkCodec
	logger  zerolog.Logger

	mu    sync.RWMutex
	conn  *net.UDPConn
	ready chan struct{}
}

// NewUDPAdapter creates an adapter that is bound when Run starts.
func NewUDPAdapter(cfg UDPConfig, handler Handler) *UDPAdapter {
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = 10 * time.Millisecond
	}
	return &UDPAdapter{
		cfg:     cfg,
		handler: handler,
		codec:   protocol.NetworkCodec{Legacy: cfg.Legacy},
		logger:  util.ComponentLogger("udp"),
		ready:   make(chan struct{}),
	}
}

func (a *UDPAdapter) Kind() session.Transport { return session.TransportUDP }

func (a *UDPAdapter) Codec() protocol.Codec { return a.codec }

// Ready is closed once the socket is bound.
func (a *UDPAdapter) Ready() <-chan struct{} { return a.ready }

// LocalAddr returns the bound address, or nil before Run binds.
func (a *UDPAdapter) LocalAddr() *net.UDPAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Run binds the listen port and serves until ctx is cancelled.
func (a *UDPAdapter) Run(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.ListenPort))

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP listener on %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	close(a.ready)

	a.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("listening for PSP connections")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if a.cfg.AutoDiscovery && a.cfg.DiscoveryInterval > 0 {
		go a.broadcastLoop(ctx)
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				a.logger.Info().Msg("UDP listener stopping")
				return nil
			default:
				a.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
		}
		a.handle(ctx, remote, buf[:n])
	}
}

func (a *UDPAdapter) handle(ctx context.Context, remote *net.UDPAddr, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		a.logger.Trace().Err(err).Str("remote", remote.String()).Int("bytes", len(data)).Msg("dropping packet")
		return
	}
	if !fromDevice(msg.Type()) {
		return
	}

	a.writeTo(a.codec.Ack(), remote)

	id := session.UDPIdentity(remote)
	if err := a.handler.Dispatch(ctx, id, msg); err != nil {
		a.logger.Debug().Err(err).Str("device", id.String()).Stringer("type", msg.Type()).Msg("dispatch failed")
	}

	switch msg.Type() {
	case protocol.TypeHeartbeat, protocol.TypeGameInfo:
		if a.cfg.AutoDiscovery && a.cfg.DiscoveryPort > 0 && a.handler.ClaimDiscovery(id) {
			target := &net.UDPAddr{IP: remote.IP, Port: a.cfg.DiscoveryPort}
			a.writeTo(a.discoveryRequest(), target)
			a.logger.Debug().Str("target", target.String()).Msg("sent discovery request")
		}
	}
}

func fromDevice(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeHeartbeat, protocol.TypeGameInfo, protocol.TypeIconChunk, protocol.TypeIconEnd,
		protocol.TypeStatsRequest, protocol.TypeStatsUpload, protocol.TypeDiscoveryResponse:
		return true
	}
	return false
}

func (a *UDPAdapter) discoveryRequest() []byte {
	port := a.cfg.ListenPort
	if local := a.LocalAddr(); local != nil {
		port = local.Port
	}
	return protocol.DiscoveryRequest{ListenPort: uint16(port), Version: a.cfg.Version}.Encode()
}

func (a *UDPAdapter) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.DiscoveryInterval)
	defer ticker.Stop()

	target := &net.UDPAddr{IP: net.IPv4bcast, Port: a.cfg.DiscoveryPort}
	for {
		a.writeTo(a.discoveryRequest(), target)
		a.logger.Trace().Str("target", target.String()).Msg("sent discovery broadcast")

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *UDPAdapter) writeTo(frame []byte, addr *net.UDPAddr) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if _, err := conn.WriteToUDP(frame, addr); err != nil {
		a.logger.Warn().Err(err).Str("remote", addr.String()).Msg("UDP write failed")
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

func (a *UDPAdapter) resolve(id session.Identity) (*net.UDPAddr, error) {
	if id.Transport != session.TransportUDP {
		return nil, fmt.Errorf("%w: %s", ErrWrongTransport, id)
	}
	addr, err := net.ResolveUDPAddr("udp4", id.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id.Addr, err)
	}
	return addr, nil
}

// Send writes one frame to the device at id.
func (a *UDPAdapter) Send(ctx context.Context, id session.Identity, frame []byte) error {
	addr, err := a.resolve(id)
	if err != nil {
		return err
	}
	return a.writeTo(frame, addr)
}

// SendSequence writes frames with ChunkDelay between them. Datagrams are not
// acknowledged at this layer, so a lost chunk is only recovered by the device
// asking again.
func (a *UDPAdapter) SendSequence(ctx context.Context, id session.Identity, frames [][]byte) error {
	addr, err := a.resolve(id)
	if err != nil {
		return err
	}

	for i, frame := range frames {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.ChunkDelay):
			}
		}
		if err := a.writeTo(frame, addr); err != nil {
			return err
		}
	}
	return nil
}
