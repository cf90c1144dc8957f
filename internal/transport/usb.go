package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/session"
	"github.com/pspdrp/companion/internal/util"
)

// ErrNoDevice is returned by a DeviceOpener when no PSP is plugged in.
var ErrNoDevice = errors.New("no USB device found")

// Device is an opened PSP with its bulk endpoints claimed.
type Device interface {
	// Read fills buf from the IN endpoint. A read that times out returns
	// (0, nil): no data is not an error.
	Read(buf []byte, timeout time.Duration) (int, error)
	// Write sends one frame to the OUT endpoint.
	Write(frame []byte) error
	// Port identifies the physical attachment point.
	Port() string
	Close() error
}

// DeviceOpener finds and opens the PSP.
type DeviceOpener interface {
	Open(ctx context.Context) (Device, error)
}

// USBConfig configures the USB adapter.
type USBConfig struct {
	PollInterval time.Duration
	ReadTimeout  time.Duration
	AckTimeout   time.Duration
	AckPoll      time.Duration
	QueueSize    int
}

// DefaultUSBConfig returns the timings the PSP plugin is built against.
func DefaultUSBConfig() USBConfig {
	return USBConfig{
		PollInterval: time.Second,
		ReadTimeout:  100 * time.Millisecond,
		AckTimeout:   2 * time.Second,
		AckPoll:      10 * time.Millisecond,
		QueueSize:    32,
	}
}

type outbound struct {
	id     session.Identity
	frames [][]byte
	gated  bool
	done   chan error
}

// USBAdapter serves the single attached PSP. One goroutine owns the device:
// it alternates between draining the outbound queue and a short read, so a
// read and a write never overlap.
type USBAdapter struct {
	cfg     USBConfig
	opener  DeviceOpener
	handler Handler
	codec   protocol.USBCodec
	queue   chan outbound
	logger  zerolog.Logger

	mu       sync.RWMutex
	current  session.Identity
	attached bool
}

// NewUSBAdapter creates an adapter polling opener for a device.
func NewUSBAdapter(cfg USBConfig, opener DeviceOpener, handler Handler) *USBAdapter {
	def := DefaultUSBConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.AckPoll <= 0 {
		cfg.AckPoll = def.AckPoll
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &USBAdapter{
		cfg:     cfg,
		opener:  opener,
		handler: handler,
		queue:   make(chan outbound, cfg.QueueSize),
		logger:  util.ComponentLogger("usb"),
	}
}

func (a *USBAdapter) Kind() session.Transport { return session.TransportUSB }

func (a *USBAdapter) Codec() protocol.Codec { return a.codec }

// Current returns the identity of the attached device.
func (a *USBAdapter) Current() (session.Identity, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current, a.attached
}

// Send queues one frame for the attached device and waits for the write.
func (a *USBAdapter) Send(ctx context.Context, id session.Identity, frame []byte) error {
	return a.enqueue(ctx, id, outbound{frames: [][]byte{frame}})
}

// SendSequence queues frames that are written one at a time, each waiting
// for the device's ACK up to AckTimeout. A missing ACK does not abort the
// sequence.
func (a *USBAdapter) SendSequence(ctx context.Context, id session.Identity, frames [][]byte) error {
	return a.enqueue(ctx, id, outbound{frames: frames, gated: true})
}

func (a *USBAdapter) enqueue(ctx context.Context, id session.Identity, cmd outbound) error {
	if id.Transport != session.TransportUSB {
		return fmt.Errorf("%w: %s", ErrWrongTransport, id)
	}
	cmd.id = id
	cmd.done = make(chan error, 1)

	// Queue under the read lock so a detach either sees this command when
	// it drains the queue or the command sees the detach.
	a.mu.RLock()
	if !a.attached || a.current != id {
		a.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	select {
	case a.queue <- cmd:
	default:
		a.mu.RUnlock()
		return ErrBusy
	}
	a.mu.RUnlock()

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls for the device and serves it until ctx is cancelled,
// reconnecting after every I/O failure.
func (a *USBAdapter) Run(ctx context.Context) error {
	a.logger.Info().Dur("poll_interval", a.cfg.PollInterval).Msg("USB transport started")

	for {
		if ctx.Err() != nil {
			a.logger.Info().Msg("USB transport stopping")
			return nil
		}

		dev, err := a.opener.Open(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoDevice) {
				a.logger.Warn().Err(err).Msg("USB device search failed")
			}
			if !sleep(ctx, a.cfg.PollInterval) {
				return nil
			}
			continue
		}

		a.serve(ctx, dev)
		dev.Close()

		if !sleep(ctx, 100*time.Millisecond) {
			return nil
		}
	}
}

func (a *USBAdapter) serve(ctx context.Context, dev Device) {
	id := session.USBIdentity(dev.Port())
	a.logger.Info().Str("port", dev.Port()).Msg("PSP USB device connected")

	a.mu.Lock()
	a.current, a.attached = id, true
	a.mu.Unlock()

	a.handler.Attach(ctx, id)
	if err := dev.Write(a.codec.Ack()); err != nil {
		a.logger.Error().Err(err).Msg("failed to send attach ACK")
	}

	reason := "shutdown"
	defer func() {
		a.mu.Lock()
		a.attached = false
		a.mu.Unlock()
		a.failPending()
		a.handler.Detach(context.WithoutCancel(ctx), id, reason)
	}()

	buf := make([]byte, protocol.USBFrameSize)
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case cmd := <-a.queue:
			if cmd.id != id {
				cmd.done <- fmt.Errorf("%w: %s", ErrNotConnected, cmd.id)
				continue
			}
			err := a.write(ctx, dev, id, cmd)
			cmd.done <- err
			if err != nil {
				a.logger.Info().Err(err).Msg("USB write error, reconnecting")
				reason = "io error"
				return
			}
		default:
		}

		n, err := dev.Read(buf, a.cfg.ReadTimeout)
		if err != nil {
			a.logger.Info().Err(err).Msg("USB read error, reconnecting")
			reason = "io error"
			return
		}
		if n > 0 {
			a.handle(ctx, id, buf[:n])
		}
	}
}

func (a *USBAdapter) failPending() {
	for {
		select {
		case cmd := <-a.queue:
			cmd.done <- ErrNotConnected
		default:
			return
		}
	}
}

func (a *USBAdapter) handle(ctx context.Context, id session.Identity, frame []byte) {
	msg, err := protocol.ParseUSB(frame)
	if err != nil {
		a.logger.Trace().Err(err).Int("bytes", len(frame)).Msg("dropping USB frame")
		return
	}
	if msg.Type() == protocol.TypeAck {
		return
	}
	if err := a.handler.Dispatch(ctx, id, msg); err != nil {
		a.logger.Debug().Err(err).Stringer("type", msg.Type()).Msg("dispatch failed")
	}
}

func (a *USBAdapter) write(ctx context.Context, dev Device, id session.Identity, cmd outbound) error {
	for i, frame := range cmd.frames {
		if err := dev.Write(frame); err != nil {
			return fmt.Errorf("USB bulk write failed: %w", err)
		}
		if !cmd.gated {
			continue
		}
		acked, err := a.awaitAck(ctx, dev, id)
		if err != nil {
			return err
		}
		if !acked {
			a.logger.Warn().Int("chunk", i).Int("total", len(cmd.frames)).Msg("ACK timeout, continuing anyway")
		}
	}
	if cmd.gated {
		a.logger.Info().Int("chunks", len(cmd.frames)).Msg("sent USB sequence")
	}
	return nil
}

// awaitAck reads until an ACK arrives or AckTimeout passes. Other frames
// read while waiting are dispatched as usual.
func (a *USBAdapter) awaitAck(ctx context.Context, dev Device, id session.Identity) (bool, error) {
	deadline := time.Now().Add(a.cfg.AckTimeout)
	buf := make([]byte, protocol.USBFrameSize)

	for {
		n, err := dev.Read(buf, a.cfg.AckPoll)
		if err != nil {
			return false, fmt.Errorf("USB bulk read failed: %w", err)
		}
		if n > 0 {
			if protocol.IsUSBAck(buf[:n]) {
				return true, nil
			}
			a.handle(ctx, id, buf[:n])
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false, nil
		}
		if n == 0 {
			if !sleep(ctx, a.cfg.AckPoll) {
				return false, nil
			}
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
