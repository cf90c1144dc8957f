// Package engine turns decoded device packets into session updates and
// device events. It is shared by both transports, so a Heartbeat means the
// same thing whether it arrived in a datagram or a USB frame.
package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/reassembly"
	"github.com/pspdrp/companion/internal/session"
	"github.com/pspdrp/companion/internal/util"
)

// Emitter is the part of the event bus the engine publishes to.
type Emitter interface {
	Emit(ctx context.Context, event events.Event)
}

// Options tune liveness and transfer expiry.
type Options struct {
	// Timeout is the silence after which a non-persistent session is evicted.
	Timeout time.Duration
	// TransferTTL drops reassembly buffers idle for longer. Zero keeps them
	// until their session ends.
	TransferTTL time.Duration
}

// Engine is the transport-agnostic inbound path.
type Engine struct {
	registry *session.Registry
	bus      Emitter
	opts     Options
	logger   zerolog.Logger
}

// New creates an Engine over registry publishing to bus.
func New(registry *session.Registry, bus Emitter, opts Options) *Engine {
	return &Engine{
		registry: registry,
		bus:      bus,
		opts:     opts,
		logger:   util.ComponentLogger("engine"),
	}
}

// Registry returns the session registry the engine updates.
func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// FallbackName is the display name of a session before the device has told
// us its own: "PSP-<source port>" for datagram peers.
func FallbackName(id session.Identity) string {
	if id.Transport == session.TransportUSB {
		return "PSP (USB)"
	}
	if _, port, err := net.SplitHostPort(id.Addr); err == nil {
		return "PSP-" + port
	}
	return "PSP-" + id.Addr
}

// Touch records inbound traffic from id, creating its session on first
// contact. It reports whether the session is new.
func (e *Engine) Touch(ctx context.Context, id session.Identity) (session.Info, bool) {
	info, created := e.registry.Touch(id, FallbackName(id))
	if created {
		e.logger.Info().
			Str("device", id.String()).
			Str("name", info.DisplayName).
			Msg("device connected")
		e.emit(ctx, events.EventDeviceConnected, id, deviceEvent(info, ""))
	}
	return info, created
}

// ClaimDiscovery reports whether a discovery request should be sent to id.
// It is true once per session.
func (e *Engine) ClaimDiscovery(id session.Identity) bool {
	return e.registry.ClaimDiscovery(id)
}

// Attach opens the session of a physically attached device.
func (e *Engine) Attach(ctx context.Context, id session.Identity) session.Info {
	info, created := e.registry.Attach(id, FallbackName(id))
	if created {
		e.logger.Info().Str("device", id.String()).Msg("device attached")
		e.emit(ctx, events.EventDeviceConnected, id, deviceEvent(info, ""))
	}
	return info
}

// Detach ends the session of a device that went away, as on USB unplug or
// an I/O failure.
func (e *Engine) Detach(ctx context.Context, id session.Identity, reason string) {
	ev, ok := e.registry.Remove(id, reason)
	if !ok {
		return
	}
	e.reportEviction(ctx, ev)
}

// Sweep evicts silent sessions and expires idle transfers. It returns the
// number of sessions evicted.
func (e *Engine) Sweep(ctx context.Context, now time.Time) int {
	evicted := e.registry.EvictStale(now, e.opts.Timeout)
	for _, ev := range evicted {
		e.reportEviction(ctx, ev)
	}

	if n := e.registry.ExpireTransfers(now, e.opts.TransferTTL); n > 0 {
		e.logger.Info().Int("transfers", n).Msg("expired idle transfers")
	}
	return len(evicted)
}

func (e *Engine) reportEviction(ctx context.Context, ev session.Eviction) {
	e.logger.Info().
		Str("device", ev.Identity.String()).
		Str("name", ev.DisplayName).
		Str("reason", ev.Reason).
		Msg("device disconnected")

	e.emit(ctx, events.EventDeviceDisconnected, ev.Identity, events.DisconnectPayload{
		DeviceID:  ev.Identity.String(),
		Name:      ev.DisplayName,
		Reason:    ev.Reason,
		Abandoned: ev.Abandoned,
	})
	if ev.Abandoned > 0 {
		e.emit(ctx, events.EventTransferAbandoned, ev.Identity, events.AbandonedPayload{
			DeviceID: ev.Identity.String(),
			Count:    ev.Abandoned,
			Reason:   ev.Reason,
		})
	}
}

// Dispatch applies one decoded device message to the session of id. The
// session is touched first, so Dispatch also serves as first contact.
// Integrity failures and stray end markers are logged and swallowed; the
// returned error is only non-nil for messages the engine cannot place.
func (e *Engine) Dispatch(ctx context.Context, id session.Identity, msg protocol.Message) error {
	e.Touch(ctx, id)
	dev := id.String()

	switch m := msg.(type) {
	case protocol.Heartbeat:
		e.emit(ctx, events.EventHeartbeat, id, events.HeartbeatPayload{
			DeviceID:     dev,
			Uptime:       int64(m.Uptime),
			WifiStrength: int(m.WifiStrength),
			Battery:      -1,
		})

	case protocol.USBHeartbeat:
		if _, err := e.registry.SetDeviceInfo(id, "", int(m.Battery)); err != nil {
			return err
		}
		e.emit(ctx, events.EventHeartbeat, id, events.HeartbeatPayload{
			DeviceID:     dev,
			Uptime:       int64(m.Uptime),
			WifiStrength: -1,
			Battery:      int(m.Battery),
		})

	case protocol.GameInfo:
		return e.gameInfo(ctx, id, m)

	case protocol.IconChunk:
		if _, err := e.registry.AddIconChunk(id, m); err != nil {
			return err
		}
		e.logger.Trace().Str("device", dev).Str("game", m.GameID).
			Uint16("chunk", m.Index).Uint16("total", m.Total).Msg("icon chunk")

	case protocol.IconEnd:
		return e.iconEnd(ctx, id, m)

	case protocol.IconSegment:
		data, done, err := e.registry.AddIconSegment(id, m)
		if errors.Is(err, reassembly.ErrOutOfBounds) {
			e.logger.Warn().Err(err).Str("device", dev).Str("game", m.GameID).Msg("dropping icon segment")
			return nil
		}
		if err != nil {
			return err
		}
		if done {
			e.iconReady(ctx, id, m.GameID, data, 0)
		}

	case protocol.StatsRequest:
		e.logger.Debug().Str("device", dev).Msg("statistics requested")
		e.emit(ctx, events.EventStatsRequested, id, events.StatsRequestPayload{
			DeviceID:       dev,
			LocalTimestamp: m.LocalTimestamp,
		})

	case protocol.StatsUpload:
		payload, done, err := e.registry.AddStatsChunk(id, m.StatsChunk)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		e.logger.Info().Str("device", dev).Int("bytes", len(payload)).Msg("statistics uploaded")
		e.emit(ctx, events.EventStatsUploaded, id, events.StatsPayload{
			DeviceID:    dev,
			LastUpdated: m.LastUpdated,
			Data:        payload,
			Size:        len(payload),
		})

	case protocol.DiscoveryResponse:
		info, err := e.registry.SetDeviceInfo(id, m.DeviceName, int(m.Battery))
		if err != nil {
			return err
		}
		// The device already answered; no request is owed to it.
		e.registry.ClaimDiscovery(id)
		e.logger.Info().
			Str("device", dev).
			Str("name", info.DisplayName).
			Int("battery", info.Battery).
			Str("version", m.Version).
			Msg("device identified")
		e.emit(ctx, events.EventDeviceIdentified, id, deviceEvent(info, m.Version))

	default:
		e.logger.Trace().Str("device", dev).Stringer("type", msg.Type()).Msg("ignoring message")
	}
	return nil
}

func (e *Engine) gameInfo(ctx context.Context, id session.Identity, game protocol.GameInfo) error {
	update, err := e.registry.UpdateGame(id, game)
	if err != nil {
		return err
	}

	payload := events.GamePayload{
		DeviceID: id.String(),
		Name:     update.DisplayName,
		Game:     update.Current,
		Previous: update.Previous,
	}
	e.emit(ctx, events.EventGameInfo, id, payload)

	if update.Changed {
		e.logger.Info().
			Str("device", id.String()).
			Str("game", game.GameID).
			Str("title", game.Title).
			Stringer("state", game.State).
			Msg("game changed")
		e.emit(ctx, events.EventGameChanged, id, payload)
	}
	return nil
}

func (e *Engine) iconEnd(ctx context.Context, id session.Identity, end protocol.IconEnd) error {
	data, missing, err := e.registry.FinishIcon(id, end)
	switch {
	case errors.Is(err, session.ErrChecksum):
		e.logger.Warn().Err(err).Str("device", id.String()).Msg("discarding icon")
		return nil
	case errors.Is(err, session.ErrNoTransfer):
		e.logger.Debug().Err(err).Str("device", id.String()).Msg("icon end without chunks")
		return nil
	case err != nil:
		return err
	}

	if missing > 0 {
		e.logger.Warn().Str("device", id.String()).Str("game", end.GameID).
			Int("missing", missing).Msg("icon assembled with missing chunks")
	}
	e.iconReady(ctx, id, end.GameID, data, missing)
	return nil
}

func (e *Engine) iconReady(ctx context.Context, id session.Identity, gameID string, data []byte, missing int) {
	e.logger.Info().Str("device", id.String()).Str("game", gameID).Int("bytes", len(data)).Msg("icon received")
	e.emit(ctx, events.EventIconReady, id, events.IconPayload{
		DeviceID: id.String(),
		GameID:   gameID,
		Data:     data,
		Size:     len(data),
		Missing:  missing,
	})
}

func (e *Engine) emit(ctx context.Context, t events.EventType, id session.Identity, payload interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(ctx, events.New(t, id.String(), payload))
}

func deviceEvent(info session.Info, version string) events.DevicePayload {
	return events.DevicePayload{
		DeviceID:  info.ID,
		Transport: string(info.Transport),
		Name:      info.DisplayName,
		Battery:   info.Battery,
		Version:   version,
	}
}
