// Package router carries host commands to devices. Callers enqueue intents
// without blocking; each transport has its own worker that encodes commands
// with that transport's codec and lets it apply its own flow control.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pspdrp/companion/internal/session"
	"github.com/pspdrp/companion/internal/transport"
	"github.com/pspdrp/companion/internal/util"
)

// DefaultQueueSize bounds the number of pending commands per transport.
const DefaultQueueSize = 32

var (
	// ErrQueueFull is returned when the command queue has no room.
	ErrQueueFull = errors.New("command queue full")
	// ErrNoTransport is returned for an identity no registered transport owns.
	ErrNoTransport = errors.New("no transport for device")
)

// Metadata travels with a statistics delivery.
type Metadata struct {
	LastUpdated uint64
}

type commandKind int

const (
	cmdIconRequest commandKind = iota
	cmdStatistics
)

func (k commandKind) String() string {
	if k == cmdIconRequest {
		return "icon_request"
	}
	return "statistics"
}

type command struct {
	kind    commandKind
	id      session.Identity
	gameID  string
	payload []byte
	meta    Metadata
}

// lane is the queue and worker of one transport, so a slow link never
// holds up commands for another.
type lane struct {
	transport transport.Transport
	queue     chan command
}

// Router serializes outbound commands per transport.
type Router struct {
	lanes   map[session.Transport]*lane
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a router with a queue of queueSize for each of transports.
func New(queueSize int, transports ...transport.Transport) *Router {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Router{
		lanes:   make(map[session.Transport]*lane, len(transports)),
		timeout: 30 * time.Second,
		logger:  util.ComponentLogger("router"),
	}
	for _, t := range transports {
		r.lanes[t.Kind()] = &lane{transport: t, queue: make(chan command, queueSize)}
	}
	return r
}

// RequestIcon asks the device behind id to send the icon of gameID.
func (r *Router) RequestIcon(id session.Identity, gameID string) error {
	return r.enqueue(command{kind: cmdIconRequest, id: id, gameID: gameID})
}

// DeliverStatistics sends payload to the device behind id, chunked for its
// transport.
func (r *Router) DeliverStatistics(id session.Identity, payload []byte, meta Metadata) error {
	return r.enqueue(command{kind: cmdStatistics, id: id, payload: payload, meta: meta})
}

// Pending returns the number of queued commands across transports.
func (r *Router) Pending() int {
	n := 0
	for _, l := range r.lanes {
		n += len(l.queue)
	}
	return n
}

func (r *Router) enqueue(cmd command) error {
	l, ok := r.lanes[cmd.id.Transport]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, cmd.id)
	}
	select {
	case l.queue <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run executes queued commands, one worker per transport, until ctx is
// cancelled. Commands still queued at shutdown are dropped.
func (r *Router) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range r.lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			r.runLane(ctx, l)
		}(l)
	}
	wg.Wait()
	return nil
}

func (r *Router) runLane(ctx context.Context, l *lane) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.queue:
			if err := r.execute(ctx, l.transport, cmd); err != nil {
				r.logger.Warn().
					Err(err).
					Str("device", cmd.id.String()).
					Stringer("command", cmd.kind).
					Msg("command failed")
			}
		}
	}
}

func (r *Router) execute(ctx context.Context, t transport.Transport, cmd command) error {
	codec := t.Codec()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	switch cmd.kind {
	case cmdIconRequest:
		r.logger.Debug().Str("device", cmd.id.String()).Str("game", cmd.gameID).Msg("requesting icon")
		return t.Send(ctx, cmd.id, codec.IconRequest(cmd.gameID))

	case cmdStatistics:
		frames := codec.StatsResponse(cmd.meta.LastUpdated, cmd.payload)
		r.logger.Info().
			Str("device", cmd.id.String()).
			Int("bytes", len(cmd.payload)).
			Int("chunks", len(frames)).
			Msg("delivering statistics")
		return t.SendSequence(ctx, cmd.id, frames)
	}
	return nil
}
