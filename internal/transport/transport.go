// Package transport moves device frames over the two physical links, UDP
// datagrams and USB bulk endpoints. Both adapters hand decoded messages to
// the same Handler and expose the same Transport contract to the router, so
// the rest of the daemon never knows which cable a PSP is on.
package transport

import (
	"context"
	"errors"

	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/session"
)

var (
	// ErrWrongTransport is returned when an identity belongs to another adapter.
	ErrWrongTransport = errors.New("identity belongs to another transport")
	// ErrNotConnected is returned when no device is reachable under an identity.
	ErrNotConnected = errors.New("device not connected")
	// ErrBusy is returned when the USB outbound queue is full.
	ErrBusy = errors.New("outbound queue full")
)

// Transport is one physical link to devices.
type Transport interface {
	// Kind names the sessions this transport owns.
	Kind() session.Transport
	// Codec encodes host commands for this link.
	Codec() protocol.Codec
	// Send writes one frame to the device behind id.
	Send(ctx context.Context, id session.Identity, frame []byte) error
	// SendSequence writes frames in order, applying the link's flow control
	// between them.
	SendSequence(ctx context.Context, id session.Identity, frames [][]byte) error
	// Run serves the link until ctx is cancelled.
	Run(ctx context.Context) error
}

// Handler receives what the adapters decode. *engine.Engine implements it.
type Handler interface {
	Dispatch(ctx context.Context, id session.Identity, msg protocol.Message) error
	ClaimDiscovery(id session.Identity) bool
	Attach(ctx context.Context, id session.Identity) session.Info
	Detach(ctx context.Context, id session.Identity, reason string)
}
