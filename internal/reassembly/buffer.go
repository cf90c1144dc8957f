// Package reassembly accumulates chunked transfers until they are complete.
// Buffer is keyed by chunk index (network icons, statistics uploads);
// OffsetBuffer is keyed by byte offset (USB icons).
package reassembly

import (
	"errors"
	"time"
)

var (
	// ErrIncomplete is returned by AssembleStrict while slots are missing.
	ErrIncomplete = errors.New("transfer incomplete")
	// ErrOutOfBounds is returned when a segment does not fit its buffer.
	ErrOutOfBounds = errors.New("segment out of bounds")
)

// Buffer is an ordered slot array. received always equals the number of
// present slots; the buffer is complete when received == total.
type Buffer struct {
	slots    [][]byte
	present  []bool
	total    uint16
	received uint16
	lastSeen time.Time
}

// New creates a buffer expecting total chunks. A zero total is complete
// immediately and assembles to an empty payload.
func New(total uint16) *Buffer {
	return &Buffer{
		slots:    make([][]byte, total),
		present:  make([]bool, total),
		total:    total,
		lastSeen: time.Now(),
	}
}

// Insert stores data at index and reports whether the buffer is now complete.
// A duplicate index replaces the data without counting twice; an index past
// the end is ignored.
func (b *Buffer) Insert(index uint16, data []byte) bool {
	b.lastSeen = time.Now()

	if index >= b.total {
		return b.Complete()
	}
	if !b.present[index] {
		b.present[index] = true
		b.received++
	}
	b.slots[index] = data
	return b.Complete()
}

// Complete reports whether every chunk has arrived.
func (b *Buffer) Complete() bool {
	return b.received == b.total
}

// Total returns the expected chunk count.
func (b *Buffer) Total() uint16 { return b.total }

// Received returns how many distinct chunks have arrived.
func (b *Buffer) Received() uint16 { return b.received }

// LastActivity returns the time of the most recent Insert.
func (b *Buffer) LastActivity() time.Time { return b.lastSeen }

// Stamp overrides the last activity time, for owners that keep their own clock.
func (b *Buffer) Stamp(now time.Time) { b.lastSeen = now }

// Expired reports whether no chunk arrived within ttl. A non-positive ttl
// never expires.
func (b *Buffer) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(b.lastSeen) > ttl
}

// Missing returns the indices that have not arrived, in order.
func (b *Buffer) Missing() []uint16 {
	var missing []uint16
	for i, ok := range b.present {
		if !ok {
			missing = append(missing, uint16(i))
		}
	}
	return missing
}

// Assemble concatenates the present slots in index order. Missing slots are
// skipped, so an incomplete buffer yields a shorter payload.
func (b *Buffer) Assemble() []byte {
	size := 0
	for i, ok := range b.present {
		if ok {
			size += len(b.slots[i])
		}
	}

	out := make([]byte, 0, size)
	for i, ok := range b.present {
		if ok {
			out = append(out, b.slots[i]...)
		}
	}
	return out
}

// AssembleStrict is Assemble that refuses while any slot is missing.
func (b *Buffer) AssembleStrict() ([]byte, error) {
	if !b.Complete() {
		return nil, ErrIncomplete
	}
	return b.Assemble(), nil
}
