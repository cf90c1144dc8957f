package reassembly

import (
	"fmt"
	"time"
)

// OffsetBuffer reassembles a payload whose chunks carry their byte offset.
// The destination is allocated once from the declared total size.
type OffsetBuffer struct {
	data     []byte
	seen     map[uint8]bool
	total    uint8
	lastSeen time.Time
}

// NewOffset allocates a buffer of size bytes expecting chunks fragments.
func NewOffset(size int, chunks uint8) *OffsetBuffer {
	return &OffsetBuffer{
		data:     make([]byte, size),
		seen:     make(map[uint8]bool, chunks),
		total:    chunks,
		lastSeen: time.Now(),
	}
}

// Write copies data at offset and records chunk num. It reports whether all
// chunks have arrived. A segment that would overflow the buffer is rejected
// and not counted.
func (b *OffsetBuffer) Write(num uint8, offset int, data []byte) (bool, error) {
	b.lastSeen = time.Now()

	if offset < 0 || offset+len(data) > len(b.data) {
		return b.Complete(), fmt.Errorf("%w: %d+%d exceeds %d", ErrOutOfBounds, offset, len(data), len(b.data))
	}
	copy(b.data[offset:], data)
	b.seen[num] = true
	return b.Complete(), nil
}

// Complete reports whether every distinct chunk number has arrived.
func (b *OffsetBuffer) Complete() bool {
	return len(b.seen) >= int(b.total)
}

// Size returns the declared payload size.
func (b *OffsetBuffer) Size() int { return len(b.data) }

// Bytes returns the reassembled payload.
func (b *OffsetBuffer) Bytes() []byte { return b.data }

// Stamp overrides the last activity time.
func (b *OffsetBuffer) Stamp(now time.Time) { b.lastSeen = now }

// Expired reports whether no segment arrived within ttl.
func (b *OffsetBuffer) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(b.lastSeen) > ttl
}
