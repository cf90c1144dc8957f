package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/reassembly"
)

var (
	// ErrUnknownSession is returned for an identity with no live session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNoTransfer is returned when an end marker has no matching buffer.
	ErrNoTransfer = errors.New("no transfer in progress")
	// ErrChecksum is returned when an assembled icon fails its CRC.
	ErrChecksum = errors.New("checksum mismatch")
)

// Eviction reasons.
const (
	ReasonTimeout  = "timeout"
	ReasonDetached = "detached"
)

// Registry owns every Session. Reads take the shared lock; creation,
// mutation and eviction take the exclusive lock, so a session is created at
// most once per identity and all reassembly state is touched by one
// goroutine at a time.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Identity]*session
	clock    func() time.Time
}

// NewRegistry creates an empty registry using the wall clock.
func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock creates an empty registry reading time from clock.
func NewRegistryWithClock(clock func() time.Time) *Registry {
	return &Registry{
		sessions: make(map[Identity]*session),
		clock:    clock,
	}
}

// Touch fetches or creates the session for id and refreshes last_seen. The
// fallback name is only used when the session is created.
func (r *Registry) Touch(id Identity, fallbackName string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, fallbackName, now)
		r.sessions[id] = s
	}
	s.lastSeen = now
	return s.info(), !ok
}

// Attach creates or refreshes the session of a physically attached device.
// Attached sessions end with Remove, not with the liveness sweep.
func (r *Registry) Attach(id Identity, name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, name, now)
		r.sessions[id] = s
	}
	s.attached = true
	s.lastSeen = now
	return s.info(), !ok
}

// ClaimDiscovery marks the discovery request as sent and reports whether the
// caller should send it. It returns true at most once per session lifetime.
func (r *Registry) ClaimDiscovery(id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.discoverySent {
		return false
	}
	s.discoverySent = true
	return true
}

// SetDeviceInfo records the name and battery the device declared. An empty
// name keeps the current one; a negative battery leaves it unknown.
func (r *Registry) SetDeviceInfo(id Identity, name string, battery int) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if name != "" {
		s.name = name
	}
	if battery >= 0 {
		s.battery = battery
	}
	return s.info(), nil
}

// UpdateGame replaces the current game and reports whether the game id
// changed. The first game of a session counts as a change.
func (r *Registry) UpdateGame(id Identity, game protocol.GameInfo) (GameUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return GameUpdate{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	update := GameUpdate{
		Previous: s.game,
		Current:  game,
		Changed:  s.game == nil || s.game.GameID != game.GameID,
	}

	if game.DeviceName != "" {
		s.name = game.DeviceName
	}
	if game.Persistent {
		s.state = StatePersistent
	}
	s.game = &game
	update.DisplayName = s.name
	return update, nil
}

// MarkPersistent exempts the session from liveness eviction.
func (r *Registry) MarkPersistent(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.state = StatePersistent
	return nil
}

// AddIconChunk stores an indexed icon chunk. A chunk announcing a different
// total than the buffer in progress starts the transfer over.
func (r *Registry) AddIconChunk(id Identity, chunk protocol.IconChunk) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	buf, ok := s.icons[chunk.GameID]
	if !ok || buf.Total() != chunk.Total {
		buf = reassembly.New(chunk.Total)
		s.icons[chunk.GameID] = buf
	}
	done := buf.Insert(chunk.Index, chunk.Data)
	buf.Stamp(r.clock())
	return done, nil
}

// FinishIcon removes the icon buffer for end.GameID, assembles it and checks
// the CRC. It returns the payload and how many chunks were missing.
func (r *Registry) FinishIcon(id Identity, end protocol.IconEnd) ([]byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	buf, ok := s.icons[end.GameID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: icon %s", ErrNoTransfer, end.GameID)
	}
	delete(s.icons, end.GameID)

	data := buf.Assemble()
	missing := len(buf.Missing())
	if sum := protocol.Checksum(data); sum != end.CRC32 {
		return nil, missing, fmt.Errorf("%w: icon %s crc 0x%08X, want 0x%08X", ErrChecksum, end.GameID, sum, end.CRC32)
	}
	return data, missing, nil
}

// AddIconSegment stores a byte-addressed icon segment. When the last segment
// arrives the buffer is removed and its payload returned.
func (r *Registry) AddIconSegment(id Identity, seg protocol.IconSegment) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	buf, ok := s.segments[seg.GameID]
	if !ok || buf.Size() != int(seg.TotalSize) {
		buf = reassembly.NewOffset(int(seg.TotalSize), seg.Total)
		s.segments[seg.GameID] = buf
	}

	done, err := buf.Write(seg.Num, int(seg.Offset), seg.Data)
	buf.Stamp(r.clock())
	if err != nil {
		return nil, false, err
	}
	if !done {
		return nil, false, nil
	}
	delete(s.segments, seg.GameID)
	return buf.Bytes(), true, nil
}

// AddStatsChunk stores a statistics upload chunk. A session holds at most
// one upload; a chunk whose total or last_updated differs from the upload in
// progress starts a new one. On completion the buffer is removed and the
// payload returned.
func (r *Registry) AddStatsChunk(id Identity, chunk protocol.StatsChunk) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	if s.stats == nil || s.stats.Total() != chunk.Total || s.statsUpdated != chunk.LastUpdated {
		s.stats = reassembly.New(chunk.Total)
		s.statsUpdated = chunk.LastUpdated
	}

	done := s.stats.Insert(chunk.Index, chunk.Data)
	s.stats.Stamp(r.clock())
	if !done {
		return nil, false, nil
	}
	payload := s.stats.Assemble()
	s.stats = nil
	return payload, true, nil
}

// EvictStale removes every session whose last_seen is older than timeout.
// Persistent and attached sessions are skipped.
func (r *Registry) EvictStale(now time.Time, timeout time.Duration) []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Eviction
	for id, s := range r.sessions {
		if s.state == StatePersistent || s.attached {
			continue
		}
		if now.Sub(s.lastSeen) > timeout {
			evicted = append(evicted, r.destroy(id, s, ReasonTimeout))
		}
	}
	return evicted
}

// ExpireTransfers drops reassembly buffers that saw no chunk within ttl and
// returns how many were dropped. A non-positive ttl disables expiry.
func (r *Registry) ExpireTransfers(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := 0
	for _, s := range r.sessions {
		for gameID, buf := range s.icons {
			if buf.Expired(now, ttl) {
				delete(s.icons, gameID)
				expired++
			}
		}
		for gameID, buf := range s.segments {
			if buf.Expired(now, ttl) {
				delete(s.segments, gameID)
				expired++
			}
		}
		if s.stats != nil && s.stats.Expired(now, ttl) {
			s.stats = nil
			expired++
		}
	}
	return expired
}

// Remove destroys the session for id, as on USB detach.
func (r *Registry) Remove(id Identity, reason string) (Eviction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Eviction{}, false
	}
	return r.destroy(id, s, reason), true
}

// destroy must be called with the lock held.
func (r *Registry) destroy(id Identity, s *session, reason string) Eviction {
	delete(r.sessions, id)
	s.state = StateEvicted
	return Eviction{
		Identity:    id,
		DisplayName: s.name,
		Reason:      reason,
		Abandoned:   s.inFlight(),
	}
}

// Get returns a snapshot of the session for id.
func (r *Registry) Get(id Identity) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Lookup finds a session by its Identity.String() form or display name.
func (r *Registry) Lookup(key string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, s := range r.sessions {
		if id.String() == key {
			return s.info(), true
		}
	}
	for _, s := range r.sessions {
		if s.name == key {
			return s.info(), true
		}
	}
	return Info{}, false
}

// List returns snapshots of all sessions ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s.info())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
