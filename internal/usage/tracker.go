// Package usage turns device events into play sessions, keeps the icon cache
// filled, and answers statistics synchronization requests.
package usage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pspdrp/companion/internal/db"
	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/router"
	"github.com/pspdrp/companion/internal/session"
	"github.com/pspdrp/companion/internal/util"
)

const (
	subscriberName = "usage"

	// minSessionSeconds drops sessions too short to be worth a record.
	minSessionSeconds = 1

	// DefaultIconRetry spaces repeated icon requests for the same game.
	DefaultIconRetry = 30 * time.Second
)

// Commander issues host commands to devices.
type Commander interface {
	RequestIcon(id session.Identity, gameID string) error
	DeliverStatistics(id session.Identity, payload []byte, meta router.Metadata) error
}

// Directory resolves live sessions.
type Directory interface {
	Get(id session.Identity) (session.Info, bool)
}

// Options configures a Tracker.
type Options struct {
	// AutoIcons requests missing icons when a device reports a game.
	AutoIcons bool
	IconRetry time.Duration
}

type activeSession struct {
	device  string
	game    protocol.GameInfo
	started time.Time
	saved   int64
}

// Tracker records per-device play sessions.
type Tracker struct {
	mu       sync.Mutex
	store    *db.UsageStore
	icons    *db.IconStore
	commands Commander
	dir      Directory
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger

	active    map[string]*activeSession
	names     map[string]string
	lastEvent map[string]time.Time
	closed    map[string]time.Time
	requested map[string]time.Time
}

// NewTracker creates a tracker over the usage and icon stores.
func NewTracker(store *db.UsageStore, icons *db.IconStore, commands Commander, dir Directory, opts Options) *Tracker {
	if opts.IconRetry <= 0 {
		opts.IconRetry = DefaultIconRetry
	}
	return &Tracker{
		store:     store,
		icons:     icons,
		commands:  commands,
		dir:       dir,
		opts:      opts,
		now:       time.Now,
		logger:    util.ComponentLogger("usage"),
		active:    make(map[string]*activeSession),
		names:     make(map[string]string),
		lastEvent: make(map[string]time.Time),
		closed:    make(map[string]time.Time),
		requested: make(map[string]time.Time),
	}
}

// SetClock replaces the clock used to time sessions.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Register subscribes the tracker to the device events it consumes.
func (t *Tracker) Register(bus *events.EventBus) {
	bus.Subscribe(events.EventGameInfo, subscriberName, t.Handle)
	bus.Subscribe(events.EventDeviceDisconnected, subscriberName, t.Handle)
	bus.Subscribe(events.EventIconReady, subscriberName, t.Handle)
	bus.Subscribe(events.EventStatsRequested, subscriberName, t.Handle)
	bus.Subscribe(events.EventStatsUploaded, subscriberName, t.Handle)
}

// Handle applies one event.
func (t *Tracker) Handle(ctx context.Context, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case events.GamePayload:
		return t.gameInfo(ev, p)
	case events.DisconnectPayload:
		t.finish(p.DeviceID, ev.Timestamp)
	case events.IconPayload:
		return t.iconReady(p)
	case events.StatsRequestPayload:
		return t.SendStatistics(p.DeviceID)
	case events.StatsPayload:
		_, err := t.merge(p)
		return err
	}
	return nil
}

func (t *Tracker) gameInfo(ev events.Event, p events.GamePayload) error {
	t.mu.Lock()
	// Bus handlers run concurrently; older reports for a device are stale.
	if last, ok := t.lastEvent[p.DeviceID]; ok && ev.Timestamp.Before(last) {
		t.mu.Unlock()
		return nil
	}
	// Reports emitted before the disconnect must not reopen the session.
	if at, ok := t.closed[p.DeviceID]; ok {
		if !ev.Timestamp.After(at) {
			t.mu.Unlock()
			return nil
		}
		delete(t.closed, p.DeviceID)
	}
	t.lastEvent[p.DeviceID] = ev.Timestamp
	if p.Name != "" {
		t.names[p.DeviceID] = p.Name
	}
	name := t.nameLocked(p.DeviceID)
	now := t.now()

	var records []db.PlayRecord
	cur, ok := t.active[p.DeviceID]
	switch {
	case ok && cur.game.GameID == p.Game.GameID && cur.game.State == p.Game.State:
		if r, ok := cur.checkpoint(now, false); ok {
			records = append(records, r)
		}
		cur.device = name
	default:
		if ok {
			if r, ok := cur.checkpoint(now, true); ok {
				records = append(records, r)
			}
		}
		t.active[p.DeviceID] = &activeSession{device: name, game: p.Game, started: now}
	}
	t.mu.Unlock()

	var errs []error
	for _, r := range records {
		if err := t.store.Record(r); err != nil {
			errs = append(errs, err)
		}
	}
	if t.opts.AutoIcons {
		if err := t.maybeRequestIcon(p.DeviceID, p.Game); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkpoint returns the time accumulated since the last record. A finished
// checkpoint closes the session and is dropped when the whole session was
// too short.
func (s *activeSession) checkpoint(now time.Time, finished bool) (db.PlayRecord, bool) {
	elapsed := int64(now.Sub(s.started) / time.Second)
	delta := elapsed - s.saved
	if delta < 0 {
		delta = 0
	}
	if finished && elapsed < minSessionSeconds {
		return db.PlayRecord{}, false
	}
	if !finished && delta < minSessionSeconds {
		return db.PlayRecord{}, false
	}
	s.saved = elapsed
	return db.PlayRecord{
		Device:   s.device,
		GameID:   s.game.GameID,
		Title:    s.game.Title,
		State:    uint8(s.game.State),
		Seconds:  delta,
		Finished: finished,
		At:       now,
	}, true
}

func (t *Tracker) nameLocked(deviceID string) string {
	if name, ok := t.names[deviceID]; ok {
		return name
	}
	if id, err := session.ParseIdentity(deviceID); err == nil && t.dir != nil {
		if info, ok := t.dir.Get(id); ok && info.DisplayName != "" {
			return info.DisplayName
		}
	}
	return deviceID
}

// iconWanted reports whether gameID names real software with an icon.
func iconWanted(game protocol.GameInfo) bool {
	if !game.HasIcon || game.GameID == "" {
		return false
	}
	return game.GameID != "XMB" && game.GameID != "UNK"
}

func (t *Tracker) maybeRequestIcon(deviceID string, game protocol.GameInfo) error {
	if t.commands == nil || t.icons == nil || !iconWanted(game) {
		return nil
	}
	has, err := t.icons.Has(game.GameID)
	if err != nil || has {
		return err
	}

	key := deviceID + "|" + game.GameID
	t.mu.Lock()
	now := t.now()
	if last, ok := t.requested[key]; ok && now.Sub(last) < t.opts.IconRetry {
		t.mu.Unlock()
		return nil
	}
	t.requested[key] = now
	t.mu.Unlock()

	id, err := session.ParseIdentity(deviceID)
	if err != nil {
		return err
	}
	t.logger.Debug().Str("device", deviceID).Str("game", game.GameID).Msg("requesting icon")
	return t.commands.RequestIcon(id, game.GameID)
}

func (t *Tracker) iconReady(p events.IconPayload) error {
	if t.icons == nil {
		return nil
	}
	if err := t.icons.Save(p.GameID, p.Data); err != nil {
		return err
	}
	t.mu.Lock()
	for key := range t.requested {
		if strings.HasSuffix(key, "|"+p.GameID) {
			delete(t.requested, key)
		}
	}
	t.mu.Unlock()
	t.logger.Info().Str("game", p.GameID).Int("bytes", p.Size).Msg("icon cached")
	return nil
}

// SendStatistics delivers the usage export to a device.
func (t *Tracker) SendStatistics(deviceID string) error {
	if t.commands == nil {
		return nil
	}
	id, err := session.ParseIdentity(deviceID)
	if err != nil {
		return err
	}
	data, lastUpdated, err := t.store.Export()
	if err != nil {
		return err
	}
	t.logger.Info().Str("device", deviceID).Int("bytes", len(data)).
		Uint64("last_updated", lastUpdated).Msg("sending statistics")
	return t.commands.DeliverStatistics(id, data, router.Metadata{LastUpdated: lastUpdated})
}

func (t *Tracker) merge(p events.StatsPayload) (int, error) {
	t.mu.Lock()
	name := t.nameLocked(p.DeviceID)
	t.mu.Unlock()
	return t.store.Merge(name, p.Data)
}

// finish closes the active session of a device disconnected at at.
func (t *Tracker) finish(deviceID string, at time.Time) {
	t.mu.Lock()
	now := t.now()
	if at.IsZero() {
		at = now
	}
	cur, ok := t.active[deviceID]
	delete(t.active, deviceID)
	delete(t.lastEvent, deviceID)
	delete(t.names, deviceID)
	t.closed[deviceID] = at
	var rec db.PlayRecord
	if ok {
		rec, ok = cur.checkpoint(now, true)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if err := t.store.Record(rec); err != nil {
		t.logger.Error().Err(err).Str("device", deviceID).Msg("failed to record session")
		return
	}
	t.logger.Info().Str("device", rec.Device).Str("title", rec.Title).
		Int64("seconds", rec.Seconds).Msg("session finished")
}

// Flush records the unsaved time of every active session without ending it.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	now := t.now()
	var records []db.PlayRecord
	for _, s := range t.active {
		if r, ok := s.checkpoint(now, false); ok {
			records = append(records, r)
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, r := range records {
		if err := t.store.Record(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close ends every active session.
func (t *Tracker) Close() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.finish(id, time.Time{})
	}
	t.logger.Info().Int("sessions", len(ids)).Msg("flushed all sessions")
}

// Active returns the number of devices with an open play session.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
