package usage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pspdrp/companion/internal/db"
	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/router"
	"github.com/pspdrp/companion/internal/session"
)

const device = "udp/192.168.1.20:50001"

type iconRequest struct {
	id     session.Identity
	gameID string
}

type delivery struct {
	id      session.Identity
	payload []byte
	meta    router.Metadata
}

type fakeCommander struct {
	mu         sync.Mutex
	icons      []iconRequest
	deliveries []delivery
}

func (f *fakeCommander) RequestIcon(id session.Identity, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.icons = append(f.icons, iconRequest{id, gameID})
	return nil
}

func (f *fakeCommander) DeliverStatistics(id session.Identity, payload []byte, meta router.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{id, payload, meta})
	return nil
}

type fixture struct {
	tracker  *Tracker
	store    *db.UsageStore
	icons    *db.IconStore
	commands *fakeCommander
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	f := &fixture{
		store:    db.NewUsageStore(database),
		icons:    db.NewIconStore(database),
		commands: &fakeCommander{},
		now:      time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })
	f.tracker = NewTracker(f.store, f.icons, f.commands, nil, Options{AutoIcons: true, IconRetry: time.Minute})
	f.tracker.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) game(t *testing.T, g protocol.GameInfo) {
	t.Helper()
	ev := events.Event{
		Type:      events.EventGameInfo,
		Source:    device,
		Timestamp: f.now,
		Payload:   events.GamePayload{DeviceID: device, Name: "Kai", Game: g},
	}
	if err := f.tracker.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(game_info) error = %v", err)
	}
}

func (f *fixture) games(t *testing.T) map[string]db.GameStats {
	t.Helper()
	list, err := f.store.Games(true)
	if err != nil {
		t.Fatalf("Games() error = %v", err)
	}
	out := make(map[string]db.GameStats, len(list))
	for _, g := range list {
		out[g.Title] = g
	}
	return out
}

var (
	lumines = protocol.GameInfo{GameID: "ULUS10041", Title: "Lumines", State: protocol.StateGame, HasIcon: true}
	patapon = protocol.GameInfo{GameID: "UCUS98711", Title: "Patapon", State: protocol.StateGame, HasIcon: true}
	xmb     = protocol.GameInfo{GameID: "XMB", Title: "XMB", State: protocol.StateXMB}
)

func TestSessionsRollOverOnGameChange(t *testing.T) {
	f := newFixture(t)

	f.game(t, lumines)
	f.now = f.now.Add(60 * time.Second)
	f.game(t, lumines)
	f.now = f.now.Add(30 * time.Second)
	f.game(t, patapon)
	f.now = f.now.Add(10 * time.Second)
	f.tracker.Close()

	games := f.games(t)
	tests := []struct {
		title    string
		seconds  int64
		sessions int64
	}{
		{"Lumines", 90, 1},
		{"Patapon", 10, 1},
	}
	for _, tt := range tests {
		g, ok := games[tt.title]
		if !ok {
			t.Errorf("%s not recorded", tt.title)
			continue
		}
		if g.Seconds != tt.seconds || g.Sessions != tt.sessions {
			t.Errorf("%s = %ds over %d sessions, want %ds over %d", tt.title, g.Seconds, g.Sessions, tt.seconds, tt.sessions)
		}
	}
	if f.tracker.Active() != 0 {
		t.Errorf("Active() = %d after Close, want 0", f.tracker.Active())
	}
}

func TestStateChangeStartsNewSession(t *testing.T) {
	f := newFixture(t)

	f.game(t, lumines)
	f.now = f.now.Add(20 * time.Second)
	paused := lumines
	paused.State = protocol.StateMusic
	f.game(t, paused)
	f.now = f.now.Add(5 * time.Second)
	f.tracker.Close()

	g := f.games(t)["Lumines"]
	if g.Seconds != 25 || g.Sessions != 2 {
		t.Errorf("Lumines = %+v, want 25s over 2 sessions", g)
	}
}

func TestStaleGameInfoIgnored(t *testing.T) {
	f := newFixture(t)

	f.game(t, lumines)
	f.now = f.now.Add(10 * time.Second)
	stale := events.Event{
		Type:      events.EventGameInfo,
		Timestamp: f.now.Add(-time.Hour),
		Payload:   events.GamePayload{DeviceID: device, Game: patapon},
	}
	if err := f.tracker.Handle(context.Background(), stale); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	f.tracker.Close()

	games := f.games(t)
	if _, ok := games["Patapon"]; ok {
		t.Error("stale report started a session")
	}
	if games["Lumines"].Seconds != 10 {
		t.Errorf("Lumines = %+v, want 10s", games["Lumines"])
	}
}

func TestDisconnectFinishesSession(t *testing.T) {
	f := newFixture(t)

	f.game(t, lumines)
	f.now = f.now.Add(45 * time.Second)
	ev := events.Event{
		Type:    events.EventDeviceDisconnected,
		Payload: events.DisconnectPayload{DeviceID: device, Name: "Kai", Reason: "timeout"},
	}
	if err := f.tracker.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(disconnect) error = %v", err)
	}

	if f.tracker.Active() != 0 {
		t.Errorf("Active() = %d, want 0", f.tracker.Active())
	}
	g := f.games(t)["Lumines"]
	if g.Seconds != 45 || g.Sessions != 1 {
		t.Errorf("Lumines = %+v, want 45s over 1 session", g)
	}
}

func TestLateGameInfoAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	start := f.now

	f.game(t, lumines)
	f.now = start.Add(31 * time.Second)
	disconnect := events.Event{
		Type:      events.EventDeviceDisconnected,
		Timestamp: f.now,
		Payload:   events.DisconnectPayload{DeviceID: device, Name: "Kai", Reason: "timeout"},
	}
	if err := f.tracker.Handle(context.Background(), disconnect); err != nil {
		t.Fatalf("Handle(disconnect) error = %v", err)
	}

	// A report emitted before the disconnect, delivered after it.
	late := events.Event{
		Type:      events.EventGameInfo,
		Timestamp: start.Add(30 * time.Second),
		Payload:   events.GamePayload{DeviceID: device, Name: "Kai", Game: lumines},
	}
	if err := f.tracker.Handle(context.Background(), late); err != nil {
		t.Fatalf("Handle(game_info) error = %v", err)
	}
	if f.tracker.Active() != 0 {
		t.Errorf("Active() after late report = %d, want 0", f.tracker.Active())
	}

	// The device coming back later starts a fresh session.
	f.now = start.Add(time.Minute)
	f.game(t, patapon)
	if f.tracker.Active() != 1 {
		t.Errorf("Active() after reconnect = %d, want 1", f.tracker.Active())
	}
}

func TestFlushKeepsSessionOpen(t *testing.T) {
	f := newFixture(t)

	f.game(t, lumines)
	f.now = f.now.Add(40 * time.Second)
	if err := f.tracker.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	g := f.games(t)["Lumines"]
	if g.Seconds != 40 || g.Sessions != 0 {
		t.Errorf("after Flush Lumines = %+v, want 40s over 0 sessions", g)
	}

	f.now = f.now.Add(5 * time.Second)
	f.tracker.Close()
	g = f.games(t)["Lumines"]
	if g.Seconds != 45 || g.Sessions != 1 {
		t.Errorf("after Close Lumines = %+v, want 45s over 1 session", g)
	}
}

func TestAutoIconRequests(t *testing.T) {
	f := newFixture(t)

	f.game(t, xmb)
	f.game(t, lumines)
	f.now = f.now.Add(10 * time.Second)
	f.game(t, lumines)

	if len(f.commands.icons) != 1 {
		t.Fatalf("icon requests = %+v, want exactly one", f.commands.icons)
	}
	if req := f.commands.icons[0]; req.gameID != "ULUS10041" || req.id.String() != device {
		t.Errorf("icon request = %+v", req)
	}

	f.now = f.now.Add(2 * time.Minute)
	f.game(t, lumines)
	if len(f.commands.icons) != 2 {
		t.Errorf("icon requests after retry interval = %d, want 2", len(f.commands.icons))
	}

	ready := events.Event{
		Type:    events.EventIconReady,
		Payload: events.IconPayload{DeviceID: device, GameID: "ULUS10041", Data: []byte{1, 2, 3}, Size: 3},
	}
	if err := f.tracker.Handle(context.Background(), ready); err != nil {
		t.Fatalf("Handle(icon_ready) error = %v", err)
	}
	if has, _ := f.icons.Has("ULUS10041"); !has {
		t.Error("icon not cached")
	}

	f.now = f.now.Add(5 * time.Minute)
	f.game(t, lumines)
	if len(f.commands.icons) != 2 {
		t.Errorf("icon requested although cached: %+v", f.commands.icons)
	}

	noIcon := patapon
	noIcon.HasIcon = false
	f.game(t, noIcon)
	if len(f.commands.icons) != 2 {
		t.Errorf("icon requested for game without icon: %+v", f.commands.icons)
	}
}

func TestStatisticsRoundTrip(t *testing.T) {
	f := newFixture(t)

	upload := events.Event{
		Type: events.EventStatsUploaded,
		Payload: events.StatsPayload{
			DeviceID: device,
			Data:     []byte(`{"games":[{"id":"ULUS10041","title":"Lumines","seconds":3600,"sessions":3}]}`),
		},
	}
	f.game(t, xmb)
	if err := f.tracker.Handle(context.Background(), upload); err != nil {
		t.Fatalf("Handle(stats_uploaded) error = %v", err)
	}
	if g := f.games(t)["Lumines"]; g.Seconds != 3600 {
		t.Errorf("merged Lumines = %+v, want 3600s", g)
	}

	request := events.Event{
		Type:    events.EventStatsRequested,
		Payload: events.StatsRequestPayload{DeviceID: device},
	}
	if err := f.tracker.Handle(context.Background(), request); err != nil {
		t.Fatalf("Handle(stats_requested) error = %v", err)
	}
	if len(f.commands.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(f.commands.deliveries))
	}
	d := f.commands.deliveries[0]
	if d.id.String() != device {
		t.Errorf("delivered to %v", d.id)
	}
	if d.meta.LastUpdated != uint64(f.now.Unix()) {
		t.Errorf("LastUpdated = %d, want %d", d.meta.LastUpdated, f.now.Unix())
	}

	var doc struct {
		Psps map[string]json.RawMessage `json:"psps"`
	}
	if err := json.Unmarshal(d.payload, &doc); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if _, ok := doc.Psps["Kai"]; !ok {
		t.Errorf("payload devices = %v, want Kai", doc.Psps)
	}
}
