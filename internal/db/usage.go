package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	dateLayout  = "2006-01-02"
	stampLayout = "2006-01-02 15:04:05"

	metaLastUpdated = "last_updated"
)

// PlayRecord is a slice of playtime attributed to one game on one device.
type PlayRecord struct {
	Device  string
	GameID  string
	Title   string
	State   uint8
	Seconds int64
	// Finished closes the play session and counts it.
	Finished bool
	At       time.Time
}

// Key is the per-device game key. Locally tracked games are split by the
// activity they were reported under.
func (r PlayRecord) Key() string {
	return r.GameID + ":" + strconv.Itoa(int(r.State))
}

// GameStats aggregates one title across all devices.
type GameStats struct {
	Title      string `json:"title"`
	GameID     string `json:"game_id"`
	Seconds    int64  `json:"seconds"`
	Sessions   int64  `json:"sessions"`
	LastPlayed string `json:"last_played"`
}

// DayStats is the playtime of one title on a single day.
type DayStats struct {
	Title   string `json:"title"`
	Seconds int64  `json:"seconds"`
}

// UsageStore records play sessions and synchronizes them with devices.
type UsageStore struct {
	db  *Database
	now func() time.Time
}

// NewUsageStore creates a usage store over a migrated database.
func NewUsageStore(db *Database) *UsageStore {
	return &UsageStore{db: db, now: time.Now}
}

// SetClock replaces the wall clock used for timestamps.
func (s *UsageStore) SetClock(now func() time.Time) {
	s.now = now
}

// Record adds playtime to a game and, when the record finishes a session,
// increments its session count. Records with no time and no finish are
// ignored.
func (s *UsageStore) Record(r PlayRecord) error {
	if r.Device == "" || r.GameID == "" {
		return fmt.Errorf("play record needs device and game id")
	}
	if r.Seconds < 0 {
		r.Seconds = 0
	}
	if r.Seconds == 0 && !r.Finished {
		return nil
	}
	at := r.At
	if at.IsZero() {
		at = s.now()
	}
	stamp := at.Format(stampLayout)
	day := at.Format(dateLayout)
	finished := 0
	if r.Finished {
		finished = 1
	}

	return s.db.Transaction(func(tx *sql.Tx) error {
		if err := upsertDevice(tx, r.Device, stamp); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO games (device, game_key, game_id, title, total_seconds, session_count, first_played, last_played)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (device, game_key) DO UPDATE SET
				total_seconds = total_seconds + excluded.total_seconds,
				session_count = session_count + excluded.session_count,
				last_played = excluded.last_played,
				title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE title END
		`, r.Device, r.Key(), r.GameID, r.Title, r.Seconds, finished, stamp, stamp)
		if err != nil {
			return fmt.Errorf("record playtime: %w", err)
		}
		if r.Seconds == 0 {
			return nil
		}
		_, err = tx.Exec(`
			INSERT INTO daily_playtime (device, game_key, date, seconds) VALUES (?, ?, ?, ?)
			ON CONFLICT (device, game_key, date) DO UPDATE SET seconds = seconds + excluded.seconds
		`, r.Device, r.Key(), day, r.Seconds)
		if err != nil {
			return fmt.Errorf("record daily playtime: %w", err)
		}
		return nil
	})
}

func upsertDevice(tx *sql.Tx, name, stamp string) error {
	_, err := tx.Exec(`
		INSERT INTO devices (name, first_seen, last_seen) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET last_seen = excluded.last_seen
	`, name, stamp, stamp)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// Games returns per-title totals across devices, most played first.
func (s *UsageStore) Games(includeHidden bool) ([]GameStats, error) {
	query := `
		SELECT title, MIN(game_id), SUM(total_seconds), SUM(session_count), MAX(last_played)
		FROM games
		WHERE title <> '' AND (? OR hidden = 0)
		GROUP BY title
		ORDER BY SUM(total_seconds) DESC, title
	`
	rows, err := s.db.Query(query, includeHidden)
	if err != nil {
		return nil, fmt.Errorf("query games: %w", err)
	}
	defer rows.Close()

	var games []GameStats
	for rows.Next() {
		var g GameStats
		if err := rows.Scan(&g.Title, &g.GameID, &g.Seconds, &g.Sessions, &g.LastPlayed); err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// TopPlayed returns at most n titles ordered by total playtime.
func (s *UsageStore) TopPlayed(n int) ([]GameStats, error) {
	games, err := s.Games(true)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(games) > n {
		games = games[:n]
	}
	return games, nil
}

// Day returns per-title playtime on date (YYYY-MM-DD).
func (s *UsageStore) Day(date string) ([]DayStats, error) {
	rows, err := s.db.Query(`
		SELECT g.title, SUM(d.seconds)
		FROM daily_playtime d
		JOIN games g ON g.device = d.device AND g.game_key = d.game_key
		WHERE d.date = ? AND g.title <> ''
		GROUP BY g.title
		ORDER BY SUM(d.seconds) DESC, g.title
	`, date)
	if err != nil {
		return nil, fmt.Errorf("query day: %w", err)
	}
	defer rows.Close()

	var stats []DayStats
	for rows.Next() {
		var d DayStats
		if err := rows.Scan(&d.Title, &d.Seconds); err != nil {
			return nil, err
		}
		stats = append(stats, d)
	}
	return stats, rows.Err()
}

// PlayDates maps each date with recorded playtime to the titles played.
func (s *UsageStore) PlayDates() (map[string][]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT d.date, g.title
		FROM daily_playtime d
		JOIN games g ON g.device = d.device AND g.game_key = d.game_key
		WHERE g.title <> ''
		ORDER BY d.date, g.title
	`)
	if err != nil {
		return nil, fmt.Errorf("query play dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[string][]string)
	for rows.Next() {
		var date, title string
		if err := rows.Scan(&date, &title); err != nil {
			return nil, err
		}
		dates[date] = append(dates[date], title)
	}
	return dates, rows.Err()
}

// SetHidden hides or shows a game id on every device. It returns ErrNotFound
// when no device has played the game.
func (s *UsageStore) SetHidden(gameID string, hidden bool) error {
	res, err := s.db.Exec("UPDATE games SET hidden = ? WHERE game_id = ?", hidden, gameID)
	if err != nil {
		return fmt.Errorf("set hidden: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	return nil
}

// LastUpdated returns the unix time of the last merge, or zero.
func (s *UsageStore) LastUpdated() (uint64, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", metaLastUpdated).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last_updated: %w", err)
	}
	return strconv.ParseUint(value, 10, 64)
}

func setLastUpdated(tx *sql.Tx, ts uint64) error {
	_, err := tx.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, metaLastUpdated, strconv.FormatUint(ts, 10))
	return err
}

// exportGame is the per-game shape devices read.
type exportGame struct {
	GameID        string           `json:"game_id"`
	Title         string           `json:"title"`
	TotalSeconds  int64            `json:"total_seconds"`
	FirstPlayed   string           `json:"first_played"`
	LastPlayed    string           `json:"last_played"`
	SessionCount  int64            `json:"session_count"`
	PlayDates     []string         `json:"play_dates"`
	DailyPlaytime map[string]int64 `json:"daily_playtime"`
	Hidden        bool             `json:"hidden"`
}

type exportDevice struct {
	Name  string                 `json:"psp_name"`
	Games map[string]*exportGame `json:"games"`
}

type exportDocument struct {
	Devices     map[string]*exportDevice `json:"psps"`
	LastUpdated uint64                   `json:"last_updated"`
}

// Export renders the whole store as the JSON document served to devices,
// together with its last_updated time.
func (s *UsageStore) Export() ([]byte, uint64, error) {
	lastUpdated, err := s.LastUpdated()
	if err != nil {
		return nil, 0, err
	}
	doc := exportDocument{Devices: make(map[string]*exportDevice), LastUpdated: lastUpdated}

	rows, err := s.db.Query(`
		SELECT device, game_key, game_id, title, total_seconds, session_count, first_played, last_played, hidden
		FROM games ORDER BY device, game_key
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("export games: %w", err)
	}
	for rows.Next() {
		var device, key string
		g := &exportGame{DailyPlaytime: make(map[string]int64), PlayDates: []string{}}
		if err := rows.Scan(&device, &key, &g.GameID, &g.Title, &g.TotalSeconds, &g.SessionCount,
			&g.FirstPlayed, &g.LastPlayed, &g.Hidden); err != nil {
			rows.Close()
			return nil, 0, err
		}
		d, ok := doc.Devices[device]
		if !ok {
			d = &exportDevice{Name: device, Games: make(map[string]*exportGame)}
			doc.Devices[device] = d
		}
		d.Games[key] = g
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	daily, err := s.db.Query("SELECT device, game_key, date, seconds FROM daily_playtime ORDER BY date")
	if err != nil {
		return nil, 0, fmt.Errorf("export daily playtime: %w", err)
	}
	defer daily.Close()
	for daily.Next() {
		var device, key, date string
		var secs int64
		if err := daily.Scan(&device, &key, &date, &secs); err != nil {
			return nil, 0, err
		}
		if d, ok := doc.Devices[device]; ok {
			if g, ok := d.Games[key]; ok {
				g.DailyPlaytime[date] = secs
				g.PlayDates = append(g.PlayDates, date)
			}
		}
	}
	if err := daily.Err(); err != nil {
		return nil, 0, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, fmt.Errorf("encode usage: %w", err)
	}
	return data, lastUpdated, nil
}

// remoteGame accepts both the compact and the long field names devices use.
type remoteGame struct {
	GameID       string      `json:"game_id"`
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Seconds      json.Number `json:"seconds"`
	TotalSeconds json.Number `json:"total_seconds"`
	Sessions     json.Number `json:"sessions"`
	SessionCount json.Number `json:"session_count"`
	Daily        []struct {
		Date string      `json:"date"`
		Secs json.Number `json:"secs"`
	} `json:"daily"`
}

func (g remoteGame) id() string {
	if g.GameID != "" {
		return g.GameID
	}
	return g.ID
}

// number reads the first field that holds a non-negative integer.
func number(fields ...json.Number) int64 {
	for _, f := range fields {
		if f == "" {
			continue
		}
		if v, err := strconv.ParseInt(f.String(), 10, 64); err == nil && v >= 0 {
			return v
		}
		return 0
	}
	return 0
}

// Merge folds a device's uploaded usage document into the store with a
// high-water-mark rule: totals, session counts and each day's seconds only
// ever grow to the larger of the local and remote values. It stamps
// last_updated with the current time and returns how many games grew.
func (s *UsageStore) Merge(device string, data []byte) (int, error) {
	var doc struct {
		Games []remoteGame `json:"games"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("decode uploaded usage: %w", err)
	}

	now := s.now()
	stamp := now.Format(stampLayout)
	merged := 0

	err := s.db.Transaction(func(tx *sql.Tx) error {
		if err := upsertDevice(tx, device, stamp); err != nil {
			return err
		}
		for _, g := range doc.Games {
			id := g.id()
			if id == "" {
				continue
			}
			seconds := number(g.Seconds, g.TotalSeconds)
			sessions := number(g.Sessions, g.SessionCount)

			var local int64
			err := tx.QueryRow("SELECT total_seconds FROM games WHERE device = ? AND game_key = ?",
				device, id).Scan(&local)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read game %s: %w", id, err)
			}
			if seconds > local {
				merged++
			}

			_, err = tx.Exec(`
				INSERT INTO games (device, game_key, game_id, title, total_seconds, session_count)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (device, game_key) DO UPDATE SET
					total_seconds = MAX(total_seconds, excluded.total_seconds),
					session_count = MAX(session_count, excluded.session_count),
					title = CASE WHEN title = '' THEN excluded.title ELSE title END
			`, device, id, id, g.Title, seconds, sessions)
			if err != nil {
				return fmt.Errorf("merge game %s: %w", id, err)
			}

			for _, day := range g.Daily {
				if day.Date == "" {
					continue
				}
				_, err = tx.Exec(`
					INSERT INTO daily_playtime (device, game_key, date, seconds) VALUES (?, ?, ?, ?)
					ON CONFLICT (device, game_key, date) DO UPDATE SET
						seconds = MAX(seconds, excluded.seconds)
				`, device, id, day.Date, number(day.Secs))
				if err != nil {
					return fmt.Errorf("merge daily playtime %s: %w", id, err)
				}
			}
		}
		return setLastUpdated(tx, uint64(now.Unix()))
	})
	if err != nil {
		return 0, err
	}

	log.Info().Str("device", device).Int("merged", merged).Int("games", len(doc.Games)).
		Msg("merged uploaded usage")
	return merged, nil
}

// SortedDates returns the dates of a PlayDates result in ascending order.
func SortedDates(dates map[string][]string) []string {
	keys := make([]string, 0, len(dates))
	for k := range dates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
