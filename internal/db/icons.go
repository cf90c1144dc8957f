package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IconInfo describes a cached icon without its bytes.
type IconInfo struct {
	GameID    string `json:"game_id"`
	Size      int    `json:"size"`
	UpdatedAt string `json:"updated_at"`
}

// IconStore caches assembled game icons by game id.
type IconStore struct {
	db *Database
}

// NewIconStore creates an icon store over a migrated database.
func NewIconStore(db *Database) *IconStore {
	return &IconStore{db: db}
}

// Save stores or replaces the icon of gameID.
func (s *IconStore) Save(gameID string, data []byte) error {
	if gameID == "" {
		return fmt.Errorf("icon needs a game id")
	}
	_, err := s.db.Exec(`
		INSERT INTO icons (game_id, data, size, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (game_id) DO UPDATE SET
			data = excluded.data, size = excluded.size, updated_at = excluded.updated_at
	`, gameID, data, len(data), time.Now().Format(stampLayout))
	if err != nil {
		return fmt.Errorf("save icon %s: %w", gameID, err)
	}
	return nil
}

// Get returns the icon bytes of gameID or ErrNotFound.
func (s *IconStore) Get(gameID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM icons WHERE game_id = ?", gameID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("icon %s: %w", gameID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read icon %s: %w", gameID, err)
	}
	return data, nil
}

// Has reports whether an icon for gameID is cached.
func (s *IconStore) Has(gameID string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM icons WHERE game_id = ?", gameID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check icon %s: %w", gameID, err)
	}
	return n > 0, nil
}

// List returns every cached icon ordered by game id.
func (s *IconStore) List() ([]IconInfo, error) {
	rows, err := s.db.Query("SELECT game_id, size, updated_at FROM icons ORDER BY game_id")
	if err != nil {
		return nil, fmt.Errorf("list icons: %w", err)
	}
	defer rows.Close()

	var icons []IconInfo
	for rows.Next() {
		var i IconInfo
		if err := rows.Scan(&i.GameID, &i.Size, &i.UpdatedAt); err != nil {
			return nil, err
		}
		icons = append(icons, i)
	}
	return icons, rows.Err()
}
