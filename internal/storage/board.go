package storage

import (
	"fmt"
	"time"

	"whiteboard/internal/domain"
)

// BoardStore implements domain.BoardStore. Timestamps are stored as unix
// milliseconds so the schema is the same on every driver.
type BoardStore struct {
	db  *DB
	now func() time.Time
}

func NewBoardStore(db *DB) *BoardStore {
	return &BoardStore{db: db, now: time.Now}
}

// EnsureBoard returns the board, creating it (named after its id) if needed.
func (s *BoardStore) EnsureBoard(id string) (*domain.Board, error) {
	now := s.now().UnixMilli()
	insert := `INSERT INTO boards (id, name, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
	if s.db.Dialect() == DriverMySQL {
		insert = `INSERT IGNORE INTO boards (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`
	}
	if _, err := s.db.exec(insert, id, id, now, now); err != nil {
		return nil, fmt.Errorf("ensure board: %w", err)
	}
	return s.GetBoard(id)
}

func (s *BoardStore) GetBoard(id string) (*domain.Board, error) {
	var (
		b                domain.Board
		created, updated int64
	)
	err := s.db.queryRow(`SELECT id, name, created_at, updated_at FROM boards WHERE id = ?`, id).
		Scan(&b.ID, &b.Name, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("get board: %w", err)
	}
	b.CreatedAt = time.UnixMilli(created)
	b.UpdatedAt = time.UnixMilli(updated)
	return &b, nil
}

func (s *BoardStore) ListBoards() ([]domain.Board, error) {
	rows, err := s.db.query(`SELECT id, name, created_at, updated_at FROM boards ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	var out []domain.Board
	for rows.Next() {
		var (
			b                domain.Board
			created, updated int64
		)
		if err := rows.Scan(&b.ID, &b.Name, &created, &updated); err != nil {
			return nil, err
		}
		b.CreatedAt = time.UnixMilli(created)
		b.UpdatedAt = time.UnixMilli(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

// TouchBoard bumps updated_at.
func (s *BoardStore) TouchBoard(id string) error {
	_, err := s.db.exec(`UPDATE boards SET updated_at = ? WHERE id = ?`, s.now().UnixMilli(), id)
	return err
}
