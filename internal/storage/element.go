package storage

import (
	"encoding/json"
	"fmt"

	"whiteboard/internal/domain"
)

// ElementStore implements domain.ElementStore.
type ElementStore struct {
	db *DB
}

func NewElementStore(db *DB) *ElementStore {
	return &ElementStore{db: db}
}

const elementColumns = `id, board_id, type, x, y, width, height, z, created_at, temp_id, data_json`

func encodeData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode element data: %w", err)
	}
	return string(raw), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanElement(row scanner) (domain.Element, error) {
	var (
		e        domain.Element
		typ      string
		dataJSON string
	)
	if err := row.Scan(&e.ID, &e.BoardID, &typ, &e.X, &e.Y, &e.Width, &e.Height, &e.Z, &e.CreatedAt, &e.TempID, &dataJSON); err != nil {
		return domain.Element{}, err
	}
	e.Type = domain.ElementType(typ)
	if dataJSON != "" && dataJSON != "{}" {
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			return domain.Element{}, fmt.Errorf("decode element %s data: %w", e.ID, err)
		}
	}
	return e, nil
}

func (s *ElementStore) CreateElement(e *domain.Element) error {
	data, err := encodeData(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.exec(
		`INSERT INTO elements (`+elementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BoardID, string(e.Type), e.X, e.Y, e.Width, e.Height, e.Z, e.CreatedAt, e.TempID, data,
	)
	if err != nil {
		return fmt.Errorf("create element: %w", err)
	}
	return nil
}

func (s *ElementStore) GetElement(id string) (*domain.Element, error) {
	e, err := scanElement(s.db.queryRow(`SELECT `+elementColumns+` FROM elements WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get element: %w", err)
	}
	return &e, nil
}

// ListElements returns a board's elements in paint order.
func (s *ElementStore) ListElements(boardID string) ([]domain.Element, error) {
	rows, err := s.db.query(
		`SELECT `+elementColumns+` FROM elements WHERE board_id = ? ORDER BY z ASC, created_at ASC, id ASC`,
		boardID,
	)
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	defer rows.Close()

	var out []domain.Element
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *ElementStore) UpdateElement(e *domain.Element) error {
	data, err := encodeData(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.exec(
		`UPDATE elements SET type = ?, x = ?, y = ?, width = ?, height = ?, z = ?, data_json = ? WHERE id = ?`,
		string(e.Type), e.X, e.Y, e.Width, e.Height, e.Z, data, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update element: %w", err)
	}
	return nil
}

func (s *ElementStore) DeleteElement(id string) error {
	_, err := s.db.exec(`DELETE FROM elements WHERE id = ?`, id)
	return err
}

func (s *ElementStore) DeleteElementsByBoard(boardID string) error {
	_, err := s.db.exec(`DELETE FROM elements WHERE board_id = ?`, boardID)
	return err
}

// ReplaceBoardElements atomically replaces every element of a board.
func (s *ElementStore) ReplaceBoardElements(boardID string, elements []domain.Element) error {
	tx, err := s.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.db.rebind(`DELETE FROM elements WHERE board_id = ?`), boardID); err != nil {
		return fmt.Errorf("delete elements: %w", err)
	}
	insert := s.db.rebind(`INSERT INTO elements (` + elementColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, e := range elements {
		data, err := encodeData(e.Data)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(insert, e.ID, boardID, string(e.Type), e.X, e.Y, e.Width, e.Height, e.Z, e.CreatedAt, e.TempID, data); err != nil {
			return fmt.Errorf("insert element %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}
