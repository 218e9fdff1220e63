package storage

import (
	"encoding/json"
	"fmt"

	"whiteboard/internal/domain"
)

// GroupStore implements domain.GroupStore.
type GroupStore struct {
	db *DB
}

func NewGroupStore(db *DB) *GroupStore {
	return &GroupStore{db: db}
}

func (s *GroupStore) CreateGroup(g *domain.Group) error {
	ids, err := json.Marshal(g.ElementIDs)
	if err != nil {
		return fmt.Errorf("encode group members: %w", err)
	}
	_, err = s.db.exec(
		`INSERT INTO element_groups (id, board_id, element_ids_json) VALUES (?, ?, ?)`,
		g.ID, g.BoardID, string(ids),
	)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// UpdateGroup rewrites the member list, e.g. after a member was deleted.
func (s *GroupStore) UpdateGroup(g *domain.Group) error {
	ids, err := json.Marshal(g.ElementIDs)
	if err != nil {
		return fmt.Errorf("encode group members: %w", err)
	}
	_, err = s.db.exec(`UPDATE element_groups SET element_ids_json = ? WHERE id = ?`, string(ids), g.ID)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return nil
}

func (s *GroupStore) ListGroups(boardID string) ([]domain.Group, error) {
	rows, err := s.db.query(
		`SELECT id, board_id, element_ids_json FROM element_groups WHERE board_id = ? ORDER BY id ASC`, boardID,
	)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []domain.Group
	for rows.Next() {
		var (
			g   domain.Group
			raw string
		)
		if err := rows.Scan(&g.ID, &g.BoardID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &g.ElementIDs); err != nil {
			return nil, fmt.Errorf("decode group %s: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *GroupStore) DeleteGroup(id string) error {
	_, err := s.db.exec(`DELETE FROM element_groups WHERE id = ?`, id)
	return err
}

func (s *GroupStore) DeleteGroupsByBoard(boardID string) error {
	_, err := s.db.exec(`DELETE FROM element_groups WHERE board_id = ?`, boardID)
	return err
}
