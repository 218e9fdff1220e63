package domain

import "time"

// Group clusters two or more canonical elements.
type Group struct {
	ID         string   `json:"id"`
	BoardID    string   `json:"boardId,omitempty"`
	ElementIDs []string `json:"elementIds"`
}

// Board is a shared collaborative document.
type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ElementStore persists confirmed elements for the authority.
type ElementStore interface {
	CreateElement(e *Element) error
	GetElement(id string) (*Element, error)
	ListElements(boardID string) ([]Element, error)
	UpdateElement(e *Element) error
	DeleteElement(id string) error
	DeleteElementsByBoard(boardID string) error
}

// GroupStore persists confirmed groups for the authority.
type GroupStore interface {
	CreateGroup(g *Group) error
	UpdateGroup(g *Group) error
	ListGroups(boardID string) ([]Group, error)
	DeleteGroup(id string) error
	DeleteGroupsByBoard(boardID string) error
}

// BoardStore persists board metadata.
type BoardStore interface {
	EnsureBoard(id string) (*Board, error)
	GetBoard(id string) (*Board, error)
	ListBoards() ([]Board, error)
	TouchBoard(id string) error
}
