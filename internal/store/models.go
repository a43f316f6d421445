package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         string
	Handle       *string
	Image        string
	CreatedAt    time.Time
}

// Document is the cloud row. Content lives on the head revision.
type Document struct {
	ID        string
	Name      string
	Type      string
	Head      string
	Handle    *string
	BaseID    *string
	ParentID  *string
	DomainID  *string
	SortOrder *int
	Private   bool
	Published bool
	AuthorID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Revision struct {
	ID         string
	DocumentID string
	AuthorID   string
	Data       json.RawMessage
	CreatedAt  time.Time
}

// Coauthor is a co-author row joined with the matching account, if the e-mail has one.
type Coauthor struct {
	DocumentID string
	Email      string
	UserID     *string
	Name       *string
	Image      *string
	CreatedAt  time.Time
}

type Domain struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	UserID    string    `json:"userId"`
	Color     *string   `json:"color,omitempty"`
	Icon      *string   `json:"icon,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DocumentPatch changes document metadata. Nil fields are untouched; an empty string clears
// Handle, ParentID and DomainID.
type DocumentPatch struct {
	Name      *string
	Handle    *string
	ParentID  *string
	DomainID  *string
	SortOrder *int
	Private   *bool
	Published *bool
}

func (p DocumentPatch) IsEmpty() bool {
	return p.Name == nil && p.Handle == nil && p.ParentID == nil && p.DomainID == nil &&
		p.SortOrder == nil && p.Private == nil && p.Published == nil
}

// DocumentLink is the pair the ancestry walk needs from each node.
type DocumentLink struct {
	DomainID *string
	ParentID *string
}
