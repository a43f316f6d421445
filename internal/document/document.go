// Package document holds the editor document model shared by the local store, the cloud
// repository and the sync layer: documents, revisions, the local/cloud facets of a logical
// document, handle rules and the backup file format.
package document

import (
	"encoding/json"
	"strings"
	"time"

	"matheditor/internal/util"
)

type Type string

const (
	TypeDocument  Type = "DOCUMENT"
	TypeDirectory Type = "DIRECTORY"
)

// Document is the local record shape of an editor document. Data is the editor tree of the
// current head revision.
type Document struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      Type            `json:"type"`
	Head      string          `json:"head"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Handle    *string         `json:"handle,omitempty"`
	BaseID    *string         `json:"baseId,omitempty"`
	ParentID  *string         `json:"parentId,omitempty"`
	SortOrder *int            `json:"sort_order,omitempty"`
	Revisions []Revision      `json:"revisions,omitempty"`
}

// Revision is an immutable snapshot of a document's editor tree.
type Revision struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	AuthorID   string          `json:"authorId,omitempty"`
}

// User is the public projection of an account.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Image  string `json:"image,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// CloudDocument is the server-side facet of a document. Data carries the head revision's tree
// when the server includes it.
type CloudDocument struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      Type            `json:"type"`
	Head      string          `json:"head"`
	Data      json.RawMessage `json:"data,omitempty"`
	Handle    *string         `json:"handle,omitempty"`
	BaseID    *string         `json:"baseId,omitempty"`
	ParentID  *string         `json:"parentId,omitempty"`
	DomainID  *string         `json:"domainId,omitempty"`
	SortOrder *int            `json:"sort_order,omitempty"`
	Private   bool            `json:"private"`
	Published bool            `json:"published"`
	Author    User            `json:"author"`
	Coauthors []User          `json:"coauthors"`
	Revisions []Revision      `json:"revisions,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// LocalCopy projects the cloud facet onto the local record shape, used when a cloud document
// is mirrored into the local store on first load.
func (c CloudDocument) LocalCopy() Document {
	return Document{
		ID:        c.ID,
		Name:      c.Name,
		Type:      c.Type,
		Head:      c.Head,
		Data:      CloneData(c.Data),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Handle:    c.Handle,
		BaseID:    c.BaseID,
		ParentID:  c.ParentID,
		SortOrder: c.SortOrder,
	}
}

// IsAuthor reports whether the user owns the document or is listed as a co-author.
func (c CloudDocument) IsAuthor(userID, email string) bool {
	if c.Author.ID != "" && c.Author.ID == userID {
		return true
	}
	for _, coauthor := range c.Coauthors {
		if email != "" && strings.EqualFold(coauthor.Email, email) {
			return true
		}
	}
	return false
}

// Patch is a partial update of a local document. Nil fields are left unchanged; an empty
// Handle or ParentID clears the field.
type Patch struct {
	Name      *string
	Head      *string
	Data      json.RawMessage
	Handle    *string
	ParentID  *string
	SortOrder *int
	UpdatedAt *time.Time
}

// New creates a document with a fresh id, its initial revision and head set to that revision.
func New(name string, docType Type, data json.RawMessage, parentID *string, now time.Time) (Document, Revision) {
	if docType == "" {
		docType = TypeDocument
	}
	doc := Document{
		ID:        util.NewID(),
		Name:      strings.TrimSpace(name),
		Type:      docType,
		CreatedAt: now,
		ParentID:  parentID,
	}
	revision := NewRevision(doc.ID, data, now)
	doc.Head = revision.ID
	doc.Data = CloneData(revision.Data)
	doc.UpdatedAt = now
	return doc, revision
}

// Fork seeds a new independent document from the source's current content and records the
// source as its base. The source is not modified.
func Fork(source Document, name string, now time.Time) (Document, Revision) {
	doc, revision := copyOf(source, name, now)
	baseID := source.ID
	doc.BaseID = &baseID
	return doc, revision
}

// Duplicate is Fork without the base link.
func Duplicate(source Document, name string, now time.Time) (Document, Revision) {
	return copyOf(source, name, now)
}

func copyOf(source Document, name string, now time.Time) (Document, Revision) {
	if strings.TrimSpace(name) == "" {
		name = source.Name
	}
	doc, revision := New(name, source.Type, source.Data, source.ParentID, now)
	if source.SortOrder != nil {
		order := *source.SortOrder
		doc.SortOrder = &order
	}
	return doc, revision
}

// CloneData returns a copy of the editor tree so no two records share a backing array.
func CloneData(data json.RawMessage) json.RawMessage {
	if data == nil {
		return nil
	}
	return append(json.RawMessage(nil), data...)
}

// ValidateName trims the name and rejects blank values.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(trimmed) > 255 {
		return "", &ValidationError{Field: "name", Message: "name must be at most 255 characters"}
	}
	return trimmed, nil
}

// StringPtr returns nil for blank values.
func StringPtr(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

// Deref returns the pointed-to string or "".
func Deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
