// Package search indexes published documents by name and plain-text content. Meilisearch is
// used when reachable, Postgres full-text search otherwise.
package search

import (
	"context"
	"encoding/json"
	"time"

	"matheditor/internal/document"
	"matheditor/internal/render"
	"matheditor/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Handle    string    `json:"handle,omitempty"`
	Snippet   string    `json:"snippet"`
	Author    string    `json:"author,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is what gets indexed for a published document.
type Record struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Handle    string `json:"handle"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	UpdatedAt int64  `json:"updatedAt"`
}

// NewRecord builds the index record from the cloud row and its head revision's editor tree.
func NewRecord(doc store.Document, author string, data json.RawMessage) Record {
	return Record{
		ID:        doc.ID,
		Name:      doc.Name,
		Handle:    document.Deref(doc.Handle),
		Author:    author,
		Content:   render.PlainText(data),
		UpdatedAt: doc.UpdatedAt.Unix(),
	}
}

// Indexable reports whether a document belongs in the public index.
func Indexable(doc store.Document) bool {
	return doc.Published && !doc.Private && doc.Type != string(document.TypeDirectory)
}

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
