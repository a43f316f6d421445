package search

import (
	"context"
	"fmt"
	"strings"

	"matheditor/internal/document"
	"matheditor/internal/store"
)

// Fallback is the part of the cloud repository used when the search engine is down.
type Fallback interface {
	SearchDocuments(ctx context.Context, query string, limit int) ([]store.Document, error)
}

// PgFTS implements Searcher using PostgreSQL full-text search over document names.
type PgFTS struct {
	store Fallback
}

func NewPgFTS(fallback Fallback) *PgFTS {
	return &PgFTS{store: fallback}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	docs, err := p.store.SearchDocuments(ctx, q.Text, q.Offset+q.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	total := len(docs)
	if q.Offset >= len(docs) {
		return []Result{}, total, nil
	}
	docs = docs[q.Offset:]

	results := make([]Result, 0, len(docs))
	for _, doc := range docs {
		results = append(results, Result{
			ID:        doc.ID,
			Name:      doc.Name,
			Handle:    document.Deref(doc.Handle),
			UpdatedAt: doc.UpdatedAt,
		})
	}
	return results, total, nil
}
