// Package ancestry decides whether a document belongs to a domain by walking its parent chain.
package ancestry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"matheditor/internal/document"
	"matheditor/internal/logger"
	"matheditor/internal/store"
)

// ErrCycle is returned when the parent chain revisits a document.
var ErrCycle = errors.New("parent chain contains a cycle")

// Source fetches the domain and parent of a single document.
type Source interface {
	DocumentLink(ctx context.Context, documentID string) (store.DocumentLink, error)
}

type Resolver struct {
	source      Source
	log         logger.Logger
	concurrency int
}

func NewResolver(source Source, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{source: source, log: log, concurrency: 8}
}

// Result of one walk. Steps counts the documents fetched.
type Result struct {
	Member bool
	Steps  int
}

// Resolve reports whether documentID or any ancestor is directly in domainID. A chain that ends,
// or reaches a missing document, is not a member.
func (r *Resolver) Resolve(ctx context.Context, documentID, domainID string) (bool, error) {
	result, err := r.Walk(ctx, documentID, domainID)
	return result.Member, err
}

func (r *Resolver) Walk(ctx context.Context, documentID, domainID string) (Result, error) {
	visited := make(map[string]struct{})
	current := documentID
	var result Result
	for current != "" {
		if _, seen := visited[current]; seen {
			r.log.Warn("ancestry cycle",
				logger.String("document_id", documentID),
				logger.String("domain_id", domainID),
				logger.String("revisited", current))
			return result, fmt.Errorf("resolve %s in %s: %w", documentID, domainID, ErrCycle)
		}
		visited[current] = struct{}{}

		if err := ctx.Err(); err != nil {
			return result, err
		}
		link, err := r.source.DocumentLink(ctx, current)
		result.Steps++
		if errors.Is(err, document.ErrNotFound) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("resolve %s: %w", documentID, err)
		}
		if link.DomainID != nil && *link.DomainID == domainID {
			result.Member = true
			return result, nil
		}
		current = document.Deref(link.ParentID)
	}
	return result, nil
}

// ResolveMany resolves several documents against the same domain concurrently.
func (r *Resolver) ResolveMany(ctx context.Context, documentIDs []string, domainID string) (map[string]bool, error) {
	out := make(map[string]bool, len(documentIDs))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for _, id := range documentIDs {
		group.Go(func() error {
			member, err := r.Resolve(groupCtx, id, domainID)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = member
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsWithin reports whether ancestorID is documentID itself or one of its ancestors. Moving a
// document under a parent for which IsWithin(parent, document) holds would close a cycle.
func (r *Resolver) IsWithin(ctx context.Context, documentID, ancestorID string) (bool, error) {
	visited := make(map[string]struct{})
	for current := documentID; current != ""; {
		if current == ancestorID {
			return true, nil
		}
		if _, seen := visited[current]; seen {
			return false, fmt.Errorf("walk parents of %s: %w", documentID, ErrCycle)
		}
		visited[current] = struct{}{}

		link, err := r.source.DocumentLink(ctx, current)
		if errors.Is(err, document.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("walk parents of %s: %w", documentID, err)
		}
		current = document.Deref(link.ParentID)
	}
	return false, nil
}
