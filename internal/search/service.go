package search

import (
	"context"

	"matheditor/internal/logger"
)

// Index is the write side of the search engine.
type Index interface {
	Searcher
	IndexDocuments(records []Record) error
	DeleteDocument(id string) error
}

// Service is the facade that tries the search engine first and falls back to Postgres.
type Service struct {
	engine   Index
	fallback Searcher
	log      logger.Logger
}

// NewService creates a search service. engine may be nil when Meilisearch is not configured.
func NewService(engine Index, fallback Searcher, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{engine: engine, fallback: fallback, log: log}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("search engine error, falling back to postgres", logger.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("postgres search failed", logger.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a published document, fire-and-forget.
func (s *Service) IndexDocument(record Record) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	go func() {
		if err := s.engine.IndexDocuments([]Record{record}); err != nil {
			s.log.Warn("index document", logger.String("document_id", record.ID), logger.Error(err))
		}
	}()
}

// DeleteDocument removes a document from the index, fire-and-forget. Unpublishing uses it too.
func (s *Service) DeleteDocument(id string) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	go func() {
		if err := s.engine.DeleteDocument(id); err != nil {
			s.log.Warn("delete indexed document", logger.String("document_id", id), logger.Error(err))
		}
	}()
}

// ReindexAll pushes every published document to the engine. Called at startup.
func (s *Service) ReindexAll(ctx context.Context, load func(ctx context.Context) ([]Record, error)) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	records, err := load(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", logger.Error(err))
		return
	}
	if err := s.engine.IndexDocuments(records); err != nil {
		s.log.Warn("reindex documents", logger.Error(err))
		return
	}
	s.log.Info("search index rebuilt", logger.Int("documents", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
