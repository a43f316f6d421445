package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"matheditor/internal/blob"
	"matheditor/internal/document"
	"matheditor/internal/feed"
	"matheditor/internal/logger"
	"matheditor/internal/rbac"
	"matheditor/internal/render"
	"matheditor/internal/search"
	"matheditor/internal/store"
)

const (
	feedLimit     = 50
	sitemapLimit  = 5000
	summaryLength = 280
)

// Export renders the document's head revision in the requested format.
func (s *Service) Export(ctx context.Context, session Session, idOrHandle string, format render.Format) (*render.Result, error) {
	doc, err := s.lookupDocument(ctx, idOrHandle)
	if err != nil {
		return nil, err
	}
	acc, err := s.authorize(ctx, session, doc, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	view, err := s.fullView(ctx, acc)
	if err != nil {
		return nil, err
	}
	return s.renderer.Export(ctx, render.Request{
		Title:     view.Name,
		Author:    view.Author.Name,
		UpdatedAt: view.UpdatedAt,
		Data:      view.Data,
		Format:    format,
	})
}

// EmbedInput is a serialized editor document posted for rendering.
type EmbedInput struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Embed renders a posted editor document as a standalone HTML page.
func (s *Service) Embed(input EmbedInput) (string, error) {
	if len(bytes.TrimSpace(input.Data)) == 0 {
		return "", render.ErrInvalidDocument
	}
	return s.renderer.Page(render.Request{Title: input.Name, Data: input.Data, UpdatedAt: s.now()})
}

// Backup validates a .me backup and stores it under the caller's prefix in object storage.
func (s *Service) Backup(ctx context.Context, session Session, body io.Reader) (blob.Object, int, error) {
	if !session.Authenticated() {
		return blob.Object{}, 0, document.ErrUnauthenticated
	}
	if s.backups == nil {
		return blob.Object{}, 0, domainError(503, "BACKUP_UNAVAILABLE", "Backup storage is not configured", nil)
	}
	docs, err := document.DecodeBackup(body)
	if err != nil {
		return blob.Object{}, 0, &document.ValidationError{Field: "backup", Message: "backup file is not valid", Err: err}
	}
	var buf bytes.Buffer
	if err := document.EncodeBackup(&buf, docs); err != nil {
		return blob.Object{}, 0, err
	}
	object, err := s.backups.PutBackup(ctx, session.UserID, s.now(), &buf, int64(buf.Len()))
	if err != nil {
		return blob.Object{}, 0, err
	}
	s.log.Info("backup stored",
		logger.String("user_id", session.UserID),
		logger.String("key", object.Key),
		logger.Int("documents", len(docs)),
	)
	return object, len(docs), nil
}

// WriteRSS writes the feed of recently published documents.
func (s *Service) WriteRSS(ctx context.Context, w io.Writer) error {
	docs, err := s.store.ListPublished(ctx, feedLimit)
	if err != nil {
		return err
	}
	authors, err := s.authorsOf(ctx, docs)
	if err != nil {
		return err
	}
	entries := make([]feed.Entry, 0, len(docs))
	for _, doc := range docs {
		entry := feed.Entry{Document: doc, Author: authors[doc.AuthorID].Name}
		if head, err := s.store.GetRevision(ctx, doc.Head); err == nil {
			entry.Summary = summarize(render.PlainText(head.Data))
		} else {
			s.log.Warn("feed summary", logger.String("document_id", doc.ID), logger.Error(err))
		}
		entries = append(entries, entry)
	}
	return feed.WriteRSS(w, feed.Site{
		Title:       "Math Editor",
		Description: "Recently published documents",
		BaseURL:     s.cfg.PublicURL,
	}, entries)
}

func (s *Service) WriteSitemap(ctx context.Context, w io.Writer) error {
	docs, err := s.store.ListPublished(ctx, sitemapLimit)
	if err != nil {
		return err
	}
	return feed.WriteSitemap(w, s.cfg.PublicURL, docs)
}

// Reindex pushes every published document to the search index. It runs once at startup.
func (s *Service) Reindex(ctx context.Context) {
	indexer, ok := s.search.(interface {
		ReindexAll(ctx context.Context, load func(context.Context) ([]search.Record, error))
	})
	if !ok {
		return
	}
	indexer.ReindexAll(ctx, func(ctx context.Context) ([]search.Record, error) {
		docs, err := s.store.ListPublished(ctx, sitemapLimit)
		if err != nil {
			return nil, err
		}
		authors, err := s.authorsOf(ctx, docs)
		if err != nil {
			return nil, err
		}
		records := make([]search.Record, 0, len(docs))
		for _, doc := range docs {
			if !search.Indexable(doc) {
				continue
			}
			head, err := s.store.GetRevision(ctx, doc.Head)
			if err != nil {
				s.log.Warn("reindex head", logger.String("document_id", doc.ID), logger.Error(err))
				continue
			}
			records = append(records, search.NewRecord(doc, authors[doc.AuthorID].Name, head.Data))
		}
		return records, nil
	})
}

func (s *Service) authorsOf(ctx context.Context, docs []store.Document) (map[string]store.User, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.AuthorID)
	}
	return s.store.UsersByID(ctx, ids)
}

func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= summaryLength {
		return text
	}
	return strings.TrimSpace(string(runes[:summaryLength])) + "…"
}
