package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"matheditor/internal/store"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeFallback struct {
	docs      []store.Document
	err       error
	lastLimit int
}

func (f *fakeFallback) SearchDocuments(_ context.Context, _ string, limit int) ([]store.Document, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.docs) {
		return f.docs[:limit], nil
	}
	return f.docs, nil
}

type fakeEngine struct {
	healthy bool
	results []Result
	err     error
	indexed chan []Record
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) Search(context.Context, Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}

func (f *fakeEngine) IndexDocuments(records []Record) error {
	f.indexed <- records
	return nil
}

func (f *fakeEngine) DeleteDocument(string) error { return nil }

func docs(names ...string) []store.Document {
	out := make([]store.Document, 0, len(names))
	for _, name := range names {
		out = append(out, store.Document{ID: "id-" + name, Name: name})
	}
	return out
}

func TestPgFTSPaginates(t *testing.T) {
	fallback := &fakeFallback{docs: docs("a", "b", "c", "d")}
	pg := NewPgFTS(fallback)

	results, total, err := pg.Search(context.Background(), Query{Text: "calc", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if fallback.lastLimit != 3 {
		t.Fatalf("fetched %d rows, want 3", fallback.lastLimit)
	}
	if total != 3 || len(results) != 2 || results[0].Name != "b" || results[1].Name != "c" {
		t.Fatalf("unexpected results: total=%d %+v", total, results)
	}

	empty, _, err := pg.Search(context.Background(), Query{Text: "   "})
	if err != nil || empty != nil {
		t.Fatalf("blank query = %v, %v", empty, err)
	}
}

func TestServiceFallsBackWhenEngineFails(t *testing.T) {
	engine := &fakeEngine{healthy: true, err: errors.New("boom")}
	svc := NewService(engine, NewPgFTS(&fakeFallback{docs: docs("limits")}), nil)

	resp := svc.Search(context.Background(), Query{Text: "limits"})
	if resp.Total != 1 || resp.Results[0].Name != "limits" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServiceUsesHealthyEngine(t *testing.T) {
	engine := &fakeEngine{healthy: true, results: []Result{{ID: "x", Name: "From engine"}}}
	svc := NewService(engine, NewPgFTS(&fakeFallback{}), nil)

	resp := svc.Search(context.Background(), Query{Text: "engine"})
	if len(resp.Results) != 1 || resp.Results[0].Name != "From engine" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServiceSwallowsFallbackError(t *testing.T) {
	svc := NewService(nil, NewPgFTS(&fakeFallback{err: errors.New("down")}), nil)
	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("expected empty response, got %+v", resp)
	}
}

func TestIndexDocumentSkipsUnhealthyEngine(t *testing.T) {
	engine := &fakeEngine{healthy: false, indexed: make(chan []Record, 1)}
	svc := NewService(engine, nil, nil)
	svc.IndexDocument(Record{ID: "a"})
	select {
	case <-engine.indexed:
		t.Fatal("unhealthy engine must not be indexed")
	case <-time.After(20 * time.Millisecond):
	}

	engine.healthy = true
	svc.IndexDocument(Record{ID: "b"})
	select {
	case got := <-engine.indexed:
		if got[0].ID != "b" {
			t.Fatalf("indexed %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected record to be indexed")
	}
}

func TestNewRecordAndIndexable(t *testing.T) {
	handle := "calc-notes"
	doc := store.Document{ID: "d1", Name: "Calculus", Handle: &handle, Published: true, Type: "DOCUMENT", UpdatedAt: time.Unix(1700000000, 0)}
	data := json.RawMessage(`{"root":{"children":[{"type":"paragraph","children":[{"type":"text","text":"Limits"}]}]}}`)

	record := NewRecord(doc, "Avery", data)
	if record.Handle != "calc-notes" || record.Author != "Avery" || record.UpdatedAt != 1700000000 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Content == "" {
		t.Fatal("expected plain-text content")
	}

	if !Indexable(doc) {
		t.Fatal("published document should be indexable")
	}
	doc.Private = true
	if Indexable(doc) {
		t.Fatal("private document must not be indexed")
	}
	doc.Private = false
	doc.Type = "DIRECTORY"
	if Indexable(doc) {
		t.Fatal("directories must not be indexed")
	}
}

func TestHitToResultPrefersFormatted(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"d1"`),
		"name":       json.RawMessage(`"Calculus"`),
		"content":    json.RawMessage(`"long text"`),
		"updatedAt":  json.RawMessage(`1700000000`),
		"_formatted": json.RawMessage(`{"name":"<mark>Calc</mark>ulus","content":"…text…"}`),
	}
	r := hitToResult(hit)
	if r.ID != "d1" || r.Name != "<mark>Calc</mark>ulus" || r.Snippet != "…text…" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.UpdatedAt.Unix() != 1700000000 {
		t.Fatalf("updatedAt = %v", r.UpdatedAt)
	}
}
