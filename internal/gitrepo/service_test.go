package gitrepo

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"matheditor/internal/document"
)

func revision(id, documentID, data string, at time.Time) document.Revision {
	return document.Revision{ID: id, DocumentID: documentID, Data: json.RawMessage(data), CreatedAt: at}
}

func TestArchiveAndReadBack(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	info, err := svc.ArchiveRevision("doc-1", revision("rev-1", "doc-1", `{"root":{"children":[]}}`, at), "Notes", "Avery")
	if err != nil {
		t.Fatalf("ArchiveRevision() error = %v", err)
	}
	if info.RevisionID != "rev-1" || info.Hash == "" {
		t.Fatalf("unexpected commit info: %+v", info)
	}
	if !info.CreatedAt.Equal(at) {
		t.Fatalf("commit time = %v, want %v", info.CreatedAt, at)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1", contentFile)); err != nil {
		t.Fatalf("content file missing: %v", err)
	}

	content, err := svc.Content("doc-1", "rev-1")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if content.Name != "Notes" || string(content.Data) != `{"root":{"children":[]}}` {
		t.Fatalf("unexpected content: name=%q data=%s", content.Name, content.Data)
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	svc := New(t.TempDir())
	rev := revision("rev-1", "doc-1", `{"a":1}`, time.Now().UTC())

	first, err := svc.ArchiveRevision("doc-1", rev, "Doc", "Avery")
	if err != nil {
		t.Fatalf("ArchiveRevision() error = %v", err)
	}
	second, err := svc.ArchiveRevision("doc-1", rev, "Doc", "Avery")
	if err != nil {
		t.Fatalf("second ArchiveRevision() error = %v", err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("hash changed on re-archive: %s != %s", first.Hash, second.Hash)
	}
	history, err := svc.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
}

func TestArchiveRejectsForeignRevision(t *testing.T) {
	svc := New(t.TempDir())
	_, err := svc.ArchiveRevision("doc-1", revision("rev-1", "doc-2", `{}`, time.Now()), "Doc", "Avery")
	if !errors.Is(err, document.ErrForeignRevision) {
		t.Fatalf("expected ErrForeignRevision, got %v", err)
	}
}

func TestDiffBetweenRevisions(t *testing.T) {
	svc := New(t.TempDir())
	at := time.Now().UTC()
	before := `{"root":{"children":[{"type":"text","text":"x^2"}]}}`
	after := `{"root":{"children":[{"type":"text","text":"x^3"}]}}`

	if _, err := svc.ArchiveRevision("doc-1", revision("rev-1", "doc-1", before, at), "Doc", "Avery"); err != nil {
		t.Fatalf("archive rev-1: %v", err)
	}
	if _, err := svc.ArchiveRevision("doc-1", revision("rev-2", "doc-1", after, at.Add(time.Minute)), "Doc", "Avery"); err != nil {
		t.Fatalf("archive rev-2: %v", err)
	}

	diff, err := svc.Diff("doc-1", "rev-1", "rev-2")
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if diff.Added != 1 || diff.Removed != 1 {
		t.Fatalf("diff stats = +%d -%d, want +1 -1", diff.Added, diff.Removed)
	}
	if !strings.Contains(diff.Patch, `"text": "x^2"`) || !strings.Contains(diff.Patch, `"text": "x^3"`) {
		t.Fatalf("unexpected patch:\n%s", diff.Patch)
	}

	same, err := svc.Diff("doc-1", "rev-2", "rev-2")
	if err != nil {
		t.Fatalf("Diff() same error = %v", err)
	}
	if same.Patch != "" || same.Added != 0 {
		t.Fatalf("expected empty diff, got %+v", same)
	}
}

func TestDiffUnknownRevision(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.Diff("missing", "a", "b"); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing archive, got %v", err)
	}
	if _, err := svc.ArchiveRevision("doc-1", revision("rev-1", "doc-1", `{}`, time.Now()), "Doc", ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := svc.Diff("doc-1", "rev-1", "rev-9"); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown revision, got %v", err)
	}
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	svc := New(t.TempDir())
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"rev-1", "rev-2", "rev-3"} {
		data := `{"n":` + string(rune('1'+i)) + `}`
		if _, err := svc.ArchiveRevision("doc-1", revision(id, "doc-1", data, at.Add(time.Duration(i)*time.Hour)), "Doc", "Avery"); err != nil {
			t.Fatalf("archive %s: %v", id, err)
		}
	}

	history, err := svc.History("doc-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].RevisionID != "rev-3" || history[1].RevisionID != "rev-2" {
		t.Fatalf("unexpected history: %+v", history)
	}

	empty, err := svc.History("unknown", 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("History(unknown) = %v, %v", empty, err)
	}
}

func TestRemoveDropsArchive(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if _, err := svc.ArchiveRevision("doc-1", revision("rev-1", "doc-1", `{}`, time.Now()), "Doc", "Avery"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := svc.Remove("doc-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); !os.IsNotExist(err) {
		t.Fatalf("expected archive dir removed, stat err = %v", err)
	}
	if err := svc.Remove("doc-1"); err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
}

func TestConcurrentArchivesSerializePerDocument(t *testing.T) {
	svc := New(t.TempDir())
	at := time.Now().UTC()
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.ArchiveRevision("doc-1", revision(id, "doc-1", `{"id":"`+id+`"}`, at), "Doc", "Avery")
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent archive error: %v", err)
		}
	}
	history, err := svc.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
}
