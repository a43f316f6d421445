package localstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"matheditor/internal/document"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createDoc(t *testing.T, s *Store, name string, parentID *string) (document.Document, document.Revision) {
	t.Helper()
	doc, revision := document.New(name, document.TypeDocument, json.RawMessage(`{"root":{"children":[]}}`), parentID, now)
	require.NoError(t, s.Create(context.Background(), doc, revision))
	return doc, revision
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	doc, revision := createDoc(t, s, "Notes", nil)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.ID, got.ID)
	require.Equal(t, revision.ID, got.Head)
	require.JSONEq(t, string(doc.Data), string(got.Data))
	require.True(t, doc.CreatedAt.Equal(got.CreatedAt))
	require.Nil(t, got.Handle)

	revisions, err := s.RevisionsOf(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, revisions, 1)

	_, err = s.GetDocument(ctx, "missing")
	require.ErrorIs(t, err, document.ErrNotFound)
}

func TestCreateRejectsMismatchedRevision(t *testing.T) {
	s := openStore(t)
	doc, _ := document.New("a", document.TypeDocument, json.RawMessage(`{}`), nil, now)
	other := document.NewRevision("other", json.RawMessage(`{}`), now)
	require.ErrorIs(t, s.Create(context.Background(), doc, other), document.ErrForeignRevision)
}

func TestCommitMovesHeadAtomically(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	doc, first := createDoc(t, s, "Notes", nil)

	second := document.NewRevision(doc.ID, json.RawMessage(`{"v":2}`), now.Add(time.Minute))
	name := "Renamed"
	updated, err := s.Commit(ctx, second, document.Patch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, second.ID, updated.Head)
	require.Equal(t, "Renamed", updated.Name)
	require.JSONEq(t, `{"v":2}`, string(updated.Data))

	orphan := document.NewRevision("does-not-exist", json.RawMessage(`{"v":3}`), now)
	_, err = s.Commit(ctx, orphan, document.Patch{})
	require.ErrorIs(t, err, document.ErrNotFound)

	require.ErrorIs(t, s.RemoveRevision(ctx, second.ID), document.ErrHeadRevision)
	require.NoError(t, s.RemoveRevision(ctx, first.ID))
}

func TestUpdateHeadChecksOwnership(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a, firstA := createDoc(t, s, "a", nil)
	_, revisionB := createDoc(t, s, "b", nil)

	_, err := s.UpdateDocument(ctx, a.ID, document.Patch{Head: &revisionB.ID})
	require.ErrorIs(t, err, document.ErrForeignRevision)

	second := document.NewRevision(a.ID, json.RawMessage(`{"v":2}`), now)
	require.NoError(t, s.AddRevision(ctx, second))
	_, err = s.UpdateDocument(ctx, a.ID, document.Patch{Head: &second.ID})
	require.NoError(t, err)

	reverted, err := s.UpdateDocument(ctx, a.ID, document.Patch{Head: &firstA.ID})
	require.NoError(t, err)
	require.Equal(t, firstA.ID, reverted.Head)
	require.JSONEq(t, string(firstA.Data), string(reverted.Data))
}

func TestUpdateClearsHandleAndParent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	dir, _ := createDoc(t, s, "dir", nil)
	doc, _ := createDoc(t, s, "child", &dir.ID)

	handle := "my-notes"
	updated, err := s.UpdateDocument(ctx, doc.ID, document.Patch{Handle: &handle})
	require.NoError(t, err)
	require.Equal(t, "my-notes", document.Deref(updated.Handle))

	id, err := s.DocumentIDByHandle(ctx, "my-notes")
	require.NoError(t, err)
	require.Equal(t, doc.ID, id)

	children, err := s.ChildrenOf(ctx, dir.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	empty := ""
	updated, err = s.UpdateDocument(ctx, doc.ID, document.Patch{Handle: &empty, ParentID: &empty})
	require.NoError(t, err)
	require.Nil(t, updated.Handle)
	require.Nil(t, updated.ParentID)

	_, err = s.UpdateDocument(ctx, "missing", document.Patch{Name: &handle})
	require.ErrorIs(t, err, document.ErrNotFound)
}

func TestRemoveDocumentDropsRevisions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	doc, revision := createDoc(t, s, "a", nil)

	require.NoError(t, s.RemoveDocument(ctx, doc.ID))
	_, err := s.GetRevision(ctx, revision.ID)
	require.ErrorIs(t, err, document.ErrNotFound)
	require.ErrorIs(t, s.RemoveDocument(ctx, doc.ID), document.ErrNotFound)
}

func TestRestoreSkipsExisting(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	existing, existingRevision := createDoc(t, s, "existing", nil)
	fresh, freshRevision := document.New("fresh", document.TypeDocument, json.RawMessage(`{}`), nil, now)

	added, err := s.Restore(ctx,
		[]document.Document{existing, fresh},
		[]document.Revision{existingRevision, freshRevision})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	all, err := s.GetAllDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	revisions, err := s.GetAllRevisions(ctx)
	require.NoError(t, err)
	require.Len(t, revisions, 2)
}

func TestRestoreDropsTakenHandle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	handle := "notes"
	owner, ownerRevision := document.New("mine", document.TypeDocument, json.RawMessage(`{}`), nil, now)
	owner.Handle = &handle
	require.NoError(t, s.Create(ctx, owner, ownerRevision))

	incoming, incomingRevision := document.New("theirs", document.TypeDocument, json.RawMessage(`{}`), nil, now)
	incoming.Handle = &handle
	orphan := document.Revision{ID: "rev-orphan", DocumentID: "missing-doc", Data: json.RawMessage(`{}`), CreatedAt: now}

	added, err := s.Restore(ctx,
		[]document.Document{incoming},
		[]document.Revision{incomingRevision, orphan})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	stored, err := s.GetDocument(ctx, incoming.ID)
	require.NoError(t, err)
	require.Nil(t, stored.Handle)
	id, err := s.DocumentIDByHandle(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, owner.ID, id)

	_, err = s.GetRevision(ctx, orphan.ID)
	require.ErrorIs(t, err, document.ErrNotFound)
	_, err = s.GetRevision(ctx, incomingRevision.ID)
	require.NoError(t, err)
}
