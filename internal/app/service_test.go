package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"matheditor/internal/authpw"
	"matheditor/internal/document"
	"matheditor/internal/util"
)

const (
	docV1 = `{"root":{"children":[{"type":"paragraph","children":[{"type":"text","text":"x^2"}]}]}}`
	docV2 = `{"root":{"children":[{"type":"paragraph","children":[{"type":"text","text":"x^3"}]}]}}`
)

func authpwRequest(address, name string) authpw.SignUpRequest {
	return authpw.SignUpRequest{Email: address, Password: "correct-horse", Name: name}
}

func createDoc(t *testing.T, env *testEnv, session Session, input CreateDocumentInput) document.CloudDocument {
	t.Helper()
	if input.Name == "" {
		input.Name = "Notes"
	}
	if input.Data == nil {
		input.Data = json.RawMessage(docV1)
	}
	doc, err := env.svc.CreateDocument(context.Background(), session, input)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return doc
}

func TestSignInAndRefreshRotateTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.signUp(t, "avery@example.com", "Avery")

	session, err := env.svc.SignIn(ctx, authpw.SignInRequest{Email: "Avery@Example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	loaded, err := env.svc.SessionFromToken(ctx, session.Token)
	if err != nil || loaded.UserID != session.UserID {
		t.Fatalf("SessionFromToken() = %+v, %v", loaded, err)
	}

	rotated, err := env.svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if _, err := env.svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected the old refresh token to be rejected")
	}

	env.svc.Logout(ctx, loaded, rotated.RefreshToken)
	if _, err := env.svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatal("expected revoked access token to be rejected")
	}
}

func TestSignInWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "avery@example.com", "Avery")
	_, err := env.svc.SignIn(context.Background(), authpw.SignInRequest{Email: "avery@example.com", Password: "nope-nope"})
	mustStatus(t, err, 401)
}

func TestCreateDocumentKeepsClientIdentity(t *testing.T) {
	env := newTestEnv(t)
	avery := env.signUp(t, "avery@example.com", "Avery")
	id, head := util.NewID(), util.NewID()

	doc := createDoc(t, env, avery, CreateDocumentInput{ID: id, Head: head})
	if doc.ID != id || doc.Head != head {
		t.Fatalf("identity not kept: id=%s head=%s", doc.ID, doc.Head)
	}
	if doc.Author.ID != avery.UserID {
		t.Fatalf("author = %s, want %s", doc.Author.ID, avery.UserID)
	}

	_, err := env.svc.CreateDocument(context.Background(), avery, CreateDocumentInput{ID: id, Name: "Again"})
	mustStatus(t, err, 409)
}

func TestCreateDocumentValidation(t *testing.T) {
	env := newTestEnv(t)
	avery := env.signUp(t, "avery@example.com", "Avery")
	ctx := context.Background()
	taken := "algebra"
	createDoc(t, env, avery, CreateDocumentInput{Handle: &taken})

	tests := []struct {
		name  string
		input CreateDocumentInput
	}{
		{name: "blank name", input: CreateDocumentInput{Name: "  "}},
		{name: "bad id", input: CreateDocumentInput{Name: "Doc", ID: "not-a-uuid"}},
		{name: "bad type", input: CreateDocumentInput{Name: "Doc", Type: "SPREADSHEET"}},
		{name: "short handle", input: CreateDocumentInput{Name: "Doc", Handle: document.StringPtr("ab")}},
		{name: "uuid handle", input: CreateDocumentInput{Name: "Doc", Handle: document.StringPtr(util.NewID())}},
		{name: "taken handle", input: CreateDocumentInput{Name: "Doc", Handle: &taken}},
		{name: "missing parent", input: CreateDocumentInput{Name: "Doc", ParentID: document.StringPtr(util.NewID())}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateDocument(ctx, avery, tt.input)
			mustStatus(t, err, 400)
		})
	}

	_, err := env.svc.CreateDocument(ctx, Session{}, CreateDocumentInput{Name: "Doc"})
	mustStatus(t, err, 401)
}

func TestPrivateDocumentIsMaskedAsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	blake := env.signUp(t, "blake@example.com", "Blake")

	open := createDoc(t, env, avery, CreateDocumentInput{})
	hidden := createDoc(t, env, avery, CreateDocumentInput{Private: true})

	if _, err := env.svc.GetDocument(ctx, Session{}, open.ID); err != nil {
		t.Fatalf("anonymous read of public document: %v", err)
	}
	_, err := env.svc.GetDocument(ctx, blake, hidden.ID)
	mustStatus(t, err, 404)
	_, err = env.svc.UpdateDocument(ctx, blake, open.ID, UpdateDocumentInput{Name: document.StringPtr("Mine")})
	mustStatus(t, err, 404)
	_, err = env.svc.UpdateDocument(ctx, Session{}, open.ID, UpdateDocumentInput{Name: document.StringPtr("Mine")})
	mustStatus(t, err, 401)
}

func TestUpdateCommitsRevisionAndMovesHead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	doc := createDoc(t, env, avery, CreateDocumentInput{})
	firstHead := doc.Head
	nextHead := util.NewID()

	updated, err := env.svc.UpdateDocument(ctx, avery, doc.ID, UpdateDocumentInput{
		Head: &nextHead,
		Data: json.RawMessage(docV2),
	})
	if err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}
	if updated.Head != nextHead || !strings.Contains(string(updated.Data), "x^3") {
		t.Fatalf("head=%s data=%s", updated.Head, updated.Data)
	}
	if len(updated.Revisions) != 2 {
		t.Fatalf("revisions = %d, want 2", len(updated.Revisions))
	}

	err = env.svc.DeleteRevision(ctx, avery, doc.ID, nextHead)
	mustStatus(t, err, 400)

	reverted, err := env.svc.UpdateDocument(ctx, avery, doc.ID, UpdateDocumentInput{Head: &firstHead})
	if err != nil {
		t.Fatalf("revert head: %v", err)
	}
	if reverted.Head != firstHead || !strings.Contains(string(reverted.Data), "x^2") {
		t.Fatalf("revert: head=%s data=%s", reverted.Head, reverted.Data)
	}
	if err := env.svc.DeleteRevision(ctx, avery, doc.ID, nextHead); err != nil {
		t.Fatalf("delete non-head revision: %v", err)
	}
}

func TestSetHeadRejectsForeignRevision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	a := createDoc(t, env, avery, CreateDocumentInput{})
	b := createDoc(t, env, avery, CreateDocumentInput{Name: "Other"})

	_, err := env.svc.UpdateDocument(ctx, avery, a.ID, UpdateDocumentInput{Head: &b.Head})
	mustStatus(t, err, 400)
	_, err = env.svc.GetRevision(ctx, avery, a.ID, b.Head)
	mustStatus(t, err, 404)
}

func TestReparentRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	outer := createDoc(t, env, avery, CreateDocumentInput{Name: "Outer", Type: document.TypeDirectory})
	inner := createDoc(t, env, avery, CreateDocumentInput{Name: "Inner", Type: document.TypeDirectory, ParentID: &outer.ID})
	page := createDoc(t, env, avery, CreateDocumentInput{Name: "Page"})

	_, err := env.svc.UpdateDocument(ctx, avery, outer.ID, UpdateDocumentInput{ParentID: &inner.ID})
	mustStatus(t, err, 400)
	_, err = env.svc.UpdateDocument(ctx, avery, inner.ID, UpdateDocumentInput{ParentID: &page.ID})
	mustStatus(t, err, 400)

	moved, err := env.svc.UpdateDocument(ctx, avery, page.ID, UpdateDocumentInput{ParentID: &inner.ID})
	if err != nil {
		t.Fatalf("move page: %v", err)
	}
	if document.Deref(moved.ParentID) != inner.ID {
		t.Fatalf("parent = %q, want %q", document.Deref(moved.ParentID), inner.ID)
	}
}

func TestDeleteDirectoryRemovesContents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	dir := createDoc(t, env, avery, CreateDocumentInput{Name: "Dir", Type: document.TypeDirectory})
	sub := createDoc(t, env, avery, CreateDocumentInput{Name: "Sub", Type: document.TypeDirectory, ParentID: &dir.ID})
	child := createDoc(t, env, avery, CreateDocumentInput{Name: "Child", ParentID: &dir.ID})
	nested := createDoc(t, env, avery, CreateDocumentInput{Name: "Nested", ParentID: &sub.ID})
	other := createDoc(t, env, avery, CreateDocumentInput{Name: "Other"})

	if err := env.svc.DeleteDocument(ctx, avery, dir.ID); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	for _, id := range []string{dir.ID, sub.ID, child.ID, nested.ID} {
		_, err := env.svc.GetDocument(ctx, avery, id)
		mustStatus(t, err, 404)
		if revisions, _ := env.store.ListRevisions(ctx, id); len(revisions) != 0 {
			t.Fatalf("revisions of %s survived", id)
		}
	}
	if _, err := env.svc.GetDocument(ctx, avery, other.ID); err != nil {
		t.Fatalf("unrelated document lost: %v", err)
	}
}

func TestForkRecordsBaseAndCopiesHead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	blake := env.signUp(t, "blake@example.com", "Blake")
	source := createDoc(t, env, avery, CreateDocumentInput{Published: true})

	fork, err := env.svc.ForkDocument(ctx, blake, source.ID, ForkInput{})
	if err != nil {
		t.Fatalf("ForkDocument() error = %v", err)
	}
	if fork.ID == source.ID || fork.Head == source.Head {
		t.Fatal("fork must get its own id and head")
	}
	if document.Deref(fork.BaseID) != source.ID {
		t.Fatalf("baseId = %q, want %q", document.Deref(fork.BaseID), source.ID)
	}
	if fork.Author.ID != blake.UserID || fork.Published {
		t.Fatalf("unexpected fork: author=%s published=%v", fork.Author.ID, fork.Published)
	}
	if string(fork.Data) != docV1 {
		t.Fatalf("fork data = %s", fork.Data)
	}

	unchanged, err := env.svc.GetDocument(ctx, avery, source.ID)
	if err != nil || unchanged.Head != source.Head {
		t.Fatalf("source changed: %+v, %v", unchanged, err)
	}
}

func TestForkKeepsWritableParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	blake := env.signUp(t, "blake@example.com", "Blake")
	dir := createDoc(t, env, avery, CreateDocumentInput{Name: "Course", Type: document.TypeDirectory})
	source := createDoc(t, env, avery, CreateDocumentInput{Published: true, ParentID: &dir.ID})

	own, err := env.svc.ForkDocument(ctx, avery, source.ID, ForkInput{})
	if err != nil {
		t.Fatalf("ForkDocument() error = %v", err)
	}
	if document.Deref(own.ParentID) != dir.ID {
		t.Fatalf("parentId = %q, want %q", document.Deref(own.ParentID), dir.ID)
	}

	foreign, err := env.svc.ForkDocument(ctx, blake, source.ID, ForkInput{})
	if err != nil {
		t.Fatalf("ForkDocument() error = %v", err)
	}
	if foreign.ParentID != nil {
		t.Fatalf("fork into an unwritable directory: parentId = %q", *foreign.ParentID)
	}
}

func TestCoauthorCanEditAndIsNotified(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	blake := env.signUp(t, "blake@example.com", "Blake")
	doc := createDoc(t, env, avery, CreateDocumentInput{Private: true})

	_, err := env.svc.AddCoauthor(ctx, avery, doc.ID, "not an email")
	mustStatus(t, err, 400)

	users, err := env.svc.AddCoauthor(ctx, avery, doc.ID, " Blake@Example.com ")
	if err != nil {
		t.Fatalf("AddCoauthor() error = %v", err)
	}
	if len(users) != 1 || users[0].ID != blake.UserID {
		t.Fatalf("coauthors = %+v", users)
	}
	select {
	case notice := <-env.mailer.sent:
		if notice.to != "blake@example.com" || notice.data.DocumentName != "Notes" {
			t.Fatalf("unexpected notice: %+v", notice)
		}
		if !strings.HasSuffix(notice.data.DocumentURL, "/edit/"+doc.ID) {
			t.Fatalf("notice url = %s", notice.data.DocumentURL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coauthor notice was not sent")
	}

	if _, err := env.svc.UpdateDocument(ctx, blake, doc.ID, UpdateDocumentInput{Data: json.RawMessage(docV2)}); err != nil {
		t.Fatalf("coauthor update: %v", err)
	}
	_, err = env.svc.UpdateDocument(ctx, blake, doc.ID, UpdateDocumentInput{Published: boolPtr(true)})
	mustStatus(t, err, 404)

	listed, err := env.svc.ListDocuments(ctx, blake)
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListDocuments(coauthor) = %d, %v", len(listed), err)
	}

	if err := env.svc.RemoveCoauthor(ctx, blake, doc.ID, "blake@example.com"); err != nil {
		t.Fatalf("coauthor leaving: %v", err)
	}
	_, err = env.svc.GetDocument(ctx, blake, doc.ID)
	mustStatus(t, err, 404)
}

func TestDomainOwnerReadsDocumentsInsideDomain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	owner := env.signUp(t, "owner@example.com", "Owner")

	domain, err := env.svc.CreateDomain(ctx, owner, DomainInput{Slug: "calculus", Name: "Calculus"})
	if err != nil {
		t.Fatalf("CreateDomain() error = %v", err)
	}
	root := createDoc(t, env, avery, CreateDocumentInput{Name: "Root", Type: document.TypeDirectory, Private: true})
	if err := env.store.UpdateDocument(ctx, root.ID, storePatchDomain(domain.ID)); err != nil {
		t.Fatalf("attach domain: %v", err)
	}
	inside := createDoc(t, env, avery, CreateDocumentInput{Name: "Inside", ParentID: &root.ID, Private: true})
	outside := createDoc(t, env, avery, CreateDocumentInput{Name: "Outside", Private: true})

	if _, err := env.svc.GetDocument(ctx, owner, inside.ID); err != nil {
		t.Fatalf("domain owner read: %v", err)
	}
	if _, err := env.svc.GetDomainDocument(ctx, owner, domain.ID, inside.ID); err != nil {
		t.Fatalf("domain route read: %v", err)
	}
	_, err = env.svc.GetDomainDocument(ctx, owner, domain.ID, outside.ID)
	mustStatus(t, err, 404)
	_, err = env.svc.GetDocument(ctx, owner, outside.ID)
	mustStatus(t, err, 404)
}

func TestDomainMutationsRequireOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.signUp(t, "owner@example.com", "Owner")
	other := env.signUp(t, "other@example.com", "Other")

	domain, err := env.svc.CreateDomain(ctx, owner, DomainInput{Slug: "Geometry", Name: "Geometry"})
	if err != nil {
		t.Fatalf("CreateDomain() error = %v", err)
	}
	if domain.Slug != "geometry" {
		t.Fatalf("slug = %q, want lowercased", domain.Slug)
	}
	_, err = env.svc.CreateDomain(ctx, other, DomainInput{Slug: "geometry", Name: "Mine"})
	mustStatus(t, err, 400)
	_, err = env.svc.CreateDomain(ctx, other, DomainInput{Slug: "ab", Name: "Short"})
	mustStatus(t, err, 400)

	_, err = env.svc.UpdateDomain(ctx, other, domain.ID, DomainInput{Name: "Stolen"})
	mustStatus(t, err, 403)
	err = env.svc.DeleteDomain(ctx, other, domain.ID)
	mustStatus(t, err, 403)

	renamed, err := env.svc.UpdateDomain(ctx, owner, domain.ID, DomainInput{Name: "Euclid"})
	if err != nil || renamed.Name != "Euclid" || renamed.Slug != "geometry" {
		t.Fatalf("UpdateDomain() = %+v, %v", renamed, err)
	}
	if err := env.svc.DeleteDomain(ctx, owner, domain.ID); err != nil {
		t.Fatalf("DeleteDomain() error = %v", err)
	}
}

func TestDiffArchivesMissingRevisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	doc := createDoc(t, env, avery, CreateDocumentInput{})
	updated, err := env.svc.UpdateDocument(ctx, avery, doc.ID, UpdateDocumentInput{Data: json.RawMessage(docV2)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	diff, err := env.svc.Diff(ctx, avery, doc.ID, doc.Head, updated.Head)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if diff.Added != 1 || diff.Removed != 1 {
		t.Fatalf("diff = +%d -%d", diff.Added, diff.Removed)
	}

	_, err = env.svc.Diff(ctx, avery, doc.ID, doc.Head, "")
	mustStatus(t, err, 400)
}

func TestHandleAvailability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	avery := env.signUp(t, "avery@example.com", "Avery")
	doc := createDoc(t, env, avery, CreateDocumentInput{Handle: document.StringPtr("limits")})

	if err := env.svc.HandleAvailable(ctx, "limits", doc.ID); err != nil {
		t.Fatalf("own handle should be available to itself: %v", err)
	}
	if err := env.svc.HandleAvailable(ctx, "limits", ""); !errors.Is(err, document.ErrHandleTaken) {
		t.Fatalf("expected ErrHandleTaken, got %v", err)
	}
	if err := env.svc.HandleAvailable(ctx, "series", ""); err != nil {
		t.Fatalf("free handle: %v", err)
	}

	byHandle, err := env.svc.GetDocument(ctx, Session{}, "limits")
	if err != nil || byHandle.ID != doc.ID {
		t.Fatalf("GetDocument(handle) = %s, %v", byHandle.ID, err)
	}
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("a ", summaryLength)
	got := summarize(long)
	if !strings.HasSuffix(got, "…") || len([]rune(got)) > summaryLength+1 {
		t.Fatalf("summary not truncated: %d runes", len([]rune(got)))
	}
	if summarize("  short\n text ") != "short text" {
		t.Fatalf("whitespace not collapsed: %q", summarize("  short\n text "))
	}
}

func boolPtr(v bool) *bool { return &v }
