package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"matheditor/internal/config"
	"matheditor/internal/document"
	"matheditor/internal/email"
	"matheditor/internal/gitrepo"
	"matheditor/internal/session"
	"matheditor/internal/store"
)

// memStore is an in-memory Repository with the same semantics as the Postgres store.
type memStore struct {
	mu        sync.Mutex
	pingErr   error
	users     map[string]store.User
	docs      map[string]store.Document
	revisions map[string]store.Revision
	coauthors map[string][]string
	domains   map[string]store.Domain
}

func newMemStore() *memStore {
	return &memStore{
		users:     map[string]store.User{},
		docs:      map[string]store.Document{},
		revisions: map[string]store.Revision{},
		coauthors: map[string][]string{},
		domains:   map[string]store.Domain{},
	}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CreateDocument(_ context.Context, item store.Document, revision store.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if revision.DocumentID != item.ID || revision.ID != item.Head {
		return document.ErrForeignRevision
	}
	if item.Handle != nil {
		for _, doc := range m.docs {
			if doc.Handle != nil && *doc.Handle == *item.Handle {
				return document.ErrHandleTaken
			}
		}
	}
	if _, ok := m.revisions[revision.ID]; ok {
		return fmt.Errorf("duplicate revision %s", revision.ID)
	}
	m.docs[item.ID] = item
	m.revisions[revision.ID] = revision
	return nil
}

func (m *memStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return store.Document{}, fmt.Errorf("get document: %w", document.ErrNotFound)
	}
	return doc, nil
}

func (m *memStore) GetDocumentByHandle(ctx context.Context, handle string) (store.Document, error) {
	id, err := m.DocumentIDByHandle(ctx, handle)
	if err != nil {
		return store.Document{}, err
	}
	return m.GetDocument(ctx, id)
}

func (m *memStore) DocumentIDByHandle(_ context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		if doc.Handle != nil && *doc.Handle == handle {
			return doc.ID, nil
		}
	}
	return "", document.ErrNotFound
}

func (m *memStore) ListDocumentsForUser(_ context.Context, userID, email string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Document{}
	for _, doc := range m.docs {
		if doc.AuthorID == userID || m.isCoauthorLocked(doc.ID, email) {
			out = append(out, doc)
		}
	}
	sortNewest(out)
	return out, nil
}

func (m *memStore) ListPublished(_ context.Context, limit int) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Document{}
	for _, doc := range m.docs {
		if doc.Published && !doc.Private {
			out = append(out, doc)
		}
	}
	sortNewest(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) DocumentLink(_ context.Context, id string) (store.DocumentLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return store.DocumentLink{}, document.ErrNotFound
	}
	return store.DocumentLink{DomainID: doc.DomainID, ParentID: doc.ParentID}, nil
}

func (m *memStore) UpdateDocument(_ context.Context, id string, patch store.DocumentPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return document.ErrNotFound
	}
	if patch.Name != nil {
		doc.Name = *patch.Name
	}
	if patch.Handle != nil {
		doc.Handle = clearable(*patch.Handle)
	}
	if patch.ParentID != nil {
		doc.ParentID = clearable(*patch.ParentID)
	}
	if patch.DomainID != nil {
		doc.DomainID = clearable(*patch.DomainID)
	}
	if patch.SortOrder != nil {
		doc.SortOrder = patch.SortOrder
	}
	if patch.Private != nil {
		doc.Private = *patch.Private
	}
	if patch.Published != nil {
		doc.Published = *patch.Published
	}
	doc.UpdatedAt = time.Now().UTC()
	m.docs[id] = doc
	return nil
}

func (m *memStore) DeleteDocument(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return nil, document.ErrNotFound
	}
	removed := []string{id}
	for i := 0; i < len(removed); i++ {
		for childID, doc := range m.docs {
			if doc.ParentID != nil && *doc.ParentID == removed[i] {
				removed = append(removed, childID)
			}
		}
	}
	for _, docID := range removed {
		delete(m.docs, docID)
		delete(m.coauthors, docID)
		for revID, rev := range m.revisions {
			if rev.DocumentID == docID {
				delete(m.revisions, revID)
			}
		}
	}
	return removed, nil
}

func (m *memStore) CommitRevision(_ context.Context, revision store.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[revision.DocumentID]
	if !ok {
		return document.ErrNotFound
	}
	if _, exists := m.revisions[revision.ID]; exists {
		return fmt.Errorf("duplicate revision %s", revision.ID)
	}
	m.revisions[revision.ID] = revision
	doc.Head = revision.ID
	doc.UpdatedAt = revision.CreatedAt
	m.docs[doc.ID] = doc
	return nil
}

func (m *memStore) SetHead(_ context.Context, documentID, revisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok {
		return document.ErrNotFound
	}
	if rev.DocumentID != documentID {
		return document.ErrForeignRevision
	}
	doc := m.docs[documentID]
	doc.Head = revisionID
	m.docs[documentID] = doc
	return nil
}

func (m *memStore) GetRevision(_ context.Context, id string) (store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[id]
	if !ok {
		return store.Revision{}, document.ErrNotFound
	}
	return rev, nil
}

func (m *memStore) ListRevisions(_ context.Context, documentID string) ([]store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Revision{}
	for _, rev := range m.revisions {
		if rev.DocumentID == documentID {
			rev.Data = nil
			out = append(out, rev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) DeleteRevision(_ context.Context, documentID, revisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return document.ErrNotFound
	}
	if doc.Head == revisionID {
		return document.ErrHeadRevision
	}
	rev, ok := m.revisions[revisionID]
	if !ok || rev.DocumentID != documentID {
		return document.ErrNotFound
	}
	delete(m.revisions, revisionID)
	return nil
}

func (m *memStore) ListCoauthors(_ context.Context, documentID string) ([]store.Coauthor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Coauthor{}
	for _, address := range m.coauthors[documentID] {
		coauthor := store.Coauthor{DocumentID: documentID, Email: address}
		for _, user := range m.users {
			if strings.EqualFold(user.Email, address) {
				id, name := user.ID, user.Name
				coauthor.UserID, coauthor.Name = &id, &name
			}
		}
		out = append(out, coauthor)
	}
	return out, nil
}

func (m *memStore) AddCoauthor(_ context.Context, documentID, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isCoauthorLocked(documentID, address) {
		return false, nil
	}
	m.coauthors[documentID] = append(m.coauthors[documentID], address)
	return true, nil
}

func (m *memStore) RemoveCoauthor(_ context.Context, documentID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.coauthors[documentID]
	for i, existing := range list {
		if strings.EqualFold(existing, address) {
			m.coauthors[documentID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return document.ErrNotFound
}

func (m *memStore) isCoauthorLocked(documentID, address string) bool {
	if address == "" {
		return false
	}
	for _, existing := range m.coauthors[documentID] {
		if strings.EqualFold(existing, address) {
			return true
		}
	}
	return false
}

func (m *memStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return store.User{}, document.ErrAlreadyExists
		}
	}
	user.CreatedAt = time.Now().UTC()
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, document.ErrNotFound
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, address string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == address {
			return user, nil
		}
	}
	return store.User{}, document.ErrNotFound
}

func (m *memStore) UsersByID(_ context.Context, ids []string) (map[string]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]store.User{}
	for _, id := range ids {
		if user, ok := m.users[id]; ok {
			out[id] = user
		}
	}
	return out, nil
}

func (m *memStore) ListDomains(_ context.Context, userID string) ([]store.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Domain{}
	for _, domain := range m.domains {
		if domain.UserID == userID {
			out = append(out, domain)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) GetDomain(_ context.Context, id string) (store.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	domain, ok := m.domains[id]
	if !ok {
		return store.Domain{}, document.ErrNotFound
	}
	return domain, nil
}

func (m *memStore) GetDomainBySlug(_ context.Context, slug string) (store.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, domain := range m.domains {
		if domain.Slug == slug {
			return domain, nil
		}
	}
	return store.Domain{}, document.ErrNotFound
}

func (m *memStore) InsertDomain(_ context.Context, item store.Domain) (store.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, domain := range m.domains {
		if domain.Slug == item.Slug {
			return store.Domain{}, document.ErrAlreadyExists
		}
	}
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt
	m.domains[item.ID] = item
	return item, nil
}

func (m *memStore) UpdateDomain(_ context.Context, item store.Domain) (store.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[item.ID]; !ok {
		return store.Domain{}, document.ErrNotFound
	}
	item.UpdatedAt = time.Now().UTC()
	m.domains[item.ID] = item
	return item, nil
}

func (m *memStore) DeleteDomain(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[id]; !ok {
		return document.ErrNotFound
	}
	delete(m.domains, id)
	for docID, doc := range m.docs {
		if doc.DomainID != nil && *doc.DomainID == id {
			doc.DomainID = nil
			m.docs[docID] = doc
		}
	}
	return nil
}

func clearable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func sortNewest(docs []store.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].UpdatedAt.After(docs[j].UpdatedAt) })
}

type sentNotice struct {
	to   string
	data email.CoauthorData
}

type fakeMailer struct {
	sent chan sentNotice
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendCoauthorNotice(to string, data email.CoauthorData) error {
	f.sent <- sentNotice{to: to, data: data}
	return nil
}

type testEnv struct {
	svc    *Service
	store  *memStore
	mailer *fakeMailer
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	redis := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://" + redis.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	env := &testEnv{
		store:  newMemStore(),
		mailer: &fakeMailer{sent: make(chan sentNotice, 4)},
		clock:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	var mu sync.Mutex
	env.svc = New(Deps{
		Config: config.Config{
			PublicURL:  "https://matheditor.test",
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		Store:    env.store,
		Sessions: sessions,
		Archive:  gitrepo.New(t.TempDir()),
		Mailer:   env.mailer,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			env.clock = env.clock.Add(time.Second)
			return env.clock
		},
	})
	return env
}

func (e *testEnv) signUp(t *testing.T, address, name string) Session {
	t.Helper()
	session, err := e.svc.SignUp(context.Background(), authpwRequest(address, name))
	if err != nil {
		t.Fatalf("SignUp(%s) error = %v", address, err)
	}
	return session
}

func mustStatus(t *testing.T, err error, want int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d, got nil", want)
	}
	status, _, _, _ := mapError(err)
	if status != want {
		t.Fatalf("status = %d, want %d (err=%v)", status, want, err)
	}
}

var errBoom = errors.New("boom")

func storePatchDomain(domainID string) store.DocumentPatch {
	return store.DocumentPatch{DomainID: &domainID}
}
