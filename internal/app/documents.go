package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"matheditor/internal/ancestry"
	"matheditor/internal/document"
	"matheditor/internal/email"
	"matheditor/internal/gitrepo"
	"matheditor/internal/logger"
	"matheditor/internal/rbac"
	"matheditor/internal/search"
	"matheditor/internal/store"
	"matheditor/internal/util"
)

// CreateDocumentInput mirrors a locally created document. ID and Head are kept when given so
// both facets share them.
type CreateDocumentInput struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      document.Type   `json:"type"`
	Head      string          `json:"head"`
	Data      json.RawMessage `json:"data"`
	Handle    *string         `json:"handle"`
	BaseID    *string         `json:"baseId"`
	ParentID  *string         `json:"parentId"`
	DomainID  *string         `json:"domainId"`
	SortOrder *int            `json:"sort_order"`
	Private   bool            `json:"private"`
	Published bool            `json:"published"`
	CreatedAt *time.Time      `json:"createdAt"`
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (document.CloudDocument, error) {
	if !session.Authenticated() {
		return document.CloudDocument{}, document.ErrUnauthenticated
	}
	name, err := document.ValidateName(input.Name)
	if err != nil {
		return document.CloudDocument{}, err
	}
	docType := input.Type
	if docType == "" {
		docType = document.TypeDocument
	}
	if docType != document.TypeDocument && docType != document.TypeDirectory {
		return document.CloudDocument{}, &document.ValidationError{Field: "type", Message: "type must be DOCUMENT or DIRECTORY"}
	}

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = util.NewID()
	} else if !util.IsUUID(id) {
		return document.CloudDocument{}, &document.ValidationError{Field: "id", Message: "id must be a UUID"}
	}
	if _, err := s.store.GetDocument(ctx, id); err == nil {
		return document.CloudDocument{}, fmt.Errorf("create document %s: %w", id, document.ErrAlreadyExists)
	} else if !errors.Is(err, document.ErrNotFound) {
		return document.CloudDocument{}, err
	}

	head := strings.TrimSpace(input.Head)
	if head == "" {
		head = util.NewID()
	}
	handle := normalizeOptional(input.Handle)
	if handle != nil {
		if err := document.CheckHandle(ctx, s.store, *handle, id); err != nil {
			return document.CloudDocument{}, err
		}
	}
	parentID := normalizeOptional(input.ParentID)
	if parentID != nil {
		if err := s.checkParent(ctx, session, id, *parentID); err != nil {
			return document.CloudDocument{}, err
		}
	}
	domainID := normalizeOptional(input.DomainID)
	if domainID != nil {
		if err := s.checkDomainOwner(ctx, session, *domainID); err != nil {
			return document.CloudDocument{}, err
		}
	}

	now := s.now()
	createdAt := now
	if input.CreatedAt != nil && !input.CreatedAt.IsZero() {
		createdAt = input.CreatedAt.UTC()
	}
	data := input.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	item := store.Document{
		ID:        id,
		Name:      name,
		Type:      string(docType),
		Head:      head,
		Handle:    handle,
		BaseID:    normalizeOptional(input.BaseID),
		ParentID:  parentID,
		DomainID:  domainID,
		SortOrder: input.SortOrder,
		Private:   input.Private,
		Published: input.Published,
		AuthorID:  session.UserID,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	revision := store.Revision{ID: head, DocumentID: id, AuthorID: session.UserID, Data: data, CreatedAt: now}
	if err := s.store.CreateDocument(ctx, item, revision); err != nil {
		return document.CloudDocument{}, err
	}
	s.log.Info("document created", logger.String("document_id", id), logger.String("user_id", session.UserID))

	s.archiveRevision(item, revision, session.Name)
	s.reindex(item, session.Name, data)

	author, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return document.CloudDocument{}, err
	}
	return cloudView(item, author, nil, data), nil
}

// GetDocument returns the document with its head data and revision list.
func (s *Service) GetDocument(ctx context.Context, session Session, idOrHandle string) (document.CloudDocument, error) {
	doc, err := s.lookupDocument(ctx, idOrHandle)
	if err != nil {
		return document.CloudDocument{}, err
	}
	acc, err := s.authorize(ctx, session, doc, rbac.ActionRead)
	if err != nil {
		return document.CloudDocument{}, err
	}
	return s.fullView(ctx, acc)
}

func (s *Service) fullView(ctx context.Context, acc access) (document.CloudDocument, error) {
	doc := acc.doc
	head, err := s.store.GetRevision(ctx, doc.Head)
	if err != nil {
		return document.CloudDocument{}, fmt.Errorf("load head revision: %w", err)
	}
	author, err := s.store.GetUserByID(ctx, doc.AuthorID)
	if err != nil {
		return document.CloudDocument{}, err
	}
	revisions, err := s.store.ListRevisions(ctx, doc.ID)
	if err != nil {
		return document.CloudDocument{}, err
	}
	view := cloudView(doc, author, acc.coauthors, head.Data)
	view.Revisions = make([]document.Revision, 0, len(revisions))
	for _, revision := range revisions {
		view.Revisions = append(view.Revisions, toRevision(revision))
	}
	return view, nil
}

// ListDocuments returns the caller's authored and co-authored documents without data.
func (s *Service) ListDocuments(ctx context.Context, session Session) ([]document.CloudDocument, error) {
	if !session.Authenticated() {
		return nil, document.ErrUnauthenticated
	}
	docs, err := s.store.ListDocumentsForUser(ctx, session.UserID, session.Email)
	if err != nil {
		return nil, err
	}
	return s.listViews(ctx, docs)
}

func (s *Service) listViews(ctx context.Context, docs []store.Document) ([]document.CloudDocument, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.AuthorID)
	}
	authors, err := s.store.UsersByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	views := make([]document.CloudDocument, 0, len(docs))
	for _, doc := range docs {
		coauthors, err := s.store.ListCoauthors(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, cloudView(doc, authors[doc.AuthorID], coauthors, nil))
	}
	return views, nil
}

// UpdateDocumentInput is a partial update. Data commits a new revision (with Head as its id
// when given); Head alone moves the head to an existing revision.
type UpdateDocumentInput struct {
	Name      *string         `json:"name"`
	Head      *string         `json:"head"`
	Data      json.RawMessage `json:"data"`
	Handle    *string         `json:"handle"`
	ParentID  *string         `json:"parentId"`
	DomainID  *string         `json:"domainId"`
	SortOrder *int            `json:"sort_order"`
	Private   *bool           `json:"private"`
	Published *bool           `json:"published"`
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, input UpdateDocumentInput) (document.CloudDocument, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return document.CloudDocument{}, err
	}
	action := rbac.ActionWrite
	if input.Private != nil || input.Published != nil || input.DomainID != nil || input.Handle != nil {
		action = rbac.ActionPublish
	}
	acc, err := s.authorize(ctx, session, doc, action)
	if err != nil {
		return document.CloudDocument{}, err
	}

	patch := store.DocumentPatch{
		SortOrder: input.SortOrder,
		Private:   input.Private,
		Published: input.Published,
	}
	if input.Name != nil {
		name, err := document.ValidateName(*input.Name)
		if err != nil {
			return document.CloudDocument{}, err
		}
		patch.Name = &name
	}
	if input.Handle != nil {
		handle := strings.TrimSpace(*input.Handle)
		if handle != "" {
			if err := document.CheckHandle(ctx, s.store, handle, doc.ID); err != nil {
				return document.CloudDocument{}, err
			}
		}
		patch.Handle = &handle
	}
	if input.ParentID != nil {
		parentID := strings.TrimSpace(*input.ParentID)
		if parentID != "" {
			if err := s.checkParent(ctx, session, doc.ID, parentID); err != nil {
				return document.CloudDocument{}, err
			}
		}
		patch.ParentID = &parentID
	}
	if input.DomainID != nil {
		domainID := strings.TrimSpace(*input.DomainID)
		if domainID != "" {
			if err := s.checkDomainOwner(ctx, session, domainID); err != nil {
				return document.CloudDocument{}, err
			}
		}
		patch.DomainID = &domainID
	}

	var committed *store.Revision
	switch {
	case len(input.Data) > 0:
		revisionID := util.NewID()
		if input.Head != nil && strings.TrimSpace(*input.Head) != "" {
			revisionID = strings.TrimSpace(*input.Head)
		}
		revision := store.Revision{ID: revisionID, DocumentID: doc.ID, AuthorID: session.UserID, Data: input.Data, CreatedAt: s.now()}
		if err := s.store.CommitRevision(ctx, revision); err != nil {
			return document.CloudDocument{}, err
		}
		committed = &revision
	case input.Head != nil:
		if err := s.store.SetHead(ctx, doc.ID, strings.TrimSpace(*input.Head)); err != nil {
			return document.CloudDocument{}, err
		}
	}
	if !patch.IsEmpty() {
		if err := s.store.UpdateDocument(ctx, doc.ID, patch); err != nil {
			return document.CloudDocument{}, err
		}
	}

	updated, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return document.CloudDocument{}, err
	}
	acc.doc = updated
	view, err := s.fullView(ctx, acc)
	if err != nil {
		return document.CloudDocument{}, err
	}
	if committed != nil {
		s.archiveRevision(updated, *committed, session.Name)
	}
	s.reindex(updated, view.Author.Name, view.Data)
	return view, nil
}

// DeleteDocument removes the document with its revisions. Deleting a directory removes
// everything below it.
func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, session, doc, rbac.ActionDelete); err != nil {
		return err
	}
	removed, err := s.store.DeleteDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	s.log.Info("document deleted",
		logger.String("document_id", doc.ID),
		logger.String("user_id", session.UserID),
		logger.Int("removed", len(removed)),
	)
	for _, id := range removed {
		if s.archive != nil {
			if err := s.archive.Remove(id); err != nil {
				s.log.Warn("remove revision archive", logger.String("document_id", id), logger.Error(err))
			}
		}
		if s.search != nil {
			s.search.DeleteDocument(id)
		}
	}
	return nil
}

// ForkInput names the fork. ID and Head are kept when the client already created it locally.
type ForkInput struct {
	ID   string `json:"id"`
	Head string `json:"head"`
	Name string `json:"name"`
}

// ForkDocument copies the source's head into a new document owned by the caller.
func (s *Service) ForkDocument(ctx context.Context, session Session, idOrHandle string, input ForkInput) (document.CloudDocument, error) {
	if !session.Authenticated() {
		return document.CloudDocument{}, document.ErrUnauthenticated
	}
	source, err := s.lookupDocument(ctx, idOrHandle)
	if err != nil {
		return document.CloudDocument{}, err
	}
	if _, err := s.authorize(ctx, session, source, rbac.ActionFork); err != nil {
		return document.CloudDocument{}, err
	}
	head, err := s.store.GetRevision(ctx, source.Head)
	if err != nil {
		return document.CloudDocument{}, fmt.Errorf("load source head: %w", err)
	}
	name := input.Name
	if strings.TrimSpace(name) == "" {
		name = source.Name
	}
	baseID := source.ID
	return s.CreateDocument(ctx, session, CreateDocumentInput{
		ID:        input.ID,
		Name:      name,
		Type:      document.Type(source.Type),
		Head:      input.Head,
		Data:      document.CloneData(head.Data),
		BaseID:    &baseID,
		ParentID:  s.forkParent(ctx, session, source),
		SortOrder: source.SortOrder,
	})
}

// forkParent keeps the source's directory when the caller may write it. Otherwise the fork
// lands at the root.
func (s *Service) forkParent(ctx context.Context, session Session, source store.Document) *string {
	if source.ParentID == nil {
		return nil
	}
	parent, err := s.store.GetDocument(ctx, *source.ParentID)
	if err != nil {
		return nil
	}
	if _, err := s.authorize(ctx, session, parent, rbac.ActionWrite); err != nil {
		return nil
	}
	parentID := *source.ParentID
	return &parentID
}

func (s *Service) ListRevisions(ctx context.Context, session Session, documentID string) ([]document.Revision, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, session, doc, rbac.ActionRead); err != nil {
		return nil, err
	}
	revisions, err := s.store.ListRevisions(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	out := make([]document.Revision, 0, len(revisions))
	for _, revision := range revisions {
		out = append(out, toRevision(revision))
	}
	return out, nil
}

func (s *Service) GetRevision(ctx context.Context, session Session, documentID, revisionID string) (document.Revision, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return document.Revision{}, err
	}
	if _, err := s.authorize(ctx, session, doc, rbac.ActionRead); err != nil {
		return document.Revision{}, err
	}
	revision, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return document.Revision{}, err
	}
	if revision.DocumentID != doc.ID {
		return document.Revision{}, fmt.Errorf("revision %s: %w", revisionID, document.ErrNotFound)
	}
	return toRevision(revision), nil
}

func (s *Service) DeleteRevision(ctx context.Context, session Session, documentID, revisionID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, session, doc, rbac.ActionWrite); err != nil {
		return err
	}
	return s.store.DeleteRevision(ctx, doc.ID, revisionID)
}

// Diff compares two revisions through the git archive, archiving either one first if needed.
func (s *Service) Diff(ctx context.Context, session Session, documentID, fromRevisionID, toRevisionID string) (gitrepo.Diff, error) {
	if s.archive == nil {
		return gitrepo.Diff{}, domainError(503, "DIFF_UNAVAILABLE", "Revision history is not configured", nil)
	}
	if fromRevisionID == "" || toRevisionID == "" {
		return gitrepo.Diff{}, &document.ValidationError{Field: "from", Message: "from and to revisions are required"}
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return gitrepo.Diff{}, err
	}
	if _, err := s.authorize(ctx, session, doc, rbac.ActionRead); err != nil {
		return gitrepo.Diff{}, err
	}

	diff, err := s.archive.Diff(doc.ID, fromRevisionID, toRevisionID)
	if !errors.Is(err, document.ErrNotFound) {
		return diff, err
	}
	for _, revisionID := range []string{fromRevisionID, toRevisionID} {
		revision, err := s.store.GetRevision(ctx, revisionID)
		if err != nil {
			return gitrepo.Diff{}, err
		}
		if revision.DocumentID != doc.ID {
			return gitrepo.Diff{}, fmt.Errorf("revision %s: %w", revisionID, document.ErrNotFound)
		}
		if _, err := s.archive.ArchiveRevision(doc.ID, toRevision(revision), doc.Name, ""); err != nil {
			return gitrepo.Diff{}, err
		}
	}
	return s.archive.Diff(doc.ID, fromRevisionID, toRevisionID)
}

func (s *Service) ListCoauthors(ctx context.Context, session Session, documentID string) ([]document.User, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	acc, err := s.authorize(ctx, session, doc, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	out := make([]document.User, 0, len(acc.coauthors))
	for _, coauthor := range acc.coauthors {
		out = append(out, toCoauthor(coauthor))
	}
	return out, nil
}

// AddCoauthor lists an e-mail as co-author and, on first add, sends a notice.
func (s *Service) AddCoauthor(ctx context.Context, session Session, documentID, address string) ([]document.User, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, session, doc, rbac.ActionManageCoauthors); err != nil {
		return nil, err
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if _, err := mail.ParseAddress(address); err != nil {
		return nil, &document.ValidationError{Field: "email", Message: "email is not valid"}
	}
	inserted, err := s.store.AddCoauthor(ctx, doc.ID, address)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.notifyCoauthor(address, session.Name, doc)
	}
	return s.ListCoauthors(ctx, session, doc.ID)
}

// RemoveCoauthor is allowed to the author, or to a co-author removing themselves.
func (s *Service) RemoveCoauthor(ctx context.Context, session Session, documentID, address string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	action := rbac.ActionManageCoauthors
	if session.Email != "" && strings.EqualFold(session.Email, address) {
		action = rbac.ActionRead
	}
	if _, err := s.authorize(ctx, session, doc, action); err != nil {
		return err
	}
	return s.store.RemoveCoauthor(ctx, doc.ID, strings.TrimSpace(address))
}

// HandleAvailable reports whether handle could be given to documentID (empty for a new document).
func (s *Service) HandleAvailable(ctx context.Context, handle, documentID string) error {
	return document.CheckHandle(ctx, s.store, strings.TrimSpace(handle), documentID)
}

// GetDomainDocument reads a document through a domain route. The document must belong to the
// domain through its parent chain.
func (s *Service) GetDomainDocument(ctx context.Context, session Session, domainID, idOrHandle string) (document.CloudDocument, error) {
	if _, err := s.store.GetDomain(ctx, domainID); err != nil {
		return document.CloudDocument{}, err
	}
	doc, err := s.lookupDocument(ctx, idOrHandle)
	if err != nil {
		return document.CloudDocument{}, err
	}
	member, err := s.resolver.Resolve(ctx, doc.ID, domainID)
	if errors.Is(err, ancestry.ErrCycle) {
		s.log.Error("document parent chain has a cycle", logger.String("document_id", doc.ID), logger.Error(err))
		return document.CloudDocument{}, fmt.Errorf("document %s: %w", doc.ID, document.ErrNotFound)
	}
	if err != nil {
		return document.CloudDocument{}, err
	}
	if !member {
		return document.CloudDocument{}, fmt.Errorf("document %s in domain %s: %w", doc.ID, domainID, document.ErrNotFound)
	}
	acc, err := s.authorize(ctx, session, doc, rbac.ActionRead)
	if err != nil {
		return document.CloudDocument{}, err
	}
	return s.fullView(ctx, acc)
}

func (s *Service) Search(ctx context.Context, query string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}
	}
	return s.search.Search(ctx, search.Query{Text: query, Limit: limit, Offset: offset})
}

// checkParent requires an existing directory the caller may write, that is not the document
// itself or one of its descendants.
func (s *Service) checkParent(ctx context.Context, session Session, documentID, parentID string) error {
	parent, err := s.store.GetDocument(ctx, parentID)
	if errors.Is(err, document.ErrNotFound) {
		return &document.ValidationError{Field: "parentId", Message: "parent not found", Err: document.ErrNotFound}
	}
	if err != nil {
		return err
	}
	if parent.Type != string(document.TypeDirectory) {
		return &document.ValidationError{Field: "parentId", Message: "parent must be a directory"}
	}
	if _, err := s.authorize(ctx, session, parent, rbac.ActionWrite); err != nil {
		return &document.ValidationError{Field: "parentId", Message: "parent not found", Err: err}
	}
	inside, err := s.resolver.IsWithin(ctx, parentID, documentID)
	if err != nil {
		return err
	}
	if inside {
		return &document.ValidationError{Field: "parentId", Message: "a document cannot be moved inside itself"}
	}
	return nil
}

func (s *Service) checkDomainOwner(ctx context.Context, session Session, domainID string) error {
	domain, err := s.store.GetDomain(ctx, domainID)
	if errors.Is(err, document.ErrNotFound) {
		return &document.ValidationError{Field: "domainId", Message: "domain not found", Err: err}
	}
	if err != nil {
		return err
	}
	if domain.UserID != session.UserID {
		return forbidden("Only the domain owner can add documents to it")
	}
	return nil
}

func (s *Service) archiveRevision(doc store.Document, revision store.Revision, author string) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.ArchiveRevision(doc.ID, toRevision(revision), doc.Name, author); err != nil {
		s.log.Warn("archive revision", logger.String("document_id", doc.ID), logger.String("revision_id", revision.ID), logger.Error(err))
	}
}

// reindex keeps the public index in step with the publish state.
func (s *Service) reindex(doc store.Document, author string, data json.RawMessage) {
	if s.search == nil {
		return
	}
	if search.Indexable(doc) {
		s.search.IndexDocument(search.NewRecord(doc, author, data))
		return
	}
	s.search.DeleteDocument(doc.ID)
}

func (s *Service) notifyCoauthor(address, inviter string, doc store.Document) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	data := email.CoauthorData{
		InviterName:  inviter,
		DocumentName: doc.Name,
		DocumentURL:  fmt.Sprintf("%s/edit/%s", s.cfg.PublicURL, doc.ID),
	}
	go func() {
		if err := s.mailer.SendCoauthorNotice(address, data); err != nil {
			s.log.Warn("send coauthor notice", logger.String("document_id", doc.ID), logger.Error(err))
		}
	}()
}

// normalizeOptional trims the value and maps blank to nil.
func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
