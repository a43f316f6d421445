package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"matheditor/internal/ancestry"
	"matheditor/internal/auth"
	"matheditor/internal/authpw"
	"matheditor/internal/blob"
	"matheditor/internal/config"
	"matheditor/internal/document"
	"matheditor/internal/email"
	"matheditor/internal/gitrepo"
	"matheditor/internal/logger"
	"matheditor/internal/rbac"
	"matheditor/internal/render"
	"matheditor/internal/search"
	"matheditor/internal/store"
	"matheditor/internal/util"
)

// Repository is the cloud storage the service needs. *store.PostgresStore implements it.
type Repository interface {
	Ping(ctx context.Context) error

	CreateDocument(ctx context.Context, item store.Document, revision store.Revision) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetDocumentByHandle(ctx context.Context, handle string) (store.Document, error)
	DocumentIDByHandle(ctx context.Context, handle string) (string, error)
	ListDocumentsForUser(ctx context.Context, userID, email string) ([]store.Document, error)
	ListPublished(ctx context.Context, limit int) ([]store.Document, error)
	DocumentLink(ctx context.Context, documentID string) (store.DocumentLink, error)
	UpdateDocument(ctx context.Context, documentID string, patch store.DocumentPatch) error
	DeleteDocument(ctx context.Context, documentID string) ([]string, error)

	CommitRevision(ctx context.Context, revision store.Revision) error
	SetHead(ctx context.Context, documentID, revisionID string) error
	GetRevision(ctx context.Context, revisionID string) (store.Revision, error)
	ListRevisions(ctx context.Context, documentID string) ([]store.Revision, error)
	DeleteRevision(ctx context.Context, documentID, revisionID string) error

	ListCoauthors(ctx context.Context, documentID string) ([]store.Coauthor, error)
	AddCoauthor(ctx context.Context, documentID, email string) (bool, error)
	RemoveCoauthor(ctx context.Context, documentID, email string) error

	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	UsersByID(ctx context.Context, ids []string) (map[string]store.User, error)

	ListDomains(ctx context.Context, userID string) ([]store.Domain, error)
	GetDomain(ctx context.Context, domainID string) (store.Domain, error)
	GetDomainBySlug(ctx context.Context, slug string) (store.Domain, error)
	InsertDomain(ctx context.Context, item store.Domain) (store.Domain, error)
	UpdateDomain(ctx context.Context, item store.Domain) (store.Domain, error)
	DeleteDomain(ctx context.Context, domainID string) error
}

// Sessions keeps refresh tokens and revoked access tokens.
type Sessions interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Archive keeps revision history in git for diffs.
type Archive interface {
	ArchiveRevision(documentID string, revision document.Revision, name, author string) (gitrepo.CommitInfo, error)
	Diff(documentID, fromRevisionID, toRevisionID string) (gitrepo.Diff, error)
	Remove(documentID string) error
}

type Indexer interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(record search.Record)
	DeleteDocument(id string)
}

type Renderer interface {
	Page(req render.Request) (string, error)
	Export(ctx context.Context, req render.Request) (*render.Result, error)
}

type Backups interface {
	PutBackup(ctx context.Context, userID string, at time.Time, body io.Reader, size int64) (blob.Object, error)
}

type Mailer interface {
	IsConfigured() bool
	SendCoauthorNotice(to string, data email.CoauthorData) error
}

// Deps wires the service. Archive, Search, Backups and Mailer are optional.
type Deps struct {
	Config   config.Config
	Store    Repository
	Sessions Sessions
	Archive  Archive
	Search   Indexer
	Renderer Renderer
	Backups  Backups
	Mailer   Mailer
	Logger   logger.Logger
	Now      func() time.Time
}

type Service struct {
	cfg      config.Config
	store    Repository
	sessions Sessions
	archive  Archive
	search   Indexer
	renderer Renderer
	backups  Backups
	mailer   Mailer
	authpw   *authpw.Service
	resolver *ancestry.Resolver
	log      logger.Logger
	now      func() time.Time
}

func New(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.NewService(deps.Config.ChromeURL, deps.Config.PandocPath)
	}
	return &Service{
		cfg:      deps.Config,
		store:    deps.Store,
		sessions: deps.Sessions,
		archive:  deps.Archive,
		search:   deps.Search,
		renderer: renderer,
		backups:  deps.Backups,
		mailer:   deps.Mailer,
		authpw:   authpw.NewService(deps.Store),
		resolver: ancestry.NewResolver(deps.Store, log),
		log:      log,
		now:      now,
	}
}

// Session is the authenticated caller. The zero value is an anonymous visitor.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Name         string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) Authenticated() bool { return s.UserID != "" }

func (s Session) subject() rbac.Subject {
	return rbac.Subject{UserID: s.UserID, Email: s.Email, Admin: rbac.Normalize(s.Role) == rbac.RoleAdmin}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	s.log.Info("user signed up", logger.String("user_id", user.ID))
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, document.ErrUnauthenticated
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	token, claims, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Name, user.Email, user.Role, s.cfg.AccessTTL, now)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken("rft")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Name:         user.Name,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		Role:      claims.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes both tokens. Failures are logged; the client forgets its tokens either way.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn("revoke access token", logger.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn("revoke refresh token", logger.Error(err))
		}
	}
}

// access is what the service knows about the caller's relationship with one document.
type access struct {
	doc       store.Document
	role      rbac.Role
	coauthors []store.Coauthor
}

// authorize loads the facts for doc and checks action. Callers without read access get
// ErrNotFound so the document's existence does not leak.
func (s *Service) authorize(ctx context.Context, session Session, doc store.Document, action rbac.Action) (access, error) {
	coauthors, err := s.store.ListCoauthors(ctx, doc.ID)
	if err != nil {
		return access{}, err
	}
	facts := rbac.Facts{AuthorID: doc.AuthorID, Private: doc.Private}
	for _, coauthor := range coauthors {
		facts.CoauthorEmails = append(facts.CoauthorEmails, coauthor.Email)
	}
	subject := session.subject()
	role := rbac.RoleFor(subject, facts)
	if session.Authenticated() && (role == rbac.RoleReader || role == rbac.RoleNone) {
		owner, err := s.ownsDomainOf(ctx, session.UserID, doc.ID)
		if err != nil {
			return access{}, err
		}
		if owner {
			facts.DomainOwner = true
			role = rbac.RoleFor(subject, facts)
		}
	}

	if !rbac.Can(role, action) {
		if !session.Authenticated() && action != rbac.ActionRead {
			return access{}, document.ErrUnauthenticated
		}
		return access{}, fmt.Errorf("%s document %s: %w", action, doc.ID, document.ErrNotFound)
	}
	return access{doc: doc, role: role, coauthors: coauthors}, nil
}

// ownsDomainOf reports whether the document sits, directly or through its parents, in a domain
// the user owns.
func (s *Service) ownsDomainOf(ctx context.Context, userID, documentID string) (bool, error) {
	domains, err := s.store.ListDomains(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, domain := range domains {
		member, err := s.resolver.Resolve(ctx, documentID, domain.ID)
		if errors.Is(err, ancestry.ErrCycle) {
			s.log.Error("document parent chain has a cycle", logger.String("document_id", documentID), logger.Error(err))
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if member {
			return true, nil
		}
	}
	return false, nil
}

// lookupDocument accepts an id or a handle. Handles can never be UUIDs, so the two do not clash.
func (s *Service) lookupDocument(ctx context.Context, idOrHandle string) (store.Document, error) {
	if util.IsUUID(idOrHandle) {
		return s.store.GetDocument(ctx, idOrHandle)
	}
	return s.store.GetDocumentByHandle(ctx, idOrHandle)
}

func toRevision(item store.Revision) document.Revision {
	return document.Revision{
		ID:         item.ID,
		DocumentID: item.DocumentID,
		Data:       item.Data,
		CreatedAt:  item.CreatedAt,
		AuthorID:   item.AuthorID,
	}
}

func toUser(user store.User) document.User {
	return document.User{
		ID:     user.ID,
		Name:   user.Name,
		Email:  user.Email,
		Image:  user.Image,
		Handle: document.Deref(user.Handle),
	}
}

func toCoauthor(coauthor store.Coauthor) document.User {
	return document.User{
		ID:    document.Deref(coauthor.UserID),
		Name:  document.Deref(coauthor.Name),
		Email: coauthor.Email,
		Image: document.Deref(coauthor.Image),
	}
}

// cloudView assembles the API shape. data is nil for list views.
func cloudView(doc store.Document, author store.User, coauthors []store.Coauthor, data json.RawMessage) document.CloudDocument {
	view := document.CloudDocument{
		ID:        doc.ID,
		Name:      doc.Name,
		Type:      document.Type(doc.Type),
		Head:      doc.Head,
		Data:      data,
		Handle:    doc.Handle,
		BaseID:    doc.BaseID,
		ParentID:  doc.ParentID,
		DomainID:  doc.DomainID,
		SortOrder: doc.SortOrder,
		Private:   doc.Private,
		Published: doc.Published,
		Author:    toUser(author),
		Coauthors: make([]document.User, 0, len(coauthors)),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, coauthor := range coauthors {
		view.Coauthors = append(view.Coauthors, toCoauthor(coauthor))
	}
	return view
}
