package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"matheditor/internal/authpw"
	"matheditor/internal/logger"
	"matheditor/internal/render"
)

const (
	maxBodyBytes   = 8 << 20
	requestTimeout = 60 * time.Second
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(logRequests(s.log))
	r.Use(s.cors)
	r.Use(s.loadSession)

	r.Get("/api/health", s.health)
	r.Get("/api/ready", s.ready)
	r.Get("/rss.xml", s.rss)
	r.Get("/sitemap.xml", s.sitemap)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", s.signUp)
		r.Post("/signin", s.signIn)
		r.Post("/refresh", s.refresh)
		r.Post("/logout", s.logout)
	})
	r.Get("/api/session", s.currentSession)

	r.Post("/api/embed", s.embed)
	r.Get("/api/search", s.search)
	r.Get("/api/handles/{handle}", s.handleAvailability)
	r.Post("/api/backup", s.backup)

	r.Route("/api/documents", func(r chi.Router) {
		r.Get("/", s.listDocuments)
		r.Post("/", s.createDocument)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getDocument)
			r.Patch("/", s.updateDocument)
			r.Delete("/", s.deleteDocument)
			r.Post("/fork", s.forkDocument)
			r.Get("/export", s.exportDocument)
			r.Get("/diff", s.diff)
			r.Get("/revisions", s.listRevisions)
			r.Get("/revisions/{revisionID}", s.getRevision)
			r.Delete("/revisions/{revisionID}", s.deleteRevision)
			r.Get("/coauthors", s.listCoauthors)
			r.Post("/coauthors", s.addCoauthor)
			r.Delete("/coauthors/{email}", s.removeCoauthor)
		})
	})

	r.Route("/api/domains", func(r chi.Router) {
		r.Get("/", s.listDomains)
		r.Post("/", s.createDomain)
		r.Get("/{id}", s.getDomain)
		r.Put("/{id}", s.updateDomain)
		r.Delete("/{id}", s.deleteDomain)
		r.Get("/{id}/documents/{documentID}", s.getDomainDocument)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

// --- health

func (s *HTTPServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// --- auth

func (s *HTTPServer) signUp(w http.ResponseWriter, r *http.Request) {
	var body authpw.SignUpRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

func (s *HTTPServer) signIn(w http.ResponseWriter, r *http.Request) {
	var body authpw.SignInRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func (s *HTTPServer) refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func (s *HTTPServer) logout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	s.service.Logout(r.Context(), sessionFrom(r.Context()), body.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) currentSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if !session.Authenticated() {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user": map[string]any{
			"id":    session.UserID,
			"name":  session.Name,
			"email": session.Email,
			"role":  session.Role,
		},
		"expiresAt": session.ExpiresAt,
	})
}

func sessionResponse(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt,
		"user": map[string]any{
			"id":    session.UserID,
			"name":  session.Name,
			"email": session.Email,
			"role":  session.Role,
		},
	}
}

// --- documents

func (s *HTTPServer) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.service.ListDocuments(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *HTTPServer) createDocument(w http.ResponseWriter, r *http.Request) {
	var body CreateDocumentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), sessionFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetDocument(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) updateDocument(w http.ResponseWriter, r *http.Request) {
	var body UpdateDocumentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.UpdateDocument(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteDocument(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) forkDocument(w http.ResponseWriter, r *http.Request) {
	var body ForkInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.ForkDocument(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) exportDocument(w http.ResponseWriter, r *http.Request) {
	format := render.Format(strings.ToLower(r.URL.Query().Get("format")))
	result, err := s.service.Export(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) diff(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	diff, err := s.service.Diff(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), query.Get("from"), query.Get("to"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *HTTPServer) listRevisions(w http.ResponseWriter, r *http.Request) {
	revisions, err := s.service.ListRevisions(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revisions)
}

func (s *HTTPServer) getRevision(w http.ResponseWriter, r *http.Request) {
	revision, err := s.service.GetRevision(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "revisionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revision)
}

func (s *HTTPServer) deleteRevision(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRevision(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "revisionID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) listCoauthors(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListCoauthors(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *HTTPServer) addCoauthor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	users, err := s.service.AddCoauthor(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), body.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *HTTPServer) removeCoauthor(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveCoauthor(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "email")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	err := s.service.HandleAvailable(r.Context(), chi.URLParam(r, "handle"), r.URL.Query().Get("documentId"))
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"available": true})
		return
	}
	status, code, message, _ := mapError(err)
	if status != http.StatusBadRequest {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": false, "code": code, "message": message})
}

func (s *HTTPServer) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), query.Get("q"), limit, offset))
}

func (s *HTTPServer) backup(w http.ResponseWriter, r *http.Request) {
	object, count, err := s.service.Backup(r.Context(), sessionFrom(r.Context()), http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":       object.Key,
		"size":      object.Size,
		"documents": count,
	})
}

// --- embed

// embed answers with a rendered page, or an {error:{title, subtitle}} envelope.
func (s *HTTPServer) embed(w http.ResponseWriter, r *http.Request) {
	var body EmbedInput
	if err := decodeBody(r, &body); err != nil {
		writeEmbedError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	page, err := s.service.Embed(body)
	if err != nil {
		if errors.Is(err, render.ErrInvalidDocument) {
			writeEmbedError(w, http.StatusBadRequest, "Bad Request", "Invalid document")
			return
		}
		s.log.Error("embed render failed", logger.String("request_id", middleware.GetReqID(r.Context())), logger.Error(err))
		writeEmbedError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to render document")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, page)
}

// --- feeds

func (s *HTTPServer) rss(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	if err := s.service.WriteRSS(r.Context(), w); err != nil {
		s.log.Error("write rss", logger.Error(err))
	}
}

func (s *HTTPServer) sitemap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	if err := s.service.WriteSitemap(r.Context(), w); err != nil {
		s.log.Error("write sitemap", logger.Error(err))
	}
}

// --- domains

func (s *HTTPServer) listDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.service.ListDomains(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.failDomain(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *HTTPServer) getDomain(w http.ResponseWriter, r *http.Request) {
	domain, err := s.service.GetDomain(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.failDomain(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain)
}

func (s *HTTPServer) createDomain(w http.ResponseWriter, r *http.Request) {
	var body DomainInput
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid request body", "error": err.Error()})
		return
	}
	domain, err := s.service.CreateDomain(r.Context(), sessionFrom(r.Context()), body)
	if err != nil {
		s.failDomain(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain)
}

func (s *HTTPServer) updateDomain(w http.ResponseWriter, r *http.Request) {
	var body DomainInput
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid request body", "error": err.Error()})
		return
	}
	domain, err := s.service.UpdateDomain(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), body)
	if err != nil {
		s.failDomain(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain)
}

func (s *HTTPServer) deleteDomain(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteDomain(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.failDomain(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Domain deleted"})
}

func (s *HTTPServer) getDomainDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetDomainDocument(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "documentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// --- errors

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	s.logFailure(r, status, err)
	writeError(w, status, code, message, details)
}

// failDomain writes the {message, error?} shape the domain endpoints use.
func (s *HTTPServer) failDomain(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, _ := mapError(err)
	s.logFailure(r, status, err)
	writeJSON(w, status, map[string]any{"message": message, "error": code})
}

func (s *HTTPServer) logFailure(r *http.Request, status int, err error) {
	if status < http.StatusInternalServerError {
		return
	}
	s.log.Error("request failed",
		logger.String("request_id", middleware.GetReqID(r.Context())),
		logger.String("path", r.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeEmbedError(w http.ResponseWriter, status int, title, subtitle string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"title": title, "subtitle": subtitle},
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
