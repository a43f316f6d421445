// Package cloudclient talks to the cloud repository's HTTP API on behalf of the local client.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"matheditor/internal/document"
)

// APIError is a non-2xx answer. It unwraps to the matching document sentinel so callers can
// use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return document.ErrUnauthenticated
	case http.StatusForbidden:
		return document.ErrForbidden
	case http.StatusNotFound:
		return document.ErrNotFound
	case http.StatusConflict:
		return document.ErrAlreadyExists
	}
	return nil
}

// Tokens is what the server hands out on sign-in and refresh.
type Tokens struct {
	Token        string        `json:"token"`
	RefreshToken string        `json:"refreshToken"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	User         document.User `json:"user"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case io.Reader:
		reader = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, target any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return decodeResponse(resp, target)
}

func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code    string `json:"code"`
			Error   any    `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
			if text, ok := payload.Error.(string); ok && apiErr.Message == "" {
				apiErr.Message = text
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// SignIn exchanges credentials for tokens and keeps the access token for later calls.
func (c *Client) SignIn(ctx context.Context, email, password string) (Tokens, error) {
	var tokens Tokens
	err := c.call(ctx, http.MethodPost, "/api/auth/signin", map[string]string{"email": email, "password": password}, &tokens)
	if err != nil {
		return Tokens{}, err
	}
	c.SetToken(tokens.Token)
	return tokens, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var tokens Tokens
	if err := c.call(ctx, http.MethodPost, "/api/auth/refresh", map[string]string{"refreshToken": refreshToken}, &tokens); err != nil {
		return Tokens{}, err
	}
	c.SetToken(tokens.Token)
	return tokens, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	err := c.call(ctx, http.MethodPost, "/api/auth/logout", map[string]string{"refreshToken": refreshToken}, nil)
	c.SetToken("")
	return err
}

// Session returns the signed-in user. It doubles as the connectivity check: any failure,
// including an anonymous session, means the cloud is not usable right now.
func (c *Client) Session(ctx context.Context) (document.User, error) {
	if c.Token() == "" {
		return document.User{}, document.ErrUnauthenticated
	}
	var payload struct {
		Authenticated bool          `json:"authenticated"`
		User          document.User `json:"user"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/session", nil, &payload); err != nil {
		return document.User{}, err
	}
	if !payload.Authenticated {
		return document.User{}, document.ErrUnauthenticated
	}
	return payload.User, nil
}

func (c *Client) ListDocuments(ctx context.Context) ([]document.CloudDocument, error) {
	var docs []document.CloudDocument
	if err := c.call(ctx, http.MethodGet, "/api/documents", nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// GetDocument loads a document with its head data, by id or handle.
func (c *Client) GetDocument(ctx context.Context, idOrHandle string) (document.CloudDocument, error) {
	var doc document.CloudDocument
	err := c.call(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(idOrHandle), nil, &doc)
	return doc, err
}

// CreateDocument uploads a local document, keeping its id and head.
func (c *Client) CreateDocument(ctx context.Context, doc document.Document) (document.CloudDocument, error) {
	body := map[string]any{
		"id":        doc.ID,
		"name":      doc.Name,
		"type":      doc.Type,
		"head":      doc.Head,
		"data":      doc.Data,
		"handle":    doc.Handle,
		"baseId":    doc.BaseID,
		"parentId":  doc.ParentID,
		"createdAt": doc.CreatedAt,
	}
	if doc.SortOrder != nil {
		body["sort_order"] = *doc.SortOrder
	}
	var created document.CloudDocument
	err := c.call(ctx, http.MethodPost, "/api/documents", body, &created)
	return created, err
}

// Update is a partial cloud update. Data with Head commits that revision.
type Update struct {
	Name      *string         `json:"name,omitempty"`
	Head      *string         `json:"head,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Handle    *string         `json:"handle,omitempty"`
	ParentID  *string         `json:"parentId,omitempty"`
	SortOrder *int            `json:"sort_order,omitempty"`
	Published *bool           `json:"published,omitempty"`
	Private   *bool           `json:"private,omitempty"`
}

func (c *Client) UpdateDocument(ctx context.Context, id string, update Update) (document.CloudDocument, error) {
	var doc document.CloudDocument
	err := c.call(ctx, http.MethodPatch, "/api/documents/"+url.PathEscape(id), update, &doc)
	return doc, err
}

func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/documents/"+url.PathEscape(id), nil, nil)
}

// UploadBackup stores an encoded .me backup in the caller's cloud backup folder.
func (c *Client) UploadBackup(ctx context.Context, backup []document.Document) (string, error) {
	var buf bytes.Buffer
	if err := document.EncodeBackup(&buf, backup); err != nil {
		return "", err
	}
	var payload struct {
		Key string `json:"key"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/backup", &buf, &payload); err != nil {
		return "", err
	}
	return payload.Key, nil
}

// IsOffline reports whether err came from the network rather than the server.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}
