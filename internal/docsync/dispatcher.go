// Package docsync maps user-level document actions onto the local store and the cloud
// repository. The local store is always written first and is the editing source of truth;
// the cloud is mirrored by separate effects whose failures are logged and announced but never
// rolled back.
package docsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"matheditor/internal/cloudclient"
	"matheditor/internal/document"
	"matheditor/internal/logger"
)

// ErrCancelled is returned when the confirmation gate refuses a destructive command.
var ErrCancelled = errors.New("cancelled")

// LocalStore is the offline store. *localstore.Store satisfies it.
type LocalStore interface {
	GetDocument(ctx context.Context, id string) (document.Document, error)
	DocumentIDByHandle(ctx context.Context, handle string) (string, error)
	GetAllDocuments(ctx context.Context) ([]document.Document, error)
	ChildrenOf(ctx context.Context, parentID string) ([]document.Document, error)
	GetAllRevisions(ctx context.Context) ([]document.Revision, error)
	Create(ctx context.Context, doc document.Document, revision document.Revision) error
	Commit(ctx context.Context, revision document.Revision, patch document.Patch) (document.Document, error)
	UpdateDocument(ctx context.Context, id string, patch document.Patch) (document.Document, error)
	RemoveDocument(ctx context.Context, id string) error
	Restore(ctx context.Context, docs []document.Document, revisions []document.Revision) (int, error)
}

// Cloud is the remote repository. *cloudclient.Client satisfies it.
type Cloud interface {
	Session(ctx context.Context) (document.User, error)
	ListDocuments(ctx context.Context) ([]document.CloudDocument, error)
	GetDocument(ctx context.Context, idOrHandle string) (document.CloudDocument, error)
	CreateDocument(ctx context.Context, doc document.Document) (document.CloudDocument, error)
	UpdateDocument(ctx context.Context, id string, update cloudclient.Update) (document.CloudDocument, error)
	DeleteDocument(ctx context.Context, id string) error
	UploadBackup(ctx context.Context, backup []document.Document) (string, error)
}

// Announcement is a transient user-facing notice.
type Announcement struct {
	Title    string
	Subtitle string
}

type Announcer interface {
	Announce(Announcement)
}

// AnnouncerFunc adapts a function to Announcer.
type AnnouncerFunc func(Announcement)

func (f AnnouncerFunc) Announce(a Announcement) { f(a) }

// Options configures a Dispatcher. Cloud may be nil for a purely offline client.
type Options struct {
	Local     LocalStore
	Cloud     Cloud
	Logger    logger.Logger
	Announcer Announcer
	// Confirm gates destructive commands. Nil means always confirmed.
	Confirm func(prompt string) bool
	// Timeout bounds each cloud call made by an effect.
	Timeout time.Duration
	Now     func() time.Time
}

// Dispatcher owns the application state and runs commands against it.
type Dispatcher struct {
	local    LocalStore
	cloud    Cloud
	log      logger.Logger
	announce Announcer
	confirm  func(string) bool
	timeout  time.Duration
	now      func() time.Time

	mu    sync.Mutex
	state map[string]document.UserDocument

	effects sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		local:    opts.Local,
		cloud:    opts.Cloud,
		log:      opts.Logger,
		announce: opts.Announcer,
		confirm:  opts.Confirm,
		timeout:  opts.Timeout,
		now:      opts.Now,
		state:    make(map[string]document.UserDocument),
	}
	if d.log == nil {
		d.log = logger.Nop()
	}
	if d.announce == nil {
		d.announce = AnnouncerFunc(func(Announcement) {})
	}
	if d.timeout <= 0 {
		d.timeout = 15 * time.Second
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

// Command is one user-level action.
type Command interface {
	run(ctx context.Context, d *Dispatcher) (document.UserDocument, error)
}

// Dispatch applies cmd's local transition synchronously and schedules its cloud effects.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (document.UserDocument, error) {
	return cmd.run(ctx, d)
}

// Wait blocks until every scheduled effect has finished.
func (d *Dispatcher) Wait() {
	d.effects.Wait()
}

// State returns a snapshot of the known documents, most recently updated first.
func (d *Dispatcher) State() []document.UserDocument {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]document.UserDocument, 0, len(d.state))
	for _, doc := range d.state {
		out = append(out, doc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt().After(out[j].UpdatedAt())
	})
	return out
}

// Lookup returns the state entry for id.
func (d *Dispatcher) Lookup(id string) (document.UserDocument, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.state[id]
	return doc, ok
}

func (d *Dispatcher) setLocal(doc document.Document) document.UserDocument {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.state[doc.ID]
	entry.ID = doc.ID
	entry.Local = &doc
	d.state[doc.ID] = entry
	return entry
}

func (d *Dispatcher) setCloud(doc document.CloudDocument) document.UserDocument {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.state[doc.ID]
	entry.ID = doc.ID
	entry.Cloud = &doc
	d.state[doc.ID] = entry
	return entry
}

func (d *Dispatcher) dropLocal(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.state[id]
	if !ok {
		return
	}
	entry.Local = nil
	d.storeEntry(entry)
}

func (d *Dispatcher) dropCloud(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.state[id]
	if !ok {
		return
	}
	entry.Cloud = nil
	d.storeEntry(entry)
}

// storeEntry removes entries with no facet left. Callers hold mu.
func (d *Dispatcher) storeEntry(entry document.UserDocument) {
	if entry.Local == nil && entry.Cloud == nil {
		delete(d.state, entry.ID)
		return
	}
	d.state[entry.ID] = entry
}

func (d *Dispatcher) replaceState(docs []document.UserDocument) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = make(map[string]document.UserDocument, len(docs))
	for _, doc := range docs {
		d.state[doc.ID] = doc
	}
}

// online checks the cloud session. Any failure counts as offline.
func (d *Dispatcher) online(ctx context.Context) bool {
	if d.cloud == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.cloud.Session(ctx); err != nil {
		d.log.Debug("cloud unavailable", logger.Error(err))
		return false
	}
	return true
}

// schedule runs fn as a cloud effect detached from the command's context.
func (d *Dispatcher) schedule(name string, fn func(ctx context.Context)) {
	d.effects.Add(1)
	go func() {
		defer d.effects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		started := time.Now()
		fn(ctx)
		d.log.Debug("effect finished", logger.String("effect", name), logger.Duration("took", time.Since(started)))
	}()
}

func (d *Dispatcher) cloudFailed(action, id string, err error) {
	d.log.Warn("cloud sync failed",
		logger.String("action", action),
		logger.String("document_id", id),
		logger.Error(err),
	)
	d.announce.Announce(Announcement{Title: "Cloud sync failed", Subtitle: describe(err)})
}

func describe(err error) string {
	switch {
	case errors.Is(err, document.ErrUnauthenticated):
		return "Please sign in to save to the cloud"
	case errors.Is(err, document.ErrForbidden), errors.Is(err, document.ErrNotFound):
		return "You don't have permission to change the cloud copy"
	case cloudclient.IsOffline(err):
		return "You are offline; changes are saved locally"
	}
	return err.Error()
}
