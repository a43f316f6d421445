package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"matheditor/internal/cloudclient"
	"matheditor/internal/document"
	"matheditor/internal/logger"
	"matheditor/internal/util"
)

// Create writes a new document locally, then mirrors it to the cloud when a session check
// succeeds. A failed check leaves the document local-only without any error.
type Create struct {
	Name     string
	Type     document.Type
	Data     json.RawMessage
	ParentID *string
	Handle   *string
}

func (c Create) run(ctx context.Context, d *Dispatcher) (document.UserDocument, error) {
	name, err := document.ValidateName(c.Name)
	if err != nil {
		return document.UserDocument{}, err
	}
	if c.ParentID != nil {
		if err := d.checkLocalParent(ctx, *c.ParentID); err != nil {
			return document.UserDocument{}, err
		}
	}
	doc, revision := document.New(name, c.Type, c.Data, c.ParentID, d.now())
	if c.Handle != nil {
		if err := document.CheckHandle(ctx, d.local, *c.Handle, doc.ID); err != nil {
			return document.UserDocument{}, err
		}
		doc.Handle = c.Handle
	}
	if err := d.local.Create(ctx, doc, revision); err != nil {
		return document.UserDocument{}, err
	}
	entry := d.setLocal(doc)
	d.scheduleCreate("create", doc)
	return entry, nil
}

// scheduleCreate uploads doc once the session check confirms the cloud is usable.
func (d *Dispatcher) scheduleCreate(action string, doc document.Document) {
	if d.cloud == nil {
		return
	}
	d.schedule(action, func(ctx context.Context) {
		if !d.online(ctx) {
			return
		}
		created, err := d.cloud.CreateDocument(ctx, doc)
		if err != nil {
			d.cloudFailed(action, doc.ID, err)
			return
		}
		d.setCloud(created)
	})
}

// Update commits a new revision when Data is set, otherwise patches metadata only. The local
// change is final; the cloud copy is mirrored by a separate effect when one exists.
type Update struct {
	ID        string
	Data      json.RawMessage
	Name      *string
	Handle    *string
	ParentID  *string
	SortOrder *int
}

func (c Update) run(ctx context.Context, d *Dispatcher) (document.UserDocument, error) {
	current, err := d.ensureLocal(ctx, c.ID)
	if err != nil {
		return document.UserDocument{}, err
	}

	patch := document.Patch{SortOrder: c.SortOrder}
	if c.Name != nil {
		name, err := document.ValidateName(*c.Name)
		if err != nil {
			return document.UserDocument{}, err
		}
		patch.Name = &name
	}
	if c.Handle != nil && *c.Handle != "" {
		if err := document.CheckHandle(ctx, d.local, *c.Handle, c.ID); err != nil {
			return document.UserDocument{}, err
		}
	}
	patch.Handle = c.Handle
	if c.ParentID != nil && *c.ParentID != "" {
		if err := d.checkReparent(ctx, c.ID, *c.ParentID); err != nil {
			return document.UserDocument{}, err
		}
	}
	patch.ParentID = c.ParentID

	var doc document.Document
	if c.Data != nil {
		revision := document.NewRevision(current.ID, c.Data, d.now())
		doc, err = d.local.Commit(ctx, revision, patch)
	} else {
		now := d.now()
		patch.UpdatedAt = &now
		doc, err = d.local.UpdateDocument(ctx, c.ID, patch)
	}
	if err != nil {
		return document.UserDocument{}, err
	}
	entry := d.setLocal(doc)

	if entry.Cloud != nil && d.cloud != nil {
		update := cloudclient.Update{
			Name:      c.Name,
			Handle:    c.Handle,
			ParentID:  c.ParentID,
			SortOrder: c.SortOrder,
		}
		if c.Data != nil {
			head := doc.Head
			update.Head = &head
			update.Data = document.CloneData(doc.Data)
		}
		d.schedule("update", func(ctx context.Context) {
			mirrored, err := d.cloud.UpdateDocument(ctx, doc.ID, update)
			if err != nil {
				d.cloudFailed("update", doc.ID, err)
				return
			}
			d.setCloud(mirrored)
		})
	}
	return entry, nil
}

type Target string

const (
	TargetLocal Target = "local"
	TargetCloud Target = "cloud"
	TargetBoth  Target = "both"
)

// Delete removes a document from the chosen stores after confirmation. For TargetBoth the
// cloud delete is awaited first and the local delete runs whatever its outcome.
type Delete struct {
	ID     string
	Target Target
}

func (c Delete) run(ctx context.Context, d *Dispatcher) (document.UserDocument, error) {
	target := c.Target
	if target == "" {
		target = TargetBoth
	}
	entry, _ := d.Lookup(c.ID)
	if d.confirm != nil && !d.confirm(fmt.Sprintf("Delete %q from %s?", displayName(entry, c.ID), describeTarget(target))) {
		return entry, ErrCancelled
	}

	var cloudErr error
	if target == TargetCloud {
		if cloudErr = d.deleteCloud(ctx, c.ID); cloudErr != nil {
			return entry, cloudErr
		}
	}
	if target == TargetBoth && d.mayHaveCloudCopy(ctx, entry) {
		cloudErr = d.deleteCloud(ctx, c.ID)
		if errors.Is(cloudErr, document.ErrNotFound) {
			d.dropCloud(c.ID)
			cloudErr = nil
		}
		if cloudErr != nil {
			d.cloudFailed("delete", c.ID, cloudErr)
		}
	}
	if target == TargetLocal || target == TargetBoth {
		if err := d.deleteLocalTree(ctx, c.ID); err != nil {
			if target == TargetBoth && errors.Is(err, document.ErrNotFound) && cloudErr == nil {
				return document.UserDocument{ID: c.ID}, nil
			}
			return entry, err
		}
	}
	remaining, _ := d.Lookup(c.ID)
	return remaining, nil
}

// mayHaveCloudCopy is false when there is no cloud, or when a local-only entry is deleted
// while signed out.
func (d *Dispatcher) mayHaveCloudCopy(ctx context.Context, entry document.UserDocument) bool {
	if d.cloud == nil {
		return false
	}
	if entry.Local != nil && entry.Cloud == nil {
		return d.online(ctx)
	}
	return true
}

func (d *Dispatcher) deleteCloud(ctx context.Context, id string) error {
	if d.cloud == nil {
		return document.ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.cloud.DeleteDocument(ctx, id); err != nil {
		return err
	}
	d.dropCloud(id)
	return nil
}

// deleteLocalTree removes a document and, for directories, everything below it. Children go
// first so a failure never leaves orphans pointing at a missing parent.
func (d *Dispatcher) deleteLocalTree(ctx context.Context, id string) error {
	doc, err := d.local.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.Type == document.TypeDirectory {
		children, err := d.local.ChildrenOf(ctx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := d.deleteLocalTree(ctx, child.ID); err != nil {
				return err
			}
		}
	}
	if err := d.local.RemoveDocument(ctx, id); err != nil {
		return err
	}
	d.dropLocal(id)
	return nil
}

// Fork copies the source's current content into a new document that records the source as its
// base.
type Fork struct {
	ID   string
	Name string
}

func (c Fork) run(ctx context.Context, d *Dispatcher) (document.UserDocument, error) {
	return d.copyDocument(ctx, "fork", c.ID, c.Name, document.Fork)
}

// Duplicate is Fork without the base link.
type Duplicate struct {
	ID   string
	Name string
}

func (c Duplicate) run(ctx context.Context, d *Dispatcher) (document.UserDocument, error) {
	return d.copyDocument(ctx, "duplicate", c.ID, c.Name, document.Duplicate)
}

func (d *Dispatcher) copyDocument(ctx context.Context, action, id, name string,
	build func(document.Document, string, time.Time) (document.Document, document.Revision)) (document.UserDocument, error) {
	source, err := d.ensureLocal(ctx, id)
	if err != nil {
		return document.UserDocument{}, err
	}
	doc, revision := build(source, name, d.now())
	if err := d.local.Create(ctx, doc, revision); err != nil {
		return document.UserDocument{}, err
	}
	entry := d.setLocal(doc)
	d.scheduleCreate(action, doc)
	return entry, nil
}

// Load opens a document by id or handle. A document only known to the cloud is mirrored into
// the local store so later edits work offline.
type Load struct {
	IDOrHandle string
}

func (c Load) run(ctx context.Context, d *Dispatcher) (document.UserDocument, error) {
	id := c.IDOrHandle
	if !util.IsUUID(id) {
		localID, err := d.local.DocumentIDByHandle(ctx, id)
		switch {
		case err == nil:
			id = localID
		case !errors.Is(err, document.ErrNotFound):
			return document.UserDocument{}, err
		}
	}
	doc, err := d.local.GetDocument(ctx, id)
	if err == nil {
		return d.setLocal(doc), nil
	}
	if !errors.Is(err, document.ErrNotFound) {
		return document.UserDocument{}, err
	}
	mirrored, err := d.mirror(ctx, c.IDOrHandle)
	if err != nil {
		return document.UserDocument{}, err
	}
	entry, _ := d.Lookup(mirrored.ID)
	return entry, nil
}

// ensureLocal returns the local facet of id, mirroring it from the cloud first if needed.
func (d *Dispatcher) ensureLocal(ctx context.Context, id string) (document.Document, error) {
	doc, err := d.local.GetDocument(ctx, id)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, document.ErrNotFound) {
		return document.Document{}, err
	}
	return d.mirror(ctx, id)
}

// mirror fetches a cloud document and stores it locally with its head revision.
func (d *Dispatcher) mirror(ctx context.Context, idOrHandle string) (document.Document, error) {
	if d.cloud == nil {
		return document.Document{}, fmt.Errorf("load %s: %w", idOrHandle, document.ErrNotFound)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	cloudDoc, err := d.cloud.GetDocument(fetchCtx, idOrHandle)
	if err != nil {
		if cloudclient.IsOffline(err) {
			d.log.Warn("cloud load failed", logger.String("document", idOrHandle), logger.Error(err))
			return document.Document{}, fmt.Errorf("load %s: %w", idOrHandle, document.ErrNotFound)
		}
		return document.Document{}, err
	}
	doc := cloudDoc.LocalCopy()
	added, err := d.local.Restore(ctx, []document.Document{doc}, []document.Revision{document.HeadRevision(doc)})
	if err != nil {
		return document.Document{}, err
	}
	stored, err := d.local.GetDocument(ctx, doc.ID)
	if err != nil {
		return document.Document{}, fmt.Errorf("mirror %s: %w", doc.ID, err)
	}
	if added == 0 {
		d.log.Info("cloud document already stored locally", logger.String("document_id", doc.ID))
	} else if doc.Handle != nil && stored.Handle == nil {
		d.log.Warn("mirrored without handle", logger.String("document_id", doc.ID), logger.String("handle", *doc.Handle))
	}
	cloudDoc.Data = nil
	d.setCloud(cloudDoc)
	d.setLocal(stored)
	return stored, nil
}

// Push uploads a local document on explicit request. When the cloud already has it, the local
// head and data are written over the cloud copy.
type Push struct {
	ID string
}

func (c Push) run(ctx context.Context, d *Dispatcher) (document.UserDocument, error) {
	doc, err := d.local.GetDocument(ctx, c.ID)
	if err != nil {
		return document.UserDocument{}, err
	}
	if !d.online(ctx) {
		return document.UserDocument{}, fmt.Errorf("push %s: %w", c.ID, document.ErrUnauthenticated)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cloudDoc, err := d.cloud.CreateDocument(ctx, doc)
	if errors.Is(err, document.ErrAlreadyExists) {
		head := doc.Head
		name := doc.Name
		cloudDoc, err = d.cloud.UpdateDocument(ctx, doc.ID, cloudclient.Update{
			Name: &name,
			Head: &head,
			Data: document.CloneData(doc.Data),
		})
	}
	if err != nil {
		return document.UserDocument{}, err
	}
	return d.setCloud(cloudDoc), nil
}

// checkLocalParent requires parentID to be a local directory.
func (d *Dispatcher) checkLocalParent(ctx context.Context, parentID string) error {
	parent, err := d.local.GetDocument(ctx, parentID)
	if errors.Is(err, document.ErrNotFound) {
		return &document.ValidationError{Field: "parentId", Message: "parent directory not found", Err: document.ErrNotFound}
	}
	if err != nil {
		return err
	}
	if parent.Type != document.TypeDirectory {
		return &document.ValidationError{Field: "parentId", Message: "parent must be a directory"}
	}
	return nil
}

// checkReparent rejects moves that would put a document inside itself.
func (d *Dispatcher) checkReparent(ctx context.Context, id, parentID string) error {
	if err := d.checkLocalParent(ctx, parentID); err != nil {
		return err
	}
	seen := map[string]bool{}
	for current := parentID; current != ""; {
		if current == id || seen[current] {
			return &document.ValidationError{Field: "parentId", Message: "a document cannot be moved inside itself"}
		}
		seen[current] = true
		node, err := d.local.GetDocument(ctx, current)
		if errors.Is(err, document.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current = document.Deref(node.ParentID)
	}
	return nil
}

func displayName(entry document.UserDocument, fallback string) string {
	if name := entry.Name(); name != "" {
		return name
	}
	return fallback
}

func describeTarget(target Target) string {
	switch target {
	case TargetLocal:
		return "this device"
	case TargetCloud:
		return "the cloud"
	}
	return "this device and the cloud"
}
