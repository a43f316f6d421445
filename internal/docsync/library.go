package docsync

import (
	"context"
	"io"

	"matheditor/internal/document"
	"matheditor/internal/logger"
)

// List rebuilds the state from both stores. A cloud failure leaves only the local facets.
func (d *Dispatcher) List(ctx context.Context) ([]document.UserDocument, error) {
	local, err := d.local.GetAllDocuments(ctx)
	if err != nil {
		return nil, err
	}
	var cloud []document.CloudDocument
	if d.online(ctx) {
		listCtx, cancel := context.WithTimeout(ctx, d.timeout)
		cloud, err = d.cloud.ListDocuments(listCtx)
		cancel()
		if err != nil {
			d.log.Warn("list cloud documents", logger.Error(err))
			cloud = nil
		}
	}
	merged := document.Merge(local, cloud)
	d.replaceState(merged)
	return merged, nil
}

// WriteBackup encodes every local document with its revisions as a .me backup.
func (d *Dispatcher) WriteBackup(ctx context.Context, w io.Writer) (int, error) {
	backup, err := d.buildBackup(ctx)
	if err != nil {
		return 0, err
	}
	if err := document.EncodeBackup(w, backup); err != nil {
		return 0, err
	}
	return len(backup), nil
}

// UploadBackup stores the local backup in the cloud. Failures are announced.
func (d *Dispatcher) UploadBackup(ctx context.Context) (string, error) {
	backup, err := d.buildBackup(ctx)
	if err != nil {
		return "", err
	}
	if !d.online(ctx) {
		d.announce.Announce(Announcement{Title: "Backup failed", Subtitle: "Please sign in to back up to the cloud"})
		return "", document.ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	key, err := d.cloud.UploadBackup(ctx, backup)
	if err != nil {
		d.log.Warn("upload backup", logger.Error(err))
		d.announce.Announce(Announcement{Title: "Backup failed", Subtitle: describe(err)})
		return "", err
	}
	d.announce.Announce(Announcement{Title: "Backup saved", Subtitle: key})
	return key, nil
}

func (d *Dispatcher) buildBackup(ctx context.Context) ([]document.Document, error) {
	docs, err := d.local.GetAllDocuments(ctx)
	if err != nil {
		return nil, err
	}
	revisions, err := d.local.GetAllRevisions(ctx)
	if err != nil {
		return nil, err
	}
	return document.BuildBackup(docs, revisions), nil
}

// Restore imports a .me backup into the local store, skipping ids that already exist. It
// returns how many documents were added.
func (d *Dispatcher) Restore(ctx context.Context, r io.Reader) (int, error) {
	backup, err := document.DecodeBackup(r)
	if err != nil {
		return 0, &document.ValidationError{Field: "backup", Message: "not a valid backup file", Err: err}
	}
	docs, revisions := document.SplitBackup(backup)
	added, err := d.local.Restore(ctx, docs, revisions)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		current, err := d.local.GetDocument(ctx, doc.ID)
		if err != nil {
			return added, err
		}
		d.setLocal(current)
	}
	return added, nil
}
