package document

import (
	"encoding/json"
	"fmt"
	"time"

	"matheditor/internal/util"
)

// NewRevision snapshots data as a fresh revision of documentID.
func NewRevision(documentID string, data json.RawMessage, now time.Time) Revision {
	return Revision{
		ID:         util.NewID(),
		DocumentID: documentID,
		Data:       CloneData(data),
		CreatedAt:  now,
	}
}

// SetHead makes revision the current head of doc and denormalizes its data onto the record.
func SetHead(doc *Document, revision Revision) error {
	if revision.DocumentID != doc.ID {
		return fmt.Errorf("set head %s on %s: %w", revision.ID, doc.ID, ErrForeignRevision)
	}
	doc.Head = revision.ID
	doc.Data = CloneData(revision.Data)
	if revision.CreatedAt.After(doc.UpdatedAt) {
		doc.UpdatedAt = revision.CreatedAt
	}
	return nil
}

// CanDeleteRevision refuses removal of the revision head points at.
func CanDeleteRevision(doc Document, revisionID string) error {
	if doc.Head == revisionID {
		return fmt.Errorf("delete revision %s: %w", revisionID, ErrHeadRevision)
	}
	return nil
}

// HeadRevision rebuilds the revision record the head points at from the denormalized data.
func HeadRevision(doc Document) Revision {
	return Revision{
		ID:         doc.Head,
		DocumentID: doc.ID,
		Data:       CloneData(doc.Data),
		CreatedAt:  doc.UpdatedAt,
	}
}
