package document

import (
	"encoding/json"
	"fmt"
	"io"
)

// BackupExtension is the file suffix of an exported backup.
const BackupExtension = ".me"

// BuildBackup attaches every non-head revision to its document. Revisions of documents not in
// docs are dropped.
func BuildBackup(docs []Document, revisions []Revision) []Document {
	index := make(map[string]int, len(docs))
	out := make([]Document, len(docs))
	for i, doc := range docs {
		doc.Revisions = nil
		out[i] = doc
		index[doc.ID] = i
	}
	for _, revision := range revisions {
		i, ok := index[revision.DocumentID]
		if !ok || out[i].Head == revision.ID {
			continue
		}
		out[i].Revisions = append(out[i].Revisions, revision)
	}
	return out
}

// SplitBackup is the inverse of BuildBackup: documents without inline revisions plus every
// revision, including the head rebuilt from the document's data.
func SplitBackup(backup []Document) ([]Document, []Revision) {
	docs := make([]Document, 0, len(backup))
	var revisions []Revision
	for _, doc := range backup {
		for _, revision := range doc.Revisions {
			if revision.DocumentID == "" {
				revision.DocumentID = doc.ID
			}
			revisions = append(revisions, revision)
		}
		doc.Revisions = nil
		if doc.Head != "" {
			revisions = append(revisions, HeadRevision(doc))
		}
		docs = append(docs, doc)
	}
	return docs, revisions
}

func EncodeBackup(w io.Writer, backup []Document) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(backup); err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	return nil
}

func DecodeBackup(r io.Reader) ([]Document, error) {
	var backup []Document
	if err := json.NewDecoder(r).Decode(&backup); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	for i, doc := range backup {
		if doc.ID == "" {
			return nil, fmt.Errorf("decode backup: document %d has no id", i)
		}
	}
	return backup, nil
}
