package document

import (
	"sort"
	"time"
)

// UserDocument is the unified view of one logical document across the local and cloud stores.
// At least one facet is set; when both are, they share ID.
type UserDocument struct {
	ID    string         `json:"id"`
	Local *Document      `json:"local,omitempty"`
	Cloud *CloudDocument `json:"cloud,omitempty"`
}

func (u UserDocument) IsLocalOnly() bool { return u.Local != nil && u.Cloud == nil }
func (u UserDocument) IsCloudOnly() bool { return u.Local == nil && u.Cloud != nil }

// InSync reports whether both facets exist and point at the same head.
func (u UserDocument) InSync() bool {
	return u.Local != nil && u.Cloud != nil && u.Local.Head == u.Cloud.Head
}

// Name prefers the local facet.
func (u UserDocument) Name() string {
	if u.Local != nil {
		return u.Local.Name
	}
	if u.Cloud != nil {
		return u.Cloud.Name
	}
	return ""
}

// UpdatedAt is the most recent of the two facets.
func (u UserDocument) UpdatedAt() time.Time {
	var updated time.Time
	if u.Local != nil {
		updated = u.Local.UpdatedAt
	}
	if u.Cloud != nil && u.Cloud.UpdatedAt.After(updated) {
		updated = u.Cloud.UpdatedAt
	}
	return updated
}

// Editable returns the facet used for editing: local when present, else the cloud copy.
func (u UserDocument) Editable() (Document, bool) {
	if u.Local != nil {
		return *u.Local, true
	}
	if u.Cloud != nil {
		return u.Cloud.LocalCopy(), true
	}
	return Document{}, false
}

// Merge joins local and cloud listings by id, most recently updated first.
func Merge(local []Document, cloud []CloudDocument) []UserDocument {
	byID := make(map[string]*UserDocument, len(local)+len(cloud))
	order := make([]string, 0, len(local)+len(cloud))
	for i := range local {
		doc := local[i]
		byID[doc.ID] = &UserDocument{ID: doc.ID, Local: &doc}
		order = append(order, doc.ID)
	}
	for i := range cloud {
		doc := cloud[i]
		if existing, ok := byID[doc.ID]; ok {
			existing.Cloud = &doc
			continue
		}
		byID[doc.ID] = &UserDocument{ID: doc.ID, Cloud: &doc}
		order = append(order, doc.ID)
	}
	merged := make([]UserDocument, 0, len(order))
	for _, id := range order {
		merged = append(merged, *byID[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].UpdatedAt().After(merged[j].UpdatedAt())
	})
	return merged
}
