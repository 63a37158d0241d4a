// Package model implements the item store: metadata rows plus content
// blobs, the append-only change log, share membership, and the background
// jobs that derive per-user access grants and size totals from the log.
package model

import (
	"encoding/json"
	"time"
)

// Item is the metadata row for one stored object. Content lives in the
// storage driver identified by ContentStorageID; ContentSize always
// matches the stored blob's length.
type Item struct {
	ID               string
	Name             string
	OwnerID          string
	MimeType         string
	ContentStorageID int
	ContentSize      int64

	// Mirrored entity fields, set only for serialized note/folder/resource
	// items so they can be queried without touching content.
	JopID                string
	JopType              int
	JopParentID          string
	JopShareID           string
	JopEncryptionApplied int
	JopUpdatedTime       int64

	CreatedTime int64
	UpdatedTime int64

	// Content is populated only by the WithContent load options.
	Content []byte
}

// UserItem is an access-grant edge: user may read item
type UserItem struct {
	ID          int64
	UserID      string
	ItemID      string
	CreatedTime int64
	UpdatedTime int64
}

// ChangeType enumerates item mutations
type ChangeType int

const (
	ChangeTypeCreate ChangeType = 1
	ChangeTypeUpdate ChangeType = 2
	ChangeTypeDelete ChangeType = 3
)

// Change is one row of the append-only change log. Rows are never mutated
// after insert; consumers track an opaque cursor over the log.
type Change struct {
	Counter      int64
	ID           string
	ItemID       string
	ItemName     string
	Type         ChangeType
	PreviousItem string
	UserID       string
	CreatedTime  int64
}

// PreviousItem is the snapshot of share-relevant fields taken before an
// update, carried on the Change row
type PreviousItem struct {
	Name           string   `json:"name"`
	JopParentID    string   `json:"jop_parent_id"`
	JopShareID     string   `json:"jop_share_id"`
	JopResourceIDs []string `json:"jop_resource_ids"`
}

// SerializePreviousItem encodes a snapshot for storage on a Change row
func SerializePreviousItem(p *PreviousItem) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnserializePreviousItem decodes a snapshot from a Change row. An empty
// string yields nil.
func UnserializePreviousItem(s string) (*PreviousItem, error) {
	if s == "" {
		return nil, nil
	}
	p := &PreviousItem{}
	if err := json.Unmarshal([]byte(s), p); err != nil {
		return nil, err
	}
	return p, nil
}

// ShareType distinguishes single-note shares from recursive folder shares
type ShareType int

const (
	ShareTypeNote   ShareType = 1
	ShareTypeFolder ShareType = 2
)

// Share is a shared item and its owner
type Share struct {
	ID          string
	OwnerID     string
	ItemID      string
	Type        ShareType
	FolderID    string
	NoteID      string
	CreatedTime int64
	UpdatedTime int64
}

// ShareUserStatus is the acceptance state of an invitation
type ShareUserStatus int

const (
	ShareUserStatusWaiting  ShareUserStatus = 0
	ShareUserStatusAccepted ShareUserStatus = 1
	ShareUserStatusRejected ShareUserStatus = 2
)

// ShareUser is one invited member of a share
type ShareUser struct {
	ID          string
	ShareID     string
	UserID      string
	Status      ShareUserStatus
	CreatedTime int64
	UpdatedTime int64
}

// User is a minimal account row: identity plus quota and the maintained
// total item size
type User struct {
	ID               string
	Email            string
	FullName         string
	MaxItemSize      int64
	MaxTotalItemSize int64
	TotalItemSize    int64
	CreatedTime      int64
	UpdatedTime      int64
}

// Pagination bounds a listing query
type Pagination struct {
	Limit  int
	Offset int
}

// DefaultPagination returns the standard page bounds
func DefaultPagination() Pagination {
	return Pagination{Limit: 100}
}

func (p Pagination) withDefaults() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPagination().Limit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// PaginatedItems is one page of a listing plus a has-more marker
type PaginatedItems struct {
	Items   []*Item
	Total   int
	HasMore bool
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
