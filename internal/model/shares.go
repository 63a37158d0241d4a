package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quillstash/quillstash/internal/db"
	"github.com/quillstash/quillstash/internal/joplin"
)

// Shares is the share model. A share marks one item as shared: folder
// shares cover a subtree via async propagation, note shares cover a
// single note.
type Shares struct {
	m *Models
}

const shareFields = "id, owner_id, item_id, type, folder_id, note_id, created_time, updated_time"

func scanShare(row pgx.Row) (*Share, error) {
	s := &Share{}
	err := row.Scan(&s.ID, &s.OwnerID, &s.ItemID, &s.Type, &s.FolderID, &s.NoteID, &s.CreatedTime, &s.UpdatedTime)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanShares(rows pgx.Rows) ([]*Share, error) {
	defer rows.Close()
	var shares []*Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// Load fetches a share by id
func (ss *Shares) Load(ctx context.Context, id string) (*Share, error) {
	row := ss.m.pool().QueryRow(ctx, "SELECT "+shareFields+" FROM shares WHERE id = $1", id)
	s, err := scanShare(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: share %s", db.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load share %s: %w", id, err)
	}
	return s, nil
}

// Exists reports whether a share row with the given id exists
func (ss *Shares) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := ss.m.pool().QueryRow(ctx, "SELECT COUNT(*) FROM shares WHERE id = $1", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check share %s: %w", id, err)
	}
	return n > 0, nil
}

func (ss *Shares) loadByIDs(ctx context.Context, ids []string) (map[string]*Share, error) {
	if len(ids) == 0 {
		return map[string]*Share{}, nil
	}
	rows, err := ss.m.pool().Query(ctx, "SELECT "+shareFields+" FROM shares WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load shares: %w", err)
	}
	shares, err := scanShares(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Share, len(shares))
	for _, s := range shares {
		byID[s.ID] = s
	}
	return byID, nil
}

// ByItemID returns the share rooted on the given item, or nil
func (ss *Shares) ByItemID(ctx context.Context, itemID string) (*Share, error) {
	shares, err := ss.ByItemIDs(ctx, []string{itemID})
	if err != nil {
		return nil, err
	}
	if len(shares) == 0 {
		return nil, nil
	}
	return shares[0], nil
}

// ByItemIDs returns the shares rooted on any of the given items
func (ss *Shares) ByItemIDs(ctx context.Context, itemIDs []string) ([]*Share, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := ss.m.pool().Query(ctx, "SELECT "+shareFields+" FROM shares WHERE item_id = ANY($1)", itemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load shares by item: %w", err)
	}
	return scanShares(rows)
}

// ByUserID returns the shares a user participates in with the given
// invitation status, plus the shares they own
func (ss *Shares) ByUserID(ctx context.Context, userID string, status ShareUserStatus) ([]*Share, error) {
	rows, err := ss.m.pool().Query(ctx, `
		SELECT `+prefixFields("shares", shareFields)+`
		FROM shares
		JOIN share_users ON share_users.share_id = shares.id
		WHERE share_users.user_id = $1 AND share_users.status = $2
		UNION
		SELECT `+shareFields+` FROM shares WHERE owner_id = $1
	`, userID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to load shares for user %s: %w", userID, err)
	}
	return scanShares(rows)
}

// AllShareUserIDs returns every user with access to the share: the owner
// plus all members who accepted
func (ss *Shares) AllShareUserIDs(ctx context.Context, share *Share) ([]string, error) {
	shareUsers, err := ss.m.ShareUsers.ByShareID(ctx, share.ID, ShareUserStatusAccepted)
	if err != nil {
		return nil, err
	}
	ids := []string{share.OwnerID}
	for _, su := range shareUsers {
		ids = append(ids, su.UserID)
	}
	return ids, nil
}

// ShareFolder shares a root folder. Calling it again for the same folder
// returns the existing share unchanged.
func (ss *Shares) ShareFolder(ctx context.Context, owner *User, folderJopID string) (*Share, error) {
	folderItem, err := ss.m.Items.LoadByJopID(ctx, owner.ID, folderJopID)
	if err != nil {
		return nil, err
	}
	if folderItem.JopType != int(joplin.TypeFolder) {
		return nil, fmt.Errorf("%w: not a folder: %s", db.ErrUnprocessable, folderJopID)
	}
	if folderItem.JopParentID != "" {
		return nil, fmt.Errorf("%w: only a root folder can be shared: %s", db.ErrUnprocessable, folderJopID)
	}

	existing, err := ss.ByItemID(ctx, folderItem.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	share := &Share{
		OwnerID:  owner.ID,
		ItemID:   folderItem.ID,
		Type:     ShareTypeFolder,
		FolderID: folderJopID,
	}
	if err := ss.save(ctx, ss.m.pool(), share); err != nil {
		return nil, err
	}
	return share, nil
}

// ShareNote shares a single note. Idempotent per note and owner.
func (ss *Shares) ShareNote(ctx context.Context, owner *User, noteJopID string) (*Share, error) {
	noteItem, err := ss.m.Items.LoadByJopID(ctx, owner.ID, noteJopID)
	if err != nil {
		return nil, err
	}
	if noteItem.JopType != int(joplin.TypeNote) {
		return nil, fmt.Errorf("%w: not a note: %s", db.ErrUnprocessable, noteJopID)
	}

	existing, err := ss.byNoteID(ctx, owner.ID, noteJopID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	share := &Share{
		OwnerID: owner.ID,
		ItemID:  noteItem.ID,
		Type:    ShareTypeNote,
		NoteID:  noteJopID,
	}
	if err := ss.save(ctx, ss.m.pool(), share); err != nil {
		return nil, err
	}
	return share, nil
}

func (ss *Shares) byNoteID(ctx context.Context, ownerID, noteJopID string) (*Share, error) {
	row := ss.m.pool().QueryRow(ctx, `
		SELECT `+shareFields+` FROM shares
		WHERE owner_id = $1 AND note_id = $2 AND type = $3
	`, ownerID, noteJopID, ShareTypeNote)
	s, err := scanShare(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load note share: %w", err)
	}
	return s, nil
}

func (ss *Shares) save(ctx context.Context, q db.Querier, share *Share) error {
	share.ID = uuid.NewString()
	now := nowMilli()
	share.CreatedTime = now
	share.UpdatedTime = now

	_, err := q.Exec(ctx, `
		INSERT INTO shares (id, owner_id, item_id, type, folder_id, note_id, created_time, updated_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, share.ID, share.OwnerID, share.ItemID, share.Type, share.FolderID, share.NoteID,
		share.CreatedTime, share.UpdatedTime)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: item is already shared", db.ErrUnprocessable)
	}
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// Delete removes a share, its memberships, and every grant the share
// produced. The owner keeps their items.
func (ss *Shares) Delete(ctx context.Context, id string) error {
	share, err := ss.Load(ctx, id)
	if err != nil {
		return err
	}
	return ss.m.db.WithTx(ctx, func(tx pgx.Tx) error {
		return ss.deleteTx(ctx, tx, share)
	})
}

func (ss *Shares) deleteTx(ctx context.Context, tx pgx.Tx, share *Share) error {
	if err := ss.m.ShareUsers.deleteByShareID(ctx, tx, share.ID); err != nil {
		return err
	}
	if err := ss.m.UserItems.DeleteByShare(ctx, tx, share.ID, share.OwnerID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM shares WHERE id = $1", share.ID); err != nil {
		return fmt.Errorf("failed to delete share %s: %w", share.ID, err)
	}
	return nil
}
