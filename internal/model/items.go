package model

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quillstash/quillstash/internal/db"
	"github.com/quillstash/quillstash/internal/joplin"
)

// Items is the item model: metadata rows paired with content blobs held by
// a storage driver.
type Items struct {
	m *Models
}

const itemFields = `id, name, owner_id, mime_type, content_storage_id, content_size,
	jop_id, jop_type, jop_parent_id, jop_share_id, jop_encryption_applied, jop_updated_time,
	created_time, updated_time`

func scanItem(row pgx.Row) (*Item, error) {
	it := &Item{}
	err := row.Scan(&it.ID, &it.Name, &it.OwnerID, &it.MimeType, &it.ContentStorageID, &it.ContentSize,
		&it.JopID, &it.JopType, &it.JopParentID, &it.JopShareID, &it.JopEncryptionApplied, &it.JopUpdatedTime,
		&it.CreatedTime, &it.UpdatedTime)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func scanItems(rows pgx.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// RecordableChange reports whether mutations of the named item belong in
// the change log: serialized entities and resource blobs do, opaque client
// files (sync locks, info files) do not.
func (its *Items) RecordableChange(name string) bool {
	return joplin.IsItemName(name) || joplin.IsResourceBlobPath(name)
}

// IsRootSharedFolder reports whether the item is the root folder of a share
func (its *Items) IsRootSharedFolder(it *Item) bool {
	return it.JopType == int(joplin.TypeFolder) && it.JopParentID == "" && it.JopShareID != ""
}

func (its *Items) validate(ctx context.Context, it *Item) error {
	if it.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", db.ErrUnprocessable)
	}
	if it.JopShareID != "" {
		exists, err := its.m.Shares.Exists(ctx, it.JopShareID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: share not found: %s", db.ErrUnprocessable, it.JopShareID)
		}
	}
	return nil
}

// SaveForUser saves an item row on behalf of a user. New items get an
// initial grant for the owner; updates capture a previous-item snapshot on
// the change row. If Content is set, the blob is written under the
// two-part commit protocol: the row save and blob write share a savepoint,
// and a failed blob write rolls the row back before the error is returned,
// so no row ever references unwritten content.
func (its *Items) SaveForUser(ctx context.Context, userID string, it *Item) (*Item, error) {
	var saved *Item
	err := its.m.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		saved, err = its.saveForUserTx(ctx, tx, userID, it)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (its *Items) saveForUserTx(ctx context.Context, tx pgx.Tx, userID string, it *Item) (*Item, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}

	clone := *it
	it = &clone

	if err := its.validate(ctx, it); err != nil {
		return nil, err
	}

	isNew := it.ID == ""

	if it.Content != nil && it.ContentStorageID == 0 {
		it.ContentStorageID = its.m.driver.StorageID()
	}
	if it.Content != nil {
		it.ContentSize = int64(len(it.Content))
	}

	var previousItem *PreviousItem
	if isNew {
		if it.MimeType == "" {
			it.MimeType = joplin.MimeFromName(it.Name)
		}
		if it.OwnerID == "" {
			it.OwnerID = userID
		}
	} else {
		before, err := its.load(ctx, tx, it.ID)
		if err != nil {
			return nil, err
		}
		var resourceIDs []string
		if before.JopType == int(joplin.TypeNote) {
			resourceIDs, err = its.m.ItemResources.ByItemID(ctx, before.ID)
			if err != nil {
				return nil, err
			}
		}
		previousItem = &PreviousItem{
			Name:           before.Name,
			JopParentID:    before.JopParentID,
			JopShareID:     before.JopShareID,
			JopResourceIDs: resourceIDs,
		}
	}

	err := db.WithSavepoint(ctx, tx, func(sp pgx.Tx) error {
		if isNew {
			if err := its.insertRow(ctx, sp, it); err != nil {
				return err
			}
			if err := its.m.UserItems.Add(ctx, sp, userID, it.ID); err != nil {
				return err
			}
		} else {
			if err := its.updateRow(ctx, sp, it); err != nil {
				return err
			}
		}

		changeName := it.Name
		if changeName == "" && previousItem != nil {
			changeName = previousItem.Name
		}
		if its.RecordableChange(changeName) {
			change := &Change{
				ItemID:   it.ID,
				ItemName: changeName,
				Type:     ChangeTypeUpdate,
				UserID:   userID,
			}
			if isNew {
				change.Type = ChangeTypeCreate
			} else {
				serialized, err := SerializePreviousItem(previousItem)
				if err != nil {
					return fmt.Errorf("failed to serialize previous item: %w", err)
				}
				change.PreviousItem = serialized
			}
			if _, err := its.m.Changes.Save(ctx, sp, change); err != nil {
				return err
			}
		}

		// The blob write is outside the transaction's ACID scope; the
		// savepoint rollback is what keeps row and blob consistent.
		if it.Content != nil {
			return its.storageWrite(ctx, it.ID, it.Content)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return it, nil
}

func (its *Items) insertRow(ctx context.Context, q db.Querier, it *Item) error {
	it.ID = uuid.NewString()
	now := nowMilli()
	it.CreatedTime = now
	it.UpdatedTime = now

	_, err := q.Exec(ctx, `
		INSERT INTO items (id, name, owner_id, mime_type, content_storage_id, content_size,
			jop_id, jop_type, jop_parent_id, jop_share_id, jop_encryption_applied, jop_updated_time,
			created_time, updated_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, it.ID, it.Name, it.OwnerID, it.MimeType, it.ContentStorageID, it.ContentSize,
		it.JopID, it.JopType, it.JopParentID, it.JopShareID, it.JopEncryptionApplied, it.JopUpdatedTime,
		it.CreatedTime, it.UpdatedTime)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: an item named %q already exists", db.ErrUnprocessable, it.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

func (its *Items) updateRow(ctx context.Context, q db.Querier, it *Item) error {
	it.UpdatedTime = nowMilli()

	tag, err := q.Exec(ctx, `
		UPDATE items SET name = $2, mime_type = $3, content_storage_id = $4, content_size = $5,
			jop_id = $6, jop_type = $7, jop_parent_id = $8, jop_share_id = $9,
			jop_encryption_applied = $10, jop_updated_time = $11, updated_time = $12
		WHERE id = $1
	`, it.ID, it.Name, it.MimeType, it.ContentStorageID, it.ContentSize,
		it.JopID, it.JopType, it.JopParentID, it.JopShareID,
		it.JopEncryptionApplied, it.JopUpdatedTime, it.UpdatedTime)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: an item named %q already exists", db.ErrUnprocessable, it.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", it.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: item %s", db.ErrNotFound, it.ID)
	}
	return nil
}

// Delete removes items and everything hanging off them: shares rooted on
// them, grants, resource links, blobs in the primary and fallback drivers,
// then the rows, with Delete change records. Runs in one transaction.
func (its *Items) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	shares, err := its.m.Shares.ByItemIDs(ctx, ids)
	if err != nil {
		return err
	}

	items, err := its.loadByIDs(ctx, its.m.pool(), ids)
	if err != nil {
		return err
	}

	return its.m.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, share := range shares {
			if err := its.m.Shares.deleteTx(ctx, tx, share); err != nil {
				return err
			}
		}
		if err := its.m.UserItems.DeleteByItemIDs(ctx, tx, ids); err != nil {
			return err
		}
		if err := its.m.ItemResources.DeleteByItemIDs(ctx, tx, ids); err != nil {
			return err
		}

		if err := its.m.driver.Delete(ctx, ids); err != nil {
			return err
		}
		if fallback := its.m.driverFallback; fallback != nil {
			if err := fallback.Delete(ctx, ids); err != nil {
				return err
			}
		}

		for _, it := range items {
			if !its.RecordableChange(it.Name) {
				continue
			}
			_, err := its.m.Changes.Save(ctx, tx, &Change{
				ItemID:   it.ID,
				ItemName: it.Name,
				Type:     ChangeTypeDelete,
				UserID:   it.OwnerID,
			})
			if err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, "DELETE FROM items WHERE id = ANY($1)", ids); err != nil {
			return fmt.Errorf("failed to delete items: %w", err)
		}
		return nil
	})
}

// DeleteForUser deletes an item on behalf of a user. A non-owner
// "deleting" a shared root folder only leaves the share: their membership
// and grants go, the owner's data stays.
func (its *Items) DeleteForUser(ctx context.Context, userID string, it *Item) error {
	has, err := its.m.UserItems.UserHasItem(ctx, userID, it.ID)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: user %s cannot delete item %s", db.ErrForbidden, userID, it.ID)
	}

	if !its.IsRootSharedFolder(it) || it.OwnerID == userID {
		return its.Delete(ctx, []string{it.ID})
	}

	share, err := its.m.Shares.ByItemID(ctx, it.ID)
	if err != nil {
		return err
	}
	if share == nil {
		return fmt.Errorf("cannot find share associated with item %s", it.ID)
	}

	shareUser, err := its.m.ShareUsers.ByShareAndUserID(ctx, share.ID, userID)
	if err != nil {
		return err
	}
	if shareUser == nil {
		return nil
	}
	return its.m.ShareUsers.Delete(ctx, shareUser.ID)
}

// DeleteAll removes every item the user can reach, page by page
func (its *Items) DeleteAll(ctx context.Context, userID string) error {
	for {
		page, err := its.Children(ctx, userID, "", DefaultPagination())
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(page.Items))
		for _, it := range page.Items {
			ids = append(ids, it.ID)
		}
		if err := its.Delete(ctx, ids); err != nil {
			return err
		}

		if !page.HasMore {
			return nil
		}
	}
}

// DeleteExclusivelyOwnedItems removes the items only this user can reach.
// Used when deleting an account: shared-in items survive.
func (its *Items) DeleteExclusivelyOwnedItems(ctx context.Context, userID string) error {
	ids, err := its.ExclusivelyOwnedItemIDs(ctx, userID)
	if err != nil {
		return err
	}
	return its.Delete(ctx, ids)
}
