package model

import (
	"context"
	"fmt"

	"github.com/quillstash/quillstash/internal/db"
)

// UserItems manages access-grant edges. Grants must be safely repeatable:
// the propagation engine replays pages after a crash, so Add treats an
// existing pair as success and Remove treats a missing pair as a no-op.
type UserItems struct {
	m *Models
}

// Add grants userID read access to itemID. Duplicate grants leave the
// existing row untouched, including its updated_time.
func (ui *UserItems) Add(ctx context.Context, q db.Querier, userID, itemID string) error {
	now := nowMilli()
	_, err := q.Exec(ctx, `
		INSERT INTO user_items (user_id, item_id, created_time, updated_time)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, item_id) DO NOTHING
	`, userID, itemID, now)
	if err != nil {
		return fmt.Errorf("failed to add grant (%s, %s): %w", userID, itemID, err)
	}
	return nil
}

// Remove revokes a grant. Removing a non-existent grant is a no-op.
func (ui *UserItems) Remove(ctx context.Context, q db.Querier, userID, itemID string) error {
	_, err := q.Exec(ctx,
		"DELETE FROM user_items WHERE user_id = $1 AND item_id = $2",
		userID, itemID)
	if err != nil {
		return fmt.Errorf("failed to remove grant (%s, %s): %w", userID, itemID, err)
	}
	return nil
}

// DeleteByItemIDs removes every grant on the given items
func (ui *UserItems) DeleteByItemIDs(ctx context.Context, q db.Querier, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, "DELETE FROM user_items WHERE item_id = ANY($1)", itemIDs)
	if err != nil {
		return fmt.Errorf("failed to delete grants by item: %w", err)
	}
	return nil
}

// DeleteByShare removes the grants a share produced: every edge to the
// share's items except the owner's own.
func (ui *UserItems) DeleteByShare(ctx context.Context, q db.Querier, shareID, ownerID string) error {
	_, err := q.Exec(ctx, `
		DELETE FROM user_items
		WHERE item_id IN (SELECT id FROM items WHERE jop_share_id = $1)
		AND user_id != $2
	`, shareID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete grants for share %s: %w", shareID, err)
	}
	return nil
}

// UserHasItem reports whether a grant exists
func (ui *UserItems) UserHasItem(ctx context.Context, userID, itemID string) (bool, error) {
	var exists bool
	err := ui.m.pool().QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM user_items WHERE user_id = $1 AND item_id = $2)",
		userID, itemID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check grant (%s, %s): %w", userID, itemID, err)
	}
	return exists, nil
}

// ByItemID returns every grant on an item
func (ui *UserItems) ByItemID(ctx context.Context, itemID string) ([]*UserItem, error) {
	rows, err := ui.m.pool().Query(ctx, `
		SELECT id, user_id, item_id, created_time, updated_time
		FROM user_items WHERE item_id = $1 ORDER BY id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants for item %s: %w", itemID, err)
	}
	defer rows.Close()

	var userItems []*UserItem
	for rows.Next() {
		u := &UserItem{}
		if err := rows.Scan(&u.ID, &u.UserID, &u.ItemID, &u.CreatedTime, &u.UpdatedTime); err != nil {
			return nil, err
		}
		userItems = append(userItems, u)
	}
	return userItems, rows.Err()
}

// UserIDsByItemIDs returns the distinct user ids holding a grant on any of
// the given items
func (ui *UserItems) UserIDsByItemIDs(ctx context.Context, itemIDs []string) ([]string, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}

	rows, err := ui.m.pool().Query(ctx,
		"SELECT DISTINCT user_id FROM user_items WHERE item_id = ANY($1)", itemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load user ids by items: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}
