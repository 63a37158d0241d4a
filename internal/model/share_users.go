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

// ShareUsers is the membership model: who has been invited to a share and
// whether they accepted
type ShareUsers struct {
	m *Models
}

const shareUserFields = "id, share_id, user_id, status, created_time, updated_time"

func scanShareUser(row pgx.Row) (*ShareUser, error) {
	su := &ShareUser{}
	err := row.Scan(&su.ID, &su.ShareID, &su.UserID, &su.Status, &su.CreatedTime, &su.UpdatedTime)
	if err != nil {
		return nil, err
	}
	return su, nil
}

// Load fetches a membership row by id
func (sus *ShareUsers) Load(ctx context.Context, id string) (*ShareUser, error) {
	row := sus.m.pool().QueryRow(ctx, "SELECT "+shareUserFields+" FROM share_users WHERE id = $1", id)
	su, err := scanShareUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: share user %s", db.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load share user %s: %w", id, err)
	}
	return su, nil
}

// ByShareID lists the members of a share with the given status
func (sus *ShareUsers) ByShareID(ctx context.Context, shareID string, status ShareUserStatus) ([]*ShareUser, error) {
	rows, err := sus.m.pool().Query(ctx, `
		SELECT `+shareUserFields+` FROM share_users
		WHERE share_id = $1 AND status = $2
	`, shareID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list share users: %w", err)
	}
	defer rows.Close()

	var out []*ShareUser
	for rows.Next() {
		su, err := scanShareUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, su)
	}
	return out, rows.Err()
}

// ByShareAndUserID returns a user's membership in a share, or nil
func (sus *ShareUsers) ByShareAndUserID(ctx context.Context, shareID, userID string) (*ShareUser, error) {
	row := sus.m.pool().QueryRow(ctx, `
		SELECT `+shareUserFields+` FROM share_users
		WHERE share_id = $1 AND user_id = $2
	`, shareID, userID)
	su, err := scanShareUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load share user: %w", err)
	}
	return su, nil
}

// AddByEmail invites a user to a share by email address. The owner cannot
// invite themselves and a user cannot be invited twice.
func (sus *ShareUsers) AddByEmail(ctx context.Context, share *Share, email string) (*ShareUser, error) {
	user, err := sus.m.Users.LoadByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return sus.Add(ctx, share, user.ID)
}

// Add invites a user to a share with Waiting status
func (sus *ShareUsers) Add(ctx context.Context, share *Share, userID string) (*ShareUser, error) {
	if userID == share.OwnerID {
		return nil, fmt.Errorf("%w: the share owner cannot be invited", db.ErrUnprocessable)
	}

	su := &ShareUser{
		ID:          uuid.NewString(),
		ShareID:     share.ID,
		UserID:      userID,
		Status:      ShareUserStatusWaiting,
		CreatedTime: nowMilli(),
		UpdatedTime: nowMilli(),
	}
	_, err := sus.m.pool().Exec(ctx, `
		INSERT INTO share_users (id, share_id, user_id, status, created_time, updated_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, su.ID, su.ShareID, su.UserID, su.Status, su.CreatedTime, su.UpdatedTime)
	if db.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%w: user is already invited to this share", db.ErrUnprocessable)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert share user: %w", err)
	}
	return su, nil
}

// Accept moves a Waiting invitation to Accepted and grants the member all
// items currently in the share. Items added later reach them through
// change propagation.
func (sus *ShareUsers) Accept(ctx context.Context, shareUserID string) error {
	return sus.setStatus(ctx, shareUserID, ShareUserStatusAccepted)
}

// Reject moves a Waiting invitation to Rejected
func (sus *ShareUsers) Reject(ctx context.Context, shareUserID string) error {
	return sus.setStatus(ctx, shareUserID, ShareUserStatusRejected)
}

func (sus *ShareUsers) setStatus(ctx context.Context, shareUserID string, status ShareUserStatus) error {
	su, err := sus.Load(ctx, shareUserID)
	if err != nil {
		return err
	}
	if su.Status != ShareUserStatusWaiting {
		return fmt.Errorf("%w: invitation has already been answered", db.ErrUnprocessable)
	}

	share, err := sus.m.Shares.Load(ctx, su.ShareID)
	if err != nil {
		return err
	}

	return sus.m.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE share_users SET status = $2, updated_time = $3
			WHERE id = $1 AND status = $4
		`, su.ID, status, nowMilli(), ShareUserStatusWaiting)
		if err != nil {
			return fmt.Errorf("failed to update share user %s: %w", su.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: invitation has already been answered", db.ErrUnprocessable)
		}

		if status == ShareUserStatusAccepted {
			return sus.grantShareItems(ctx, tx, share, su.UserID)
		}
		return nil
	})
}

// grantShareItems grants a new member every item currently tagged with
// the share, plus the resource blobs linked from its notes
func (sus *ShareUsers) grantShareItems(ctx context.Context, tx pgx.Tx, share *Share, userID string) error {
	rows, err := tx.Query(ctx, "SELECT "+itemFields+" FROM items WHERE jop_share_id = $1", share.ID)
	if err != nil {
		return fmt.Errorf("failed to list share items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return err
	}

	var noteItemIDs []string
	for _, it := range items {
		if err := sus.m.UserItems.Add(ctx, tx, userID, it.ID); err != nil {
			return err
		}
		if it.JopType == int(joplin.TypeNote) {
			noteItemIDs = append(noteItemIDs, it.ID)
		}
	}

	blobItems, err := sus.m.Items.noteResourceItems(ctx, []string{share.OwnerID}, noteItemIDs)
	if err != nil {
		return err
	}
	for _, it := range blobItems {
		if err := sus.m.UserItems.Add(ctx, tx, userID, it.ID); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a membership and the grants that came with it
func (sus *ShareUsers) Delete(ctx context.Context, id string) error {
	su, err := sus.Load(ctx, id)
	if err != nil {
		return err
	}
	return sus.m.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM user_items WHERE user_id = $1 AND item_id IN (
				SELECT id FROM items WHERE jop_share_id = $2
			)
		`, su.UserID, su.ShareID)
		if err != nil {
			return fmt.Errorf("failed to delete share grants: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM share_users WHERE id = $1", su.ID); err != nil {
			return fmt.Errorf("failed to delete share user %s: %w", su.ID, err)
		}
		return nil
	})
}

func (sus *ShareUsers) deleteByShareID(ctx context.Context, q db.Querier, shareID string) error {
	if _, err := q.Exec(ctx, "DELETE FROM share_users WHERE share_id = $1", shareID); err != nil {
		return fmt.Errorf("failed to delete share users for share %s: %w", shareID, err)
	}
	return nil
}
