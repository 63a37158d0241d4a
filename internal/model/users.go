package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quillstash/quillstash/internal/db"
)

// Users manages account rows: identity, quota limits and the maintained
// total item size.
type Users struct {
	m *Models
}

const userFields = "id, email, full_name, max_item_size, max_total_item_size, total_item_size, created_time, updated_time"

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.MaxItemSize, &u.MaxTotalItemSize,
		&u.TotalItemSize, &u.CreatedTime, &u.UpdatedTime)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Load returns a user by id
func (us *Users) Load(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(us.m.pool().QueryRow(ctx,
		"SELECT "+userFields+" FROM users WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", db.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	return u, nil
}

// LoadByEmail returns a user by email address
func (us *Users) LoadByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(us.m.pool().QueryRow(ctx,
		"SELECT "+userFields+" FROM users WHERE email = $1", email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", db.ErrNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", email, err)
	}
	return u, nil
}

// Save inserts or updates a user row
func (us *Users) Save(ctx context.Context, u *User) (*User, error) {
	now := nowMilli()

	if u.ID == "" {
		u.ID = uuid.NewString()
		u.CreatedTime = now
		u.UpdatedTime = now

		_, err := us.m.pool().Exec(ctx, `
			INSERT INTO users (id, email, full_name, max_item_size, max_total_item_size, total_item_size, created_time, updated_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, u.ID, u.Email, u.FullName, u.MaxItemSize, u.MaxTotalItemSize, u.TotalItemSize, u.CreatedTime, u.UpdatedTime)
		if err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return u, nil
	}

	u.UpdatedTime = now
	_, err := us.m.pool().Exec(ctx, `
		UPDATE users SET email = $2, full_name = $3, max_item_size = $4,
			max_total_item_size = $5, total_item_size = $6, updated_time = $7
		WHERE id = $1
	`, u.ID, u.Email, u.FullName, u.MaxItemSize, u.MaxTotalItemSize, u.TotalItemSize, u.UpdatedTime)
	if err != nil {
		return nil, fmt.Errorf("failed to update user %s: %w", u.ID, err)
	}
	return u, nil
}

// SaveTotalSize persists an updated account total within q
func (us *Users) SaveTotalSize(ctx context.Context, q db.Querier, userID string, totalSize int64) error {
	_, err := q.Exec(ctx,
		"UPDATE users SET total_item_size = $2, updated_time = $3 WHERE id = $1",
		userID, totalSize, nowMilli())
	if err != nil {
		return fmt.Errorf("failed to save total size for user %s: %w", userID, err)
	}
	return nil
}

// Delete removes a user. Shares they own are deleted (revoking member
// access), their own memberships in other shares are removed, and then
// every item only they can still reach goes, blobs included. Items other
// users hold their own grants on survive.
func (us *Users) Delete(ctx context.Context, id string) error {
	shares, err := us.m.Shares.ByUserID(ctx, id, ShareUserStatusAccepted)
	if err != nil {
		return err
	}
	for _, share := range shares {
		if share.OwnerID == id {
			if err := us.m.Shares.Delete(ctx, share.ID); err != nil {
				return err
			}
			continue
		}
		su, err := us.m.ShareUsers.ByShareAndUserID(ctx, share.ID, id)
		if err != nil {
			return err
		}
		if su != nil {
			if err := us.m.ShareUsers.Delete(ctx, su.ID); err != nil {
				return err
			}
		}
	}

	if err := us.m.Items.DeleteExclusivelyOwnedItems(ctx, id); err != nil {
		return err
	}

	_, err = us.m.pool().Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", id, err)
	}
	return nil
}

// CheckItemSizeLimits is the pre-persist quota check: the single payload
// must fit max_item_size and the account total must stay under
// max_total_item_size. Zero limits mean unlimited.
func (us *Users) CheckItemSizeLimits(u *User, payloadSize int64) error {
	if u.MaxItemSize > 0 && payloadSize > u.MaxItemSize {
		return fmt.Errorf("%w: item size %d exceeds maximum of %d", db.ErrUnprocessable, payloadSize, u.MaxItemSize)
	}
	if u.MaxTotalItemSize > 0 && u.TotalItemSize+payloadSize > u.MaxTotalItemSize {
		return fmt.Errorf("%w: account size would exceed maximum of %d", db.ErrUnprocessable, u.MaxTotalItemSize)
	}
	return nil
}
