package model

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/quillstash/quillstash/internal/db"
)

// Changes is the append-only change log. Rows are only ever inserted; the
// log is consumed through NextPage with an opaque cursor, so the backing
// pagination can change without touching consumers.
type Changes struct {
	m *Models
}

// ChangePage is one page of the log. Cursor always advances to the end of
// the page (or stays put on an empty page) and can be persisted as-is.
type ChangePage struct {
	Items   []*Change
	Cursor  string
	HasMore bool
}

// Save appends a change row within q
func (cs *Changes) Save(ctx context.Context, q db.Querier, c *Change) (*Change, error) {
	c.ID = uuid.NewString()
	c.CreatedTime = nowMilli()

	err := q.QueryRow(ctx, `
		INSERT INTO changes (id, item_id, item_name, type, previous_item, user_id, created_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING counter
	`, c.ID, c.ItemID, c.ItemName, int(c.Type), c.PreviousItem, c.UserID, c.CreatedTime).Scan(&c.Counter)
	if err != nil {
		return nil, fmt.Errorf("failed to save change: %w", err)
	}
	return c, nil
}

// NextPage returns up to limit changes after the cursor. An empty cursor
// starts from the beginning of the log.
func (cs *Changes) NextPage(ctx context.Context, cursor string, limit int) (*ChangePage, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = cs.m.changePageSize()
	}

	// Fetch one extra row to detect whether more pages remain.
	rows, err := cs.m.pool().Query(ctx, `
		SELECT counter, id, item_id, item_name, type, previous_item, user_id, created_time
		FROM changes
		WHERE counter > $1
		ORDER BY counter
		LIMIT $2
	`, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to load change page: %w", err)
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		c := &Change{}
		var typ int
		if err := rows.Scan(&c.Counter, &c.ID, &c.ItemID, &c.ItemName, &typ, &c.PreviousItem, &c.UserID, &c.CreatedTime); err != nil {
			return nil, err
		}
		c.Type = ChangeType(typ)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &ChangePage{Cursor: cursor}
	if len(changes) > limit {
		page.HasMore = true
		changes = changes[:limit]
	}
	page.Items = changes
	if len(changes) > 0 {
		page.Cursor = strconv.FormatInt(changes[len(changes)-1].Counter, 10)
	}

	return page, nil
}

// ByItemID returns all change rows for one item, oldest first
func (cs *Changes) ByItemID(ctx context.Context, itemID string) ([]*Change, error) {
	rows, err := cs.m.pool().Query(ctx, `
		SELECT counter, id, item_id, item_name, type, previous_item, user_id, created_time
		FROM changes WHERE item_id = $1 ORDER BY counter
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load changes for item %s: %w", itemID, err)
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		c := &Change{}
		var typ int
		if err := rows.Scan(&c.Counter, &c.ID, &c.ItemID, &c.ItemName, &typ, &c.PreviousItem, &c.UserID, &c.CreatedTime); err != nil {
			return nil, err
		}
		c.Type = ChangeType(typ)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid change cursor %q: %w", cursor, err)
	}
	return after, nil
}
