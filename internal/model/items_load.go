package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/quillstash/quillstash/internal/db"
	"github.com/quillstash/quillstash/internal/joplin"
	"github.com/quillstash/quillstash/internal/storage"
)

// LoadOptions controls what Load and its variants fetch along with the row
type LoadOptions struct {
	WithContent bool
}

// Load fetches an item by internal id
func (its *Items) Load(ctx context.Context, id string, opts ...LoadOptions) (*Item, error) {
	it, err := its.load(ctx, its.m.pool(), id)
	if err != nil {
		return nil, err
	}
	if withContent(opts) {
		if err := its.attachContent(ctx, it); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (its *Items) load(ctx context.Context, q db.Querier, id string) (*Item, error) {
	row := q.QueryRow(ctx, "SELECT "+itemFields+" FROM items WHERE id = $1", id)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s", db.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	return it, nil
}

func (its *Items) loadByIDs(ctx context.Context, q db.Querier, ids []string) ([]*Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, "SELECT "+itemFields+" FROM items WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	return scanItems(rows)
}

// LoadByName fetches the item a user sees under the given name, or
// db.ErrNotFound
func (its *Items) LoadByName(ctx context.Context, userID, name string, opts ...LoadOptions) (*Item, error) {
	items, err := its.LoadByNames(ctx, []string{userID}, []string{name}, opts...)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: item %s", db.ErrNotFound, name)
	}
	return items[0], nil
}

// LoadByNames fetches the items any of the users see under the given
// names. Missing names are skipped, not errors.
func (its *Items) LoadByNames(ctx context.Context, userIDs, names []string, opts ...LoadOptions) ([]*Item, error) {
	if len(userIDs) == 0 || len(names) == 0 {
		return nil, nil
	}
	rows, err := its.m.pool().Query(ctx, `
		SELECT `+prefixFields("items", itemFields)+`
		FROM items
		JOIN user_items ON user_items.item_id = items.id
		WHERE user_items.user_id = ANY($1) AND items.name = ANY($2)
	`, userIDs, names)
	if err != nil {
		return nil, fmt.Errorf("failed to load items by name: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if withContent(opts) {
		for _, it := range items {
			if err := its.attachContent(ctx, it); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

// LoadByJopID fetches a user-visible item by its entity id
func (its *Items) LoadByJopID(ctx context.Context, userID, jopID string, opts ...LoadOptions) (*Item, error) {
	items, err := its.LoadByJopIDs(ctx, []string{userID}, []string{jopID}, opts...)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: entity %s", db.ErrNotFound, jopID)
	}
	return items[0], nil
}

// LoadByJopIDs fetches the items any of the users see for the given
// entity ids
func (its *Items) LoadByJopIDs(ctx context.Context, userIDs, jopIDs []string, opts ...LoadOptions) ([]*Item, error) {
	if len(userIDs) == 0 || len(jopIDs) == 0 {
		return nil, nil
	}
	rows, err := its.m.pool().Query(ctx, `
		SELECT `+prefixFields("items", itemFields)+`
		FROM items
		JOIN user_items ON user_items.item_id = items.id
		WHERE user_items.user_id = ANY($1) AND items.jop_id = ANY($2)
	`, userIDs, jopIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load items by entity id: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if withContent(opts) {
		for _, it := range items {
			if err := its.attachContent(ctx, it); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

// Children lists the items visible to a user, optionally restricted to a
// path prefix. A trailing "/*" matches a subtree; any other pathQuery is
// an exact name match.
func (its *Items) Children(ctx context.Context, userID, pathQuery string, page Pagination) (*PaginatedItems, error) {
	page = page.withDefaults()

	where := "user_items.user_id = $1"
	args := []any{userID}
	if pathQuery != "" {
		if strings.HasSuffix(pathQuery, "/*") {
			where += " AND items.name LIKE $2"
			args = append(args, strings.TrimSuffix(pathQuery, "*")+"%")
		} else {
			where += " AND items.name = $2"
			args = append(args, pathQuery)
		}
	}

	var total int
	err := its.m.pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM items
		JOIN user_items ON user_items.item_id = items.id
		WHERE `+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	offset := page.Offset
	rows, err := its.m.pool().Query(ctx, fmt.Sprintf(`
		SELECT %s FROM items
		JOIN user_items ON user_items.item_id = items.id
		WHERE %s
		ORDER BY items.name
		LIMIT %d OFFSET %d
	`, prefixFields("items", itemFields), where, page.Limit, offset), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	return &PaginatedItems{
		Items:   items,
		Total:   total,
		HasMore: offset+len(items) < total,
	}, nil
}

// SharedFolderChildrenItems walks a shared folder and returns everything
// that belongs in the share: subfolders and notes recursively, plus the
// resource metadata items and resource blobs linked from those notes.
func (its *Items) SharedFolderChildrenItems(ctx context.Context, shareUserIDs []string, folderID string) ([]*Item, error) {
	if len(shareUserIDs) == 0 {
		return nil, fmt.Errorf("shareUserIDs is required")
	}
	if folderID == "" {
		return nil, fmt.Errorf("folderID is required")
	}

	var output []*Item
	parentIDs := []string{folderID}
	for len(parentIDs) > 0 {
		rows, err := its.m.pool().Query(ctx, `
			SELECT DISTINCT `+prefixFields("items", itemFields)+`
			FROM items
			JOIN user_items ON user_items.item_id = items.id
			WHERE user_items.user_id = ANY($1)
			  AND items.jop_parent_id = ANY($2)
			  AND items.jop_type = ANY($3)
		`, shareUserIDs, parentIDs, []int{int(joplin.TypeNote), int(joplin.TypeFolder)})
		if err != nil {
			return nil, fmt.Errorf("failed to list folder children: %w", err)
		}
		children, err := scanItems(rows)
		if err != nil {
			return nil, err
		}

		parentIDs = nil
		var noteItemIDs []string
		for _, child := range children {
			output = append(output, child)
			if child.JopType == int(joplin.TypeFolder) {
				parentIDs = append(parentIDs, child.JopID)
			}
			if child.JopType == int(joplin.TypeNote) {
				noteItemIDs = append(noteItemIDs, child.ID)
			}
		}

		resourceItems, err := its.noteResourceItems(ctx, shareUserIDs, noteItemIDs)
		if err != nil {
			return nil, err
		}
		output = append(output, resourceItems...)
	}

	return output, nil
}

// noteResourceItems resolves the resource metadata items and resource
// blob items linked from the given notes
func (its *Items) noteResourceItems(ctx context.Context, userIDs, noteItemIDs []string) ([]*Item, error) {
	if len(noteItemIDs) == 0 {
		return nil, nil
	}

	byItem, err := its.m.ItemResources.ByItemIDs(ctx, noteItemIDs)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var resourceIDs []string
	for _, ids := range byItem {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				resourceIDs = append(resourceIDs, id)
			}
		}
	}
	if len(resourceIDs) == 0 {
		return nil, nil
	}

	metaItems, err := its.LoadByJopIDs(ctx, userIDs, resourceIDs)
	if err != nil {
		return nil, err
	}

	blobNames := make([]string, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		blobNames = append(blobNames, joplin.ResourceBlobPath(id))
	}
	blobItems, err := its.LoadByNames(ctx, userIDs, blobNames)
	if err != nil {
		return nil, err
	}

	return append(metaItems, blobItems...), nil
}

// ExclusivelyOwnedItemIDs returns the ids of items for which the user
// holds the only grant
func (its *Items) ExclusivelyOwnedItemIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := its.m.pool().Query(ctx, `
		SELECT item_id FROM user_items
		WHERE item_id IN (SELECT item_id FROM user_items WHERE user_id = $1)
		GROUP BY item_id
		HAVING COUNT(*) = 1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exclusively owned items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// attachContent reads the item's blob into it.Content, consulting the
// fallback driver when the primary does not hold it
func (its *Items) attachContent(ctx context.Context, it *Item) error {
	content, err := its.storageRead(ctx, it.ID)
	if err != nil {
		return err
	}
	it.Content = content
	return nil
}

func (its *Items) storageRead(ctx context.Context, itemID string) ([]byte, error) {
	content, err := its.m.driver.Read(ctx, itemID)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if its.m.driverFallback == nil {
		return nil, err
	}
	return its.m.driverFallback.Read(ctx, itemID)
}

// storageWrite writes a blob to the primary driver, then mirrors or
// placeholds on the fallback depending on its mode. A read-only fallback
// gets an empty write so stale fallback copies stop shadowing the primary.
func (its *Items) storageWrite(ctx context.Context, itemID string, content []byte) error {
	if err := its.m.driver.Write(ctx, itemID, content); err != nil {
		return err
	}
	fallback := its.m.driverFallback
	if fallback == nil {
		return nil
	}
	switch fallback.Mode() {
	case storage.ModeReadWrite:
		return fallback.Write(ctx, itemID, content)
	case storage.ModeReadOnly:
		return fallback.Write(ctx, itemID, []byte{})
	}
	return nil
}

func withContent(opts []LoadOptions) bool {
	for _, o := range opts {
		if o.WithContent {
			return true
		}
	}
	return false
}

// prefixFields qualifies a comma-separated column list with a table name
// so it can be used in joined queries
func prefixFields(table, fields string) string {
	parts := strings.Split(fields, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
