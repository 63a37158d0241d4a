package model

import (
	"context"
	"fmt"

	"github.com/quillstash/quillstash/internal/db"
)

// ItemResources tracks which resources a note's body links to. The rows
// are rebuilt on every note save and feed shared-folder listings and the
// previous-item snapshots on the change log.
type ItemResources struct {
	m *Models
}

// DeleteByItemID removes all link rows for a note item within q
func (ir *ItemResources) DeleteByItemID(ctx context.Context, q db.Querier, itemID string) error {
	_, err := q.Exec(ctx, "DELETE FROM item_resources WHERE item_id = $1", itemID)
	if err != nil {
		return fmt.Errorf("failed to delete resource links for item %s: %w", itemID, err)
	}
	return nil
}

// DeleteByItemIDs removes all link rows for the given items within q
func (ir *ItemResources) DeleteByItemIDs(ctx context.Context, q db.Querier, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, "DELETE FROM item_resources WHERE item_id = ANY($1)", itemIDs)
	if err != nil {
		return fmt.Errorf("failed to delete resource links: %w", err)
	}
	return nil
}

// AddResourceIDs records the resources linked from a note item within q
func (ir *ItemResources) AddResourceIDs(ctx context.Context, q db.Querier, itemID string, resourceIDs []string) error {
	for _, resourceID := range resourceIDs {
		_, err := q.Exec(ctx, `
			INSERT INTO item_resources (item_id, resource_id)
			VALUES ($1, $2)
			ON CONFLICT (item_id, resource_id) DO NOTHING
		`, itemID, resourceID)
		if err != nil {
			return fmt.Errorf("failed to add resource link (%s, %s): %w", itemID, resourceID, err)
		}
	}
	return nil
}

// ByItemID returns the resource ids linked from one note item
func (ir *ItemResources) ByItemID(ctx context.Context, itemID string) ([]string, error) {
	byItem, err := ir.ByItemIDs(ctx, []string{itemID})
	if err != nil {
		return nil, err
	}
	return byItem[itemID], nil
}

// ByItemIDs returns the linked resource ids for each of the given items
func (ir *ItemResources) ByItemIDs(ctx context.Context, itemIDs []string) (map[string][]string, error) {
	output := make(map[string][]string)
	if len(itemIDs) == 0 {
		return output, nil
	}

	rows, err := ir.m.pool().Query(ctx,
		"SELECT item_id, resource_id FROM item_resources WHERE item_id = ANY($1) ORDER BY id", itemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var itemID, resourceID string
		if err := rows.Scan(&itemID, &resourceID); err != nil {
			return nil, err
		}
		output[itemID] = append(output[itemID], resourceID)
	}
	return output, rows.Err()
}
