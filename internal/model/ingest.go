package model

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quillstash/quillstash/internal/db"
	"github.com/quillstash/quillstash/internal/joplin"
)

// RawContentItem is one named payload submitted by a sync client
type RawContentItem struct {
	Name string
	Body []byte
}

// RawContentResult holds the outcome for one submitted name: the saved
// item, or the error that rejected it
type RawContentResult struct {
	Item  *Item
	Error error
}

// SaveFromRawContent ingests a batch of client payloads. Names matching
// the serialized entity format are parsed and their jop_* columns
// populated; anything else is stored opaquely. Failures are isolated per
// item: one bad payload poisons neither the batch nor the surrounding
// transaction.
func (its *Items) SaveFromRawContent(ctx context.Context, user *User, rawItems []RawContentItem) (map[string]*RawContentResult, error) {
	names := make([]string, 0, len(rawItems))
	for _, raw := range rawItems {
		names = append(names, raw.Name)
	}
	existingItems, err := its.LoadByNames(ctx, []string{user.ID}, names)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]*Item, len(existingItems))
	for _, it := range existingItems {
		existing[it.Name] = it
	}

	results := make(map[string]*RawContentResult, len(rawItems))

	type pending struct {
		raw         RawContentItem
		item        *Item
		resourceIDs []string
		isNote      bool
	}
	var toSave []pending

	for _, raw := range rawItems {
		item, resourceIDs, isNote, err := its.makeItemFromContent(raw)
		if err != nil {
			results[raw.Name] = &RawContentResult{Error: err}
			continue
		}
		if prev, ok := existing[raw.Name]; ok {
			item.ID = prev.ID
			item.OwnerID = prev.OwnerID
		}
		if err := its.m.Users.CheckItemSizeLimits(user, int64(len(raw.Body))); err != nil {
			results[raw.Name] = &RawContentResult{Error: err}
			continue
		}
		toSave = append(toSave, pending{raw: raw, item: item, resourceIDs: resourceIDs, isNote: isNote})
	}

	err = its.m.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, p := range toSave {
			p := p
			var saved *Item
			err := db.WithSavepoint(ctx, tx, func(sp pgx.Tx) error {
				var err error
				saved, err = its.saveForUserTx(ctx, sp, user.ID, p.item)
				if err != nil {
					return err
				}
				if p.isNote {
					if err := its.m.ItemResources.DeleteByItemID(ctx, sp, saved.ID); err != nil {
						return err
					}
					if err := its.m.ItemResources.AddResourceIDs(ctx, sp, saved.ID, p.resourceIDs); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				results[p.raw.Name] = &RawContentResult{Error: err}
				continue
			}
			results[p.raw.Name] = &RawContentResult{Item: saved}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// makeItemFromContent builds the row for one payload. Serialized entities
// get their jop_* columns from the parsed content; for notes the linked
// resource ids are extracted for the item_resources table.
func (its *Items) makeItemFromContent(raw RawContentItem) (item *Item, resourceIDs []string, isNote bool, err error) {
	item = &Item{
		Name:    raw.Name,
		Content: raw.Body,
	}

	if !joplin.IsItemName(raw.Name) {
		return item, nil, false, nil
	}

	jop, err := joplin.Unserialize(raw.Body)
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: cannot parse %s: %v", db.ErrUnprocessable, raw.Name, err)
	}
	if jop.ID != joplin.EntityIDFromName(raw.Name) {
		return nil, nil, false, fmt.Errorf("%w: embedded id %q does not match name %s", db.ErrUnprocessable, jop.ID, raw.Name)
	}

	item.JopID = jop.ID
	item.JopParentID = jop.ParentID
	item.JopShareID = jop.ShareID
	item.JopType = int(jop.Type)
	item.JopEncryptionApplied = jop.EncryptionApplied
	item.JopUpdatedTime = jop.UpdatedTime

	if jop.Type == joplin.TypeNote {
		return item, joplin.LinkedResourceIDs(jop.Body), true, nil
	}
	return item, nil, false, nil
}
