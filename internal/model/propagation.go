package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	"github.com/quillstash/quillstash/internal/joplin"
)

// latestProcessedChangeKey is the propagation cursor: the counter of the
// last change whose share consequences have been applied
const latestProcessedChangeKey = "share.latestProcessedChange"

// Propagator replays the change log and keeps grants consistent with
// share membership. Clients never write grants for other users; every
// cross-user effect of a mutation flows through here.
type Propagator struct {
	m       *Models
	log     *slog.Logger
	running atomic.Bool
}

// NewPropagator returns a propagator over the given models
func NewPropagator(m *Models, log *slog.Logger) *Propagator {
	return &Propagator{m: m, log: log}
}

// Run processes the change log from the stored cursor to the head. Safe
// to call from a ticker: overlapping calls return immediately.
func (p *Propagator) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	defer p.running.Store(false)

	for {
		cursor, err := p.m.KeyValues.Value(ctx, latestProcessedChangeKey)
		if err != nil {
			return err
		}

		page, err := p.m.Changes.NextPage(ctx, cursor, p.m.changePageSize())
		if err != nil {
			return err
		}
		if len(page.Items) == 0 {
			return nil
		}

		if err := p.processPage(ctx, page); err != nil {
			return err
		}

		p.log.Debug("processed change page",
			slog.Int("changes", len(page.Items)),
			slog.String("cursor", page.Cursor))

		if !page.HasMore {
			return nil
		}
	}
}

// processPage applies the share consequences of one page of changes and
// advances the cursor in the same transaction, so a crash between pages
// never skips or double-applies a change.
func (p *Propagator) processPage(ctx context.Context, page *ChangePage) error {
	items, prevSnapshots, shares, err := p.resolve(ctx, page.Items)
	if err != nil {
		return err
	}

	return p.m.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, change := range page.Items {
			switch change.Type {
			case ChangeTypeCreate:
				err = p.handleCreated(ctx, tx, change, items[change.ItemID], shares)
			case ChangeTypeUpdate:
				err = p.handleUpdated(ctx, tx, change, items[change.ItemID], prevSnapshots[change.Counter], shares)
			case ChangeTypeDelete:
				// grants died with the item rows
			}
			if err != nil {
				return fmt.Errorf("change %d (item %s): %w", change.Counter, change.ItemID, err)
			}
		}
		return p.m.KeyValues.SetValue(ctx, tx, latestProcessedChangeKey, page.Cursor)
	})
}

// resolve bulk-loads everything a page needs: the changed items, the
// decoded previous-item snapshots, and every share referenced before or
// after each change
func (p *Propagator) resolve(ctx context.Context, changes []*Change) (map[string]*Item, map[int64]*PreviousItem, map[string]*Share, error) {
	var itemIDs []string
	for _, c := range changes {
		if c.Type != ChangeTypeDelete {
			itemIDs = append(itemIDs, c.ItemID)
		}
	}
	loaded, err := p.m.Items.loadByIDs(ctx, p.m.pool(), itemIDs)
	if err != nil {
		return nil, nil, nil, err
	}
	items := make(map[string]*Item, len(loaded))
	for _, it := range loaded {
		items[it.ID] = it
	}

	prevSnapshots := map[int64]*PreviousItem{}
	shareIDSet := map[string]bool{}
	for _, c := range changes {
		if it := items[c.ItemID]; it != nil && it.JopShareID != "" {
			shareIDSet[it.JopShareID] = true
		}
		if c.Type != ChangeTypeUpdate {
			continue
		}
		prev, err := UnserializePreviousItem(c.PreviousItem)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("change %d: %w", c.Counter, err)
		}
		prevSnapshots[c.Counter] = prev
		if prev != nil && prev.JopShareID != "" {
			shareIDSet[prev.JopShareID] = true
		}
	}

	shareIDs := make([]string, 0, len(shareIDSet))
	for id := range shareIDSet {
		shareIDs = append(shareIDs, id)
	}
	shares, err := p.m.Shares.loadByIDs(ctx, shareIDs)
	if err != nil {
		return nil, nil, nil, err
	}

	return items, prevSnapshots, shares, nil
}

func (p *Propagator) handleCreated(ctx context.Context, tx pgx.Tx, change *Change, item *Item, shares map[string]*Share) error {
	// item already deleted, or not in a share
	if item == nil || item.JopShareID == "" {
		return nil
	}
	share := shares[item.JopShareID]
	if share == nil {
		return nil
	}
	return p.grantToShareUsers(ctx, tx, share, item, change.UserID)
}

func (p *Propagator) handleUpdated(ctx context.Context, tx pgx.Tx, change *Change, item *Item, prev *PreviousItem, shares map[string]*Share) error {
	if item == nil {
		return nil
	}

	previousShareID := ""
	if prev != nil {
		previousShareID = prev.JopShareID
	}
	if previousShareID == item.JopShareID {
		return nil
	}

	if previousShareID != "" {
		if share := shares[previousShareID]; share != nil {
			if err := p.revokeFromShareUsers(ctx, tx, share, item, change.UserID); err != nil {
				return err
			}
		}
	}
	if item.JopShareID != "" {
		if share := shares[item.JopShareID]; share != nil {
			if err := p.grantToShareUsers(ctx, tx, share, item, change.UserID); err != nil {
				return err
			}
		}
	}
	return nil
}

// grantToShareUsers adds grants on the item for every accepted member of
// the share, skipping the user who made the change. For notes the linked
// resource blobs come along.
func (p *Propagator) grantToShareUsers(ctx context.Context, tx pgx.Tx, share *Share, item *Item, changeUserID string) error {
	userIDs, err := p.m.Shares.AllShareUserIDs(ctx, share)
	if err != nil {
		return err
	}

	items := []*Item{item}
	if item.JopType == int(joplin.TypeNote) {
		blobItems, err := p.m.Items.noteResourceItems(ctx, []string{share.OwnerID}, []string{item.ID})
		if err != nil {
			return err
		}
		items = append(items, blobItems...)
	}

	for _, userID := range userIDs {
		if userID == changeUserID {
			continue
		}
		for _, it := range items {
			if err := p.m.UserItems.Add(ctx, tx, userID, it.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Propagator) revokeFromShareUsers(ctx context.Context, tx pgx.Tx, share *Share, item *Item, changeUserID string) error {
	userIDs, err := p.m.Shares.AllShareUserIDs(ctx, share)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if userID == changeUserID {
			continue
		}
		if err := p.m.UserItems.Remove(ctx, tx, userID, item.ID); err != nil {
			return err
		}
	}
	return nil
}
