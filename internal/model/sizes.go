package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

// latestSizeChangeKey is the size-accounting cursor over the change log
const latestSizeChangeKey = "itemSizes.latestProcessedChange"

// SizeUpdater keeps users.total_item_size converged with the items each
// user can reach. Totals are recomputed from scratch per affected user
// rather than adjusted incrementally, so drift cannot accumulate.
type SizeUpdater struct {
	m       *Models
	log     *slog.Logger
	running atomic.Bool
}

// NewSizeUpdater returns a size updater over the given models
func NewSizeUpdater(m *Models, log *slog.Logger) *SizeUpdater {
	return &SizeUpdater{m: m, log: log}
}

// Run processes the change log from the stored cursor and refreshes the
// total for every user a change could have affected. Overlapping calls
// return immediately.
func (s *SizeUpdater) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	// Each total is recomputed at most once per invocation. The recompute
	// reads current state, so a user already handled on an earlier page
	// would get the same value again.
	doneUserIDs := map[string]bool{}

	for {
		cursor, err := s.m.KeyValues.Value(ctx, latestSizeChangeKey)
		if err != nil {
			return err
		}

		page, err := s.m.Changes.NextPage(ctx, cursor, s.m.changePageSize())
		if err != nil {
			return err
		}
		if len(page.Items) == 0 {
			return nil
		}

		userIDs, err := s.affectedUserIDs(ctx, page.Items)
		if err != nil {
			return err
		}

		totals := make(map[string]int64, len(userIDs))
		for _, userID := range userIDs {
			if doneUserIDs[userID] {
				continue
			}
			total, err := s.m.Items.CalculateUserTotalSize(ctx, userID)
			if err != nil {
				return err
			}
			totals[userID] = total
			doneUserIDs[userID] = true
		}

		err = s.m.db.WithTx(ctx, func(tx pgx.Tx) error {
			for userID, total := range totals {
				if err := s.m.Users.SaveTotalSize(ctx, tx, userID, total); err != nil {
					return err
				}
			}
			return s.m.KeyValues.SetValue(ctx, tx, latestSizeChangeKey, page.Cursor)
		})
		if err != nil {
			return err
		}

		s.log.Debug("updated user total sizes",
			slog.Int("users", len(totals)),
			slog.String("cursor", page.Cursor))

		if !page.HasMore {
			return nil
		}
	}
}

// affectedUserIDs collects every user whose total a page of changes could
// move: the change authors plus everyone holding a grant on a changed
// item. Users reached only through since-revoked grants are covered by
// the revoking change's author.
func (s *SizeUpdater) affectedUserIDs(ctx context.Context, changes []*Change) ([]string, error) {
	seen := map[string]bool{}
	var userIDs []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			userIDs = append(userIDs, id)
		}
	}

	var itemIDs []string
	for _, c := range changes {
		add(c.UserID)
		itemIDs = append(itemIDs, c.ItemID)
	}

	granteeIDs, err := s.m.UserItems.UserIDsByItemIDs(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range granteeIDs {
		add(id)
	}
	return userIDs, nil
}

// CalculateUserTotalSize sums the content sizes of every item the user
// holds a grant on
func (its *Items) CalculateUserTotalSize(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := its.m.pool().QueryRow(ctx, `
		SELECT COALESCE(SUM(items.content_size), 0)
		FROM items
		JOIN user_items ON user_items.item_id = items.id
		WHERE user_items.user_id = $1
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate total size for user %s: %w", userID, err)
	}
	return total, nil
}
