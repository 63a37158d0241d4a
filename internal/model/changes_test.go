package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeLogPaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, 1)

	for _, label := range []string{"a", "b", "c", "d", "e"} {
		id := testID(label)
		env.saveItem(t, user, jopName(id), makeNote(id, "", "", label, "body"))
	}

	page1, err := env.models.Changes.NextPage(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, page1.Items, 2)
	assert.True(t, page1.HasMore)
	assert.NotEmpty(t, page1.Cursor)

	page2, err := env.models.Changes.NextPage(ctx, page1.Cursor, 2)
	require.NoError(t, err)
	assert.Len(t, page2.Items, 2)
	assert.True(t, page2.HasMore)
	assert.NotEqual(t, page1.Cursor, page2.Cursor)

	page3, err := env.models.Changes.NextPage(ctx, page2.Cursor, 2)
	require.NoError(t, err)
	assert.Len(t, page3.Items, 1)
	assert.False(t, page3.HasMore)

	// Ordering is append order, with no overlap between pages.
	seen := map[int64]bool{}
	var last int64
	for _, c := range append(append(page1.Items, page2.Items...), page3.Items...) {
		assert.False(t, seen[c.Counter])
		seen[c.Counter] = true
		assert.Greater(t, c.Counter, last)
		last = c.Counter
	}

	// An empty page keeps the cursor where it was.
	page4, err := env.models.Changes.NextPage(ctx, page3.Cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page4.Items)
	assert.Equal(t, page3.Cursor, page4.Cursor)
}

func TestInvalidCursorRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.models.Changes.NextPage(context.Background(), "not-a-cursor", 10)
	assert.Error(t, err)
}
