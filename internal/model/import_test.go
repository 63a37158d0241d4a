package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstash/quillstash/internal/storage"
)

func TestImportMovesContentToTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, 1)

	noteID := testID("note")
	saved := env.saveItem(t, user, jopName(noteID), makeNote(noteID, "", "", "n", "b"))
	require.Equal(t, 1, saved.ContentStorageID)

	target := storage.NewMemDriver(3, storage.ModeReadWrite)
	env.models.Loader().Register(target)

	importer := NewContentImporter(env.models, discardLogger())
	require.NoError(t, importer.Run(ctx, ImportOptions{Target: target}))

	after, err := env.models.Items.Load(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, after.ContentStorageID)

	content, err := target.Read(ctx, saved.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, content)

	// A second run finds nothing left to move.
	require.NoError(t, importer.Run(ctx, ImportOptions{Target: target}))
}

func TestImportHonorsIncludePatterns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, 1)

	noteID := testID("note")
	note := env.saveItem(t, user, jopName(noteID), makeNote(noteID, "", "", "n", "b"))
	info := env.saveItem(t, user, "info.json", []byte("{}"))

	target := storage.NewMemDriver(3, storage.ModeReadWrite)
	env.models.Loader().Register(target)

	importer := NewContentImporter(env.models, discardLogger())
	require.NoError(t, importer.Run(ctx, ImportOptions{
		Target:          target,
		IncludePatterns: []string{"*.md"},
	}))

	movedNote, err := env.models.Items.Load(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, movedNote.ContentStorageID)

	kept, err := env.models.Items.Load(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, kept.ContentStorageID)
}
