package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstash/quillstash/internal/db"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shareSetup creates an owner with a shared root folder and one accepted
// member
type shareSetup struct {
	env      *testEnv
	owner    *User
	member   *User
	share    *Share
	folderID string
}

func newShareSetup(t *testing.T, env *testEnv, ownerN, memberN int, folderLabel string) *shareSetup {
	t.Helper()
	ctx := context.Background()

	s := &shareSetup{
		env:      env,
		owner:    env.createUser(t, ownerN),
		member:   env.createUser(t, memberN),
		folderID: testID(folderLabel),
	}

	env.saveItem(t, s.owner, jopName(s.folderID), makeFolder(s.folderID, "", "", folderLabel))

	share, err := env.models.Shares.ShareFolder(ctx, s.owner, s.folderID)
	require.NoError(t, err)
	s.share = share

	// The client re-uploads the folder with the share id applied.
	env.saveItem(t, s.owner, jopName(s.folderID), makeFolder(s.folderID, "", share.ID, folderLabel))

	su, err := env.models.ShareUsers.AddByEmail(ctx, share, s.member.Email)
	require.NoError(t, err)
	require.NoError(t, env.models.ShareUsers.Accept(ctx, su.ID))

	return s
}

func (s *shareSetup) propagate(t *testing.T) {
	t.Helper()
	require.NoError(t, NewPropagator(s.env.models, discardLogger()).Run(context.Background()))
}

func TestShareFolderValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, 1)

	rootID := testID("root")
	childID := testID("child")
	noteID := testID("note")
	env.saveItem(t, owner, jopName(rootID), makeFolder(rootID, "", "", "root"))
	env.saveItem(t, owner, jopName(childID), makeFolder(childID, rootID, "", "child"))
	env.saveItem(t, owner, jopName(noteID), makeNote(noteID, rootID, "", "n", "b"))

	_, err := env.models.Shares.ShareFolder(ctx, owner, childID)
	assert.True(t, errors.Is(err, db.ErrUnprocessable))

	_, err = env.models.Shares.ShareFolder(ctx, owner, noteID)
	assert.True(t, errors.Is(err, db.ErrUnprocessable))

	// Sharing the same folder twice returns the same share.
	first, err := env.models.Shares.ShareFolder(ctx, owner, rootID)
	require.NoError(t, err)
	second, err := env.models.Shares.ShareFolder(ctx, owner, rootID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestShareNoteIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, 1)

	noteID := testID("note")
	env.saveItem(t, owner, jopName(noteID), makeNote(noteID, "", "", "n", "b"))

	first, err := env.models.Shares.ShareNote(ctx, owner, noteID)
	require.NoError(t, err)
	second, err := env.models.Shares.ShareNote(ctx, owner, noteID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, ShareTypeNote, first.Type)
}

func TestShareUserStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, 1)
	member := env.createUser(t, 2)

	folderID := testID("folder")
	env.saveItem(t, owner, jopName(folderID), makeFolder(folderID, "", "", "f"))
	share, err := env.models.Shares.ShareFolder(ctx, owner, folderID)
	require.NoError(t, err)

	// The owner cannot invite themselves, a member cannot be invited twice.
	_, err = env.models.ShareUsers.AddByEmail(ctx, share, owner.Email)
	assert.True(t, errors.Is(err, db.ErrUnprocessable))

	su, err := env.models.ShareUsers.AddByEmail(ctx, share, member.Email)
	require.NoError(t, err)
	_, err = env.models.ShareUsers.AddByEmail(ctx, share, member.Email)
	assert.True(t, errors.Is(err, db.ErrUnprocessable))

	// Answered invitations are final.
	require.NoError(t, env.models.ShareUsers.Accept(ctx, su.ID))
	assert.True(t, errors.Is(env.models.ShareUsers.Reject(ctx, su.ID), db.ErrUnprocessable))
	assert.True(t, errors.Is(env.models.ShareUsers.Accept(ctx, su.ID), db.ErrUnprocessable))
}

func TestAcceptGrantsExistingShareItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, 1)
	member := env.createUser(t, 2)

	folderID := testID("folder")
	env.saveItem(t, owner, jopName(folderID), makeFolder(folderID, "", "", "f"))
	share, err := env.models.Shares.ShareFolder(ctx, owner, folderID)
	require.NoError(t, err)

	env.saveItem(t, owner, jopName(folderID), makeFolder(folderID, "", share.ID, "f"))
	noteID := testID("note")
	note := env.saveItem(t, owner, jopName(noteID), makeNote(noteID, folderID, share.ID, "n", "b"))

	su, err := env.models.ShareUsers.Add(ctx, share, member.ID)
	require.NoError(t, err)
	require.NoError(t, env.models.ShareUsers.Accept(ctx, su.ID))

	has, err := env.models.UserItems.UserHasItem(ctx, member.ID, note.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPropagationGrantsNewShareItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newShareSetup(t, env, 1, 2, "folder1")

	noteID := testID("note")
	note := env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, s.folderID, s.share.ID, "n", "b"))

	has, err := env.models.UserItems.UserHasItem(ctx, s.member.ID, note.ID)
	require.NoError(t, err)
	assert.False(t, has)

	s.propagate(t)

	has, err = env.models.UserItems.UserHasItem(ctx, s.member.ID, note.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPropagationMoveBetweenShares(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s1 := newShareSetup(t, env, 1, 2, "folder1")
	s2 := newShareSetup(t, env, 3, 4, "folder2")

	noteID := testID("note")
	note := env.saveItem(t, s1.owner, jopName(noteID), makeNote(noteID, s1.folderID, s1.share.ID, "n", "b"))
	s1.propagate(t)

	// Move the note from the first shared folder to the second.
	env.saveItem(t, s1.owner, jopName(noteID), makeNote(noteID, s2.folderID, s2.share.ID, "n", "b"))
	s1.propagate(t)

	has, err := env.models.UserItems.UserHasItem(ctx, s1.member.ID, note.ID)
	require.NoError(t, err)
	assert.False(t, has)

	has, err = env.models.UserItems.UserHasItem(ctx, s2.member.ID, note.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPropagationMoveOutOfShare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newShareSetup(t, env, 1, 2, "folder1")

	noteID := testID("note")
	note := env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, s.folderID, s.share.ID, "n", "b"))
	s.propagate(t)

	// An unshared sibling folder appears; the member sees nothing of it.
	otherID := testID("folder2")
	other := env.saveItem(t, s.owner, jopName(otherID), makeFolder(otherID, "", "", "f2"))
	s.propagate(t)

	has, err := env.models.UserItems.UserHasItem(ctx, s.member.ID, other.ID)
	require.NoError(t, err)
	assert.False(t, has)

	// Moving the note into it revokes the member's access to the note but
	// not to the still-shared folder.
	env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, otherID, "", "n", "b"))
	s.propagate(t)

	has, err = env.models.UserItems.UserHasItem(ctx, s.member.ID, note.ID)
	require.NoError(t, err)
	assert.False(t, has)

	folder, err := env.models.Items.LoadByName(ctx, s.member.ID, jopName(s.folderID))
	require.NoError(t, err)
	assert.Equal(t, s.share.ID, folder.JopShareID)
}

func TestPropagationReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newShareSetup(t, env, 1, 2, "folder1")

	noteID := testID("note")
	note := env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, s.folderID, s.share.ID, "n", "b"))
	s.propagate(t)

	before, err := env.models.Items.Load(ctx, note.ID)
	require.NoError(t, err)
	grantBefore := memberGrant(t, env, s.member.ID, note.ID)

	// Replay the whole log from the start. Grants must converge to the
	// same state; neither the item row nor the existing grant may be
	// touched.
	require.NoError(t, env.models.KeyValues.SetValue(ctx, env.models.db.Pool, latestProcessedChangeKey, "0"))
	s.propagate(t)

	after, err := env.models.Items.Load(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedTime, after.UpdatedTime)

	grantAfter := memberGrant(t, env, s.member.ID, note.ID)
	assert.Equal(t, grantBefore.ID, grantAfter.ID)
	assert.Equal(t, grantBefore.UpdatedTime, grantAfter.UpdatedTime)
}

// memberGrant fetches the user_items row for one (user, item) pair
func memberGrant(t *testing.T, env *testEnv, userID, itemID string) *UserItem {
	t.Helper()
	grants, err := env.models.UserItems.ByItemID(context.Background(), itemID)
	require.NoError(t, err)
	for _, g := range grants {
		if g.UserID == userID {
			return g
		}
	}
	t.Fatalf("no grant for user %s on item %s", userID, itemID)
	return nil
}

func TestPropagationGrantsNoteResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newShareSetup(t, env, 1, 2, "folder1")

	resourceID := testID("resource")
	blob := env.saveItem(t, s.owner, ".resource/"+resourceID, []byte("image bytes"))

	noteID := testID("note")
	body := "see [pic](:/" + resourceID + ")"
	env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, s.folderID, s.share.ID, "n", body))

	s.propagate(t)

	has, err := env.models.UserItems.UserHasItem(ctx, s.member.ID, blob.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSharedFolderChildrenItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newShareSetup(t, env, 1, 2, "folder1")

	// A subfolder with a note in it, and a resource linked from the note.
	subID := testID("sub")
	env.saveItem(t, s.owner, jopName(subID), makeFolder(subID, s.folderID, s.share.ID, "sub"))

	resourceID := testID("resource")
	env.saveItem(t, s.owner, jopName(resourceID), makeResource(resourceID, s.share.ID, "pic"))
	env.saveItem(t, s.owner, ".resource/"+resourceID, []byte("image bytes"))

	noteID := testID("note")
	body := "![pic](:/" + resourceID + ")"
	env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, subID, s.share.ID, "n", body))

	s.propagate(t)

	userIDs, err := env.models.Shares.AllShareUserIDs(ctx, s.share)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{s.owner.ID, s.member.ID}, userIDs)

	listingNames := func() []string {
		items, err := env.models.Items.SharedFolderChildrenItems(ctx, userIDs, s.folderID)
		require.NoError(t, err)
		names := make([]string, 0, len(items))
		for _, it := range items {
			names = append(names, it.Name)
		}
		return names
	}

	// The recursive listing carries the subtree plus the note's resource
	// metadata and blob.
	assert.ElementsMatch(t, []string{
		jopName(subID),
		jopName(noteID),
		jopName(resourceID),
		".resource/" + resourceID,
	}, listingNames())

	// Moving the note to an unshared folder drops it and its resources
	// from the listing; the subfolder stays.
	otherID := testID("folder2")
	env.saveItem(t, s.owner, jopName(otherID), makeFolder(otherID, "", "", "f2"))
	env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, otherID, "", "n", body))
	s.propagate(t)

	assert.ElementsMatch(t, []string{jopName(subID)}, listingNames())
}

func TestShareDeleteRevokesMemberAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newShareSetup(t, env, 1, 2, "folder1")

	noteID := testID("note")
	note := env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, s.folderID, s.share.ID, "n", "b"))
	s.propagate(t)

	require.NoError(t, env.models.Shares.Delete(ctx, s.share.ID))

	has, err := env.models.UserItems.UserHasItem(ctx, s.member.ID, note.ID)
	require.NoError(t, err)
	assert.False(t, has)

	// The owner keeps the items.
	has, err = env.models.UserItems.UserHasItem(ctx, s.owner.ID, note.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestDeleteForUserLeavesShare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newShareSetup(t, env, 1, 2, "folder1")

	noteID := testID("note")
	note := env.saveItem(t, s.owner, jopName(noteID), makeNote(noteID, s.folderID, s.share.ID, "n", "b"))
	s.propagate(t)

	folder, err := env.models.Items.LoadByName(ctx, s.member.ID, jopName(s.folderID))
	require.NoError(t, err)
	require.NoError(t, env.models.Items.DeleteForUser(ctx, s.member.ID, folder))

	// The member lost the share and its items, the owner lost nothing.
	has, err := env.models.UserItems.UserHasItem(ctx, s.member.ID, note.ID)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = env.models.Items.Load(ctx, folder.ID)
	assert.NoError(t, err)

	su, err := env.models.ShareUsers.ByShareAndUserID(ctx, s.share.ID, s.member.ID)
	require.NoError(t, err)
	assert.Nil(t, su)
}
