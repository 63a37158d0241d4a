package model

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillstash/quillstash/internal/config"
	"github.com/quillstash/quillstash/internal/db"
	"github.com/quillstash/quillstash/internal/joplin"
	"github.com/quillstash/quillstash/internal/storage"
)

// Model tests need a real Postgres. Point QUILLSTASH_TEST_DATABASE_URL at
// a scratch database to run them; they are skipped otherwise.
const testDatabaseURLEnv = "QUILLSTASH_TEST_DATABASE_URL"

var (
	testDBOnce sync.Once
	testDB     *db.DB
	testDBErr  error
)

type testEnv struct {
	models   *Models
	driver   *storage.MemDriver
	fallback *storage.MemDriver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	url := os.Getenv(testDatabaseURLEnv)
	if url == "" {
		t.Skipf("set %s to run database tests", testDatabaseURLEnv)
	}

	ctx := context.Background()
	testDBOnce.Do(func() {
		testDB, testDBErr = db.NewFromURL(ctx, url)
		if testDBErr != nil {
			return
		}
		testDBErr = testDB.RunMigrations(ctx, "../../migrations")
	})
	require.NoError(t, testDBErr)

	_, err := testDB.Pool.Exec(ctx, `
		TRUNCATE users, items, user_items, changes, shares, share_users, item_resources, key_value, item_contents
	`)
	require.NoError(t, err)

	driver := storage.NewMemDriver(1, storage.ModeReadWrite)
	jobs := config.JobsConfig{ChangePageSize: 5}
	return &testEnv{
		models: NewWithDrivers(testDB, jobs, driver, nil),
		driver: driver,
	}
}

func (e *testEnv) withFallback(t *testing.T, mode storage.Mode) *testEnv {
	t.Helper()
	e.fallback = storage.NewMemDriver(2, mode)
	e.models = NewWithDrivers(e.models.db, e.models.jobs, e.driver, e.fallback)
	return e
}

func (e *testEnv) createUser(t *testing.T, n int) *User {
	t.Helper()
	u, err := e.models.Users.Save(context.Background(), &User{
		Email:    fmt.Sprintf("user%d@example.com", n),
		FullName: fmt.Sprintf("User %d", n),
	})
	require.NoError(t, err)
	return u
}

// makeFolder builds the serialized form of a folder entity
func makeFolder(id, parentID, shareID, title string) []byte {
	return (&joplin.Item{
		ID:       id,
		ParentID: parentID,
		ShareID:  shareID,
		Type:     joplin.TypeFolder,
		Title:    title,
	}).Serialize()
}

// makeResource builds the serialized form of a resource metadata entity
func makeResource(id, shareID, title string) []byte {
	return (&joplin.Item{
		ID:      id,
		ShareID: shareID,
		Type:    joplin.TypeResource,
		Title:   title,
	}).Serialize()
}

// makeNote builds the serialized form of a note entity
func makeNote(id, parentID, shareID, title, body string) []byte {
	return (&joplin.Item{
		ID:       id,
		ParentID: parentID,
		ShareID:  shareID,
		Type:     joplin.TypeNote,
		Title:    title,
		Body:     body,
	}).Serialize()
}

// saveItem ingests one payload for the user and fails the test on error
func (e *testEnv) saveItem(t *testing.T, user *User, name string, body []byte) *Item {
	t.Helper()
	results, err := e.models.Items.SaveFromRawContent(context.Background(), user, []RawContentItem{
		{Name: name, Body: body},
	})
	require.NoError(t, err)
	res := results[name]
	require.NotNil(t, res)
	require.NoError(t, res.Error)
	return res.Item
}

func jopName(id string) string {
	return id + ".md"
}

// testID returns a 32-char hex entity id derived from a label
func testID(label string) string {
	h := fmt.Sprintf("%x", []byte(label))
	for len(h) < 32 {
		h += "0"
	}
	return h[:32]
}
