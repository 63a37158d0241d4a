package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/quillstash/quillstash/internal/config"
)

func driverRoundTrip(t *testing.T, d Driver) {
	t.Helper()
	ctx := context.Background()

	exists, err := d.Exists(ctx, "item1")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Fatal("Exists() = true before write")
	}

	if _, err := d.Read(ctx, "item1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read() before write error = %v, want ErrNotFound", err)
	}

	if err := d.Write(ctx, "item1", []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	exists, err = d.Exists(ctx, "item1")
	if err != nil || !exists {
		t.Fatalf("Exists() after write = %v, %v", exists, err)
	}

	content, err := d.Read(ctx, "item1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("Read() = %q, want %q", content, "hello")
	}

	// Overwrite
	if err := d.Write(ctx, "item1", []byte("replaced")); err != nil {
		t.Fatalf("Write() overwrite error = %v", err)
	}
	content, _ = d.Read(ctx, "item1")
	if string(content) != "replaced" {
		t.Errorf("Read() after overwrite = %q", content)
	}

	// Zero-length placeholder must round-trip (read-only fallback writes)
	if err := d.Write(ctx, "item2", nil); err != nil {
		t.Fatalf("Write() empty error = %v", err)
	}
	content, err = d.Read(ctx, "item2")
	if err != nil {
		t.Fatalf("Read() empty error = %v", err)
	}
	if len(content) != 0 {
		t.Errorf("Read() empty = %d bytes, want 0", len(content))
	}

	// Delete is idempotent, including ids never written
	if err := d.Delete(ctx, []string{"item1", "item2", "never-written"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := d.Delete(ctx, []string{"item1"}); err != nil {
		t.Fatalf("repeated Delete() error = %v", err)
	}

	exists, _ = d.Exists(ctx, "item1")
	if exists {
		t.Error("Exists() = true after delete")
	}
}

func TestMemDriver(t *testing.T) {
	driverRoundTrip(t, NewMemDriver(1, ModeReadWrite))
}

func TestFsDriver(t *testing.T) {
	d, err := NewFsDriver(2, ModeReadWrite, t.TempDir())
	if err != nil {
		t.Fatalf("NewFsDriver() error = %v", err)
	}
	driverRoundTrip(t, d)
}

func TestFsDriverFanout(t *testing.T) {
	d, err := NewFsDriver(2, ModeReadWrite, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if got := d.itemPath("abcdef"); got != d.itemPath("abcdef") {
		t.Error("itemPath not stable")
	}
	short := d.itemPath("a")
	long := d.itemPath("abcdef")
	if short == long {
		t.Error("distinct ids mapped to the same path")
	}
}

func TestLoaderCachesPerStorageID(t *testing.T) {
	l := NewLoader(nil)
	cfg := &config.StorageConfig{StorageID: 7, Provider: "memory"}

	d1, err := l.Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	d2, err := l.Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if d1 != d2 {
		t.Error("Load() built a second driver for the same storage id")
	}

	if _, err := l.ByStorageID(7); err != nil {
		t.Errorf("ByStorageID(7) error = %v", err)
	}
	if _, err := l.ByStorageID(99); err == nil {
		t.Error("ByStorageID(99) expected error for unknown id")
	}
}

func TestLoaderUnknownProvider(t *testing.T) {
	l := NewLoader(nil)
	_, err := l.Load(context.Background(), &config.StorageConfig{StorageID: 1, Provider: "tape"})
	if err == nil {
		t.Error("Load() expected error for unknown provider")
	}
}
