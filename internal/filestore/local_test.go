package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFileStore_StoreGet(t *testing.T) {
	root := t.TempDir()
	fs, err := NewLocalFileStore(root)
	if err != nil {
		t.Fatalf("NewLocalFileStore failed: %v", err)
	}

	data := []byte("hello attachment")
	id, err := fs.Store(context.Background(), data)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if id != Hash(data) {
		t.Errorf("expected id %s, got %s", Hash(data), id)
	}
	if !ValidID(id) {
		t.Errorf("expected %s to be a valid id", id)
	}
	if _, err := os.Stat(filepath.Join(root, id[:2], id)); err != nil {
		t.Errorf("expected file on disk: %v", err)
	}

	again, err := fs.Store(context.Background(), data)
	if err != nil {
		t.Fatalf("second Store failed: %v", err)
	}
	if again != id {
		t.Errorf("expected same id for same content, got %s and %s", id, again)
	}

	rc, err := fs.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("expected %q, got %q", data, got)
	}

	entries, err := os.ReadDir(filepath.Join(root, id[:2]))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestLocalFileStore_GetInvalid(t *testing.T) {
	fs, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFileStore failed: %v", err)
	}

	for _, id := range []string{"", "../../etc/passwd", "zz", Hash([]byte("never stored"))} {
		if _, err := fs.Get(id); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Get(%q): expected not exist, got %v", id, err)
		}
	}
}

func TestLocalFileStore_Cancelled(t *testing.T) {
	fs, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFileStore failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fs.Store(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
