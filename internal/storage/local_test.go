package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestLocalStorage_UploadAndExists(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcPath := writeTestFile(t, "model.pt", []byte("hello world"))
	ctx := context.Background()

	objectPath := "runs/run-1/files/model.pt"
	etag, err := store.Upload(ctx, srcPath, objectPath)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	// MD5 of "hello world", matching what S3 reports for a simple put.
	if etag != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("unexpected etag: %q", etag)
	}

	exists, err := store.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	exists, err = store.Exists(ctx, "runs/run-1/files/missing.txt")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist")
	}
}

func TestLocalStorage_ETagTracksContent(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	first := writeTestFile(t, "f1", []byte("version one"))
	second := writeTestFile(t, "f2", []byte("version two"))

	etag1, err := store.Upload(ctx, first, "runs/r/files/config.yaml")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	etag2, err := store.Upload(ctx, second, "runs/r/files/config.yaml")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if etag1 == etag2 {
		t.Error("expected different etags for different content")
	}

	etag3, err := store.Upload(ctx, second, "runs/r/files/config.yaml")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if etag2 != etag3 {
		t.Errorf("expected stable etag for same content: %q vs %q", etag2, etag3)
	}
}

func TestLocalStorage_List(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	src := writeTestFile(t, "f", []byte("x"))

	paths := []string{
		"runs/run-1/files/a.txt",
		"runs/run-1/files/media/b.png",
		"runs/run-2/files/c.txt",
	}
	for _, p := range paths {
		if _, err := store.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload %s failed: %v", p, err)
		}
	}

	objects, err := store.List(ctx, "runs/run-1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects, got %d: %v", len(objects), objects)
	}
	if objects[0] != "runs/run-1/files/a.txt" || objects[1] != "runs/run-1/files/media/b.png" {
		t.Errorf("unexpected listing: %v", objects)
	}

	empty, err := store.List(ctx, "runs/run-9/")
	if err != nil {
		t.Fatalf("List of missing prefix failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty listing, got %v", empty)
	}
}

func TestLocalStorage_UploadMissingSource(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	_, err = store.Upload(context.Background(), "/nonexistent/file", "runs/r/files/x")
	if err == nil {
		t.Fatal("expected error for missing source file")
	}
}
