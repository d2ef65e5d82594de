package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/forgeline-labs/forgeline/internal/storage/objectstore"
)

func seedWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "source")
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func storedObject(t *testing.T, store objectstore.Store, bucket, key string) []byte {
	t.Helper()
	obj, _, err := store.Get(context.Background(), bucket, key)
	if err != nil {
		t.Fatalf("get stored object: %v", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read stored object: %v", err)
	}
	return data
}

func TestPackage(t *testing.T) {
	dir := seedWorkspace(t, map[string]string{
		"index.html":      "<html></html>",
		"src/app.js":      "console.log('hi')",
		".git/HEAD":       "ref: refs/heads/main",
		"build/cache.log": "noise",
	})
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	builder := &Builder{Store: store, Bucket: "build-artifacts", ExcludePatterns: []string{"*.log"}}
	artifact, err := builder.Package(context.Background(), dir, "runs/r1/build.zip")
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if artifact.Key != "runs/r1/build.zip" {
		t.Fatalf("key = %q", artifact.Key)
	}

	data := storedObject(t, store, "build-artifacts", "runs/r1/build.zip")
	if artifact.SizeBytes != int64(len(data)) {
		t.Fatalf("size = %d, stored %d bytes", artifact.SizeBytes, len(data))
	}
	sum := sha256.Sum256(data)
	if artifact.ChecksumSHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch: %s", artifact.ChecksumSHA256)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	want := []string{"source/index.html", "source/src/app.js"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entries = %v, want %v", names, want)
		}
	}
}

func TestPackageHonorsCancellation(t *testing.T) {
	dir := seedWorkspace(t, map[string]string{"a.txt": "a"})
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	builder := &Builder{Store: store, Bucket: "build-artifacts"}
	if _, err := builder.Package(ctx, dir, "runs/r1/build.zip"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPackageMissingWorkspace(t *testing.T) {
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	builder := &Builder{Store: store, Bucket: "build-artifacts"}
	_, err = builder.Package(context.Background(), filepath.Join(t.TempDir(), "gone"), "runs/r1/build.zip")
	var perr *PackagingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PackagingError, got %T (%v)", err, err)
	}
}
