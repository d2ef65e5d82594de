// Package archive packages a build workspace into a zip artifact in the
// object store.
package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	pathpkg "path"
	"path/filepath"
	"strings"

	"github.com/forgeline-labs/forgeline/internal/storage/objectstore"
)

// PackagingError reports a workspace that could not be archived. The
// message is the user-facing failure cause.
type PackagingError struct {
	Message string
	Err     error
}

func (e *PackagingError) Error() string { return e.Message }

func (e *PackagingError) Unwrap() error { return e.Err }

// Artifact describes a stored archive.
type Artifact struct {
	Key            string
	SizeBytes      int64
	ChecksumSHA256 string
}

// Builder zips build workspaces into the object store. ExcludePatterns are
// path.Match globs applied to slash-separated paths relative to the
// archived directory, and to bare file names; .git is always excluded.
type Builder struct {
	Store           objectstore.Store
	Bucket          string
	ExcludePatterns []string
}

// Package archives dir under the given object key. The archive nests all
// entries under the directory's base name, and the checksum is computed
// over the exact bytes stored.
func (b *Builder) Package(ctx context.Context, dir, key string) (Artifact, error) {
	if b == nil || b.Store == nil {
		return Artifact{}, fmt.Errorf("archive builder not initialized")
	}
	if strings.TrimSpace(dir) == "" {
		return Artifact{}, fmt.Errorf("source directory is required")
	}
	if strings.TrimSpace(key) == "" {
		return Artifact{}, fmt.Errorf("object key is required")
	}

	tmp, err := os.CreateTemp("", "forgeline-zip-*")
	if err != nil {
		return Artifact{}, &PackagingError{Message: fmt.Sprintf("create archive scratch file: %v", err), Err: err}
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	zw := zip.NewWriter(io.MultiWriter(tmp, hasher))
	if err := b.addTree(ctx, zw, dir); err != nil {
		zw.Close()
		return Artifact{}, err
	}
	if err := zw.Close(); err != nil {
		return Artifact{}, &PackagingError{Message: fmt.Sprintf("finalize archive: %v", err), Err: err}
	}

	info, err := tmp.Stat()
	if err != nil {
		return Artifact{}, &PackagingError{Message: fmt.Sprintf("stat archive: %v", err), Err: err}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Artifact{}, &PackagingError{Message: fmt.Sprintf("rewind archive: %v", err), Err: err}
	}
	if err := b.Store.Put(ctx, b.Bucket, key, tmp, info.Size(), "application/zip"); err != nil {
		return Artifact{}, &PackagingError{Message: fmt.Sprintf("store archive: %v", err), Err: err}
	}
	return Artifact{
		Key:            key,
		SizeBytes:      info.Size(),
		ChecksumSHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (b *Builder) addTree(ctx context.Context, zw *zip.Writer, dir string) error {
	base := filepath.Base(filepath.Clean(dir))
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &PackagingError{Message: fmt.Sprintf("walk workspace: %v", err), Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return &PackagingError{Message: fmt.Sprintf("walk workspace: %v", err), Err: err}
		}
		if rel == "." {
			return nil
		}
		slashed := filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" || b.excluded(slashed) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || b.excluded(slashed) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return &PackagingError{Message: fmt.Sprintf("stat %s: %v", slashed, err), Err: err}
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return &PackagingError{Message: fmt.Sprintf("archive %s: %v", slashed, err), Err: err}
		}
		hdr.Name = pathpkg.Join(base, slashed)
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return &PackagingError{Message: fmt.Sprintf("archive %s: %v", slashed, err), Err: err}
		}
		f, err := os.Open(path)
		if err != nil {
			return &PackagingError{Message: fmt.Sprintf("read %s: %v", slashed, err), Err: err}
		}
		if _, err := io.Copy(w, f); err != nil {
			f.Close()
			return &PackagingError{Message: fmt.Sprintf("archive %s: %v", slashed, err), Err: err}
		}
		return f.Close()
	})
}

func (b *Builder) excluded(slashed string) bool {
	for _, pattern := range b.ExcludePatterns {
		if ok, _ := pathpkg.Match(pattern, slashed); ok {
			return true
		}
		if ok, _ := pathpkg.Match(pattern, pathpkg.Base(slashed)); ok {
			return true
		}
	}
	return false
}
