package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// File is one project file to upload. Content is opened only when the
// payload is encoded.
type File struct {
	Path string // slash-separated, relative to the project root
	Size int64
	open func() (io.ReadCloser, error)
}

// Open returns the file content.
func (f File) Open() (io.ReadCloser, error) {
	if f.open == nil {
		return nil, fmt.Errorf("file %s has no content source", f.Path)
	}
	return f.open()
}

// FileFromBytes returns a File backed by data.
func FileFromBytes(rel string, data []byte) File {
	return File{
		Path: rel,
		Size: int64(len(data)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileFromDisk stats root/rel and returns a File that reads it lazily.
func FileFromDisk(root, rel string) (File, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return File{}, err
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%s is not a regular file", rel)
	}
	return File{
		Path: rel,
		Size: info.Size(),
		open: func() (io.ReadCloser, error) { return os.Open(abs) },
	}, nil
}

// statConcurrency bounds parallel stat calls for large trees.
const statConcurrency = 16

// FilesFromDisk stats every path concurrently and returns the files in the
// order given.
func FilesFromDisk(ctx context.Context, root string, paths []string) ([]File, error) {
	files := make([]File, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i, rel := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := FileFromDisk(root, rel)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", rel, err)
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// readAll reads f, failing once more than limit bytes have been read. The
// size recorded at stat time may be stale when the file is being edited.
func readAll(f File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := io.Reader(rc)
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, &SizeLimitError{Scope: "file", Path: f.Path, Size: int64(len(data)), Limit: limit}
	}
	return data, nil
}
