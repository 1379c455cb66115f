package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/logging"
)

// Disk keeps uploaded files under one directory, named by storage id.
type Disk struct {
	dir    string
	logger hclog.Logger
}

func NewDisk(dir string, logger hclog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Disk{dir: dir, logger: logging.OrNull(logger).Named("storage")}, nil
}

// Put streams r into a temp file and renames it into place once the hash is
// known. size is advisory; the written byte count is recorded.
func (d *Disk) Put(ctx context.Context, name string, r io.Reader, _ int64) (core.FileRef, error) {
	format := formatOf(name)
	id := uuid.NewString()
	if format != "" {
		id += "." + format
	}

	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return core.FileRef{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return core.FileRef{}, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, id)); err != nil {
		return core.FileRef{}, fmt.Errorf("failed to store %s: %w", name, err)
	}

	ref := core.FileRef{StorageID: id, Hash: hex.EncodeToString(h.Sum(nil)), Format: format, Size: n}
	d.logger.Debug("file stored", "storage_id", id, "file", name, "size", n)
	return ref, nil
}

func (d *Disk) Open(_ context.Context, ref core.FileRef) (io.ReadCloser, error) {
	if !validID(ref.StorageID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref.StorageID)
	}
	f, err := os.Open(filepath.Join(d.dir, ref.StorageID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("file %s: %w", ref.StorageID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open stored file: %w", err)
	}
	return f, nil
}

func (d *Disk) Delete(_ context.Context, ref core.FileRef) error {
	if !validID(ref.StorageID) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref.StorageID)
	}
	err := os.Remove(filepath.Join(d.dir, ref.StorageID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete stored file: %w", err)
	}
	return nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
