package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/logging"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoMetadata        = errors.New("no slicer metadata found")
)

// maxArchiveSize bounds how much of a 3MF upload is held in memory.
const maxArchiveSize = 512 << 20

// Analyzer extracts slicer metadata from gcode and 3MF files.
type Analyzer struct {
	logger hclog.Logger
}

func New(logger hclog.Logger) *Analyzer {
	return &Analyzer{logger: logging.OrNull(logger).Named("analysis")}
}

var _ core.FileAnalyzer = (*Analyzer)(nil)

func (a *Analyzer) Analyze(ctx context.Context, name string, r io.Reader) (*core.JobMetadata, error) {
	var (
		meta *core.JobMetadata
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".gcode", ".gco", ".g":
		meta, err = scanGcode(ctx, r)
	case ".3mf":
		data, rerr := io.ReadAll(io.LimitReader(r, maxArchiveSize+1))
		if rerr != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, rerr)
		}
		if len(data) > maxArchiveSize {
			return nil, fmt.Errorf("%s exceeds %d bytes", name, maxArchiveSize)
		}
		meta, err = read3MF(ctx, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}
	if empty(meta) {
		return nil, fmt.Errorf("%s: %w", name, ErrNoMetadata)
	}
	a.logger.Debug("file analyzed", "file", name, "plates", len(meta.Plates), "thumbnails", len(meta.Thumbnails))
	return meta, nil
}

func empty(m *core.JobMetadata) bool {
	return m == nil || (m.PrintTimeSeconds == nil && m.FilamentGrams == nil && m.LayerCount == nil &&
		m.NozzleDiameterMM == nil && len(m.Thumbnails) == 0 && len(m.Plates) == 0)
}
