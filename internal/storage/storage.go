package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
)

var ErrInvalidRef = errors.New("invalid storage id")

// New builds the file store selected by cfg.Driver.
func New(cfg config.StorageConfig, logger hclog.Logger) (core.FileStore, error) {
	switch cfg.Driver {
	case "", "disk":
		return NewDisk(cfg.Dir, logger)
	case "minio":
		return NewMinio(cfg, logger)
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
}

// formatOf derives the file format from the extension, "gcode" for
// "benchy.GCODE" and "3mf" for "plate.gcode.3mf".
func formatOf(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
