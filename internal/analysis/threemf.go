package analysis

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"image/png"
	"io"
	"strconv"

	"github.com/orrn/printfleet/internal/core"
)

const sliceInfoPath = "Metadata/slice_info.config"

type sliceInfo struct {
	Plates []slicePlate `xml:"plate"`
}

type slicePlate struct {
	Metadata []sliceMeta `xml:"metadata"`
}

type sliceMeta struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

func (p slicePlate) get(key string) string {
	for _, m := range p.Metadata {
		if m.Key == key {
			return m.Value
		}
	}
	return ""
}

// read3MF reads per-plate figures from the slicer's slice_info and the plate
// preview images. Job totals are the sums over plates.
func read3MF(ctx context.Context, data []byte) (*core.JobMetadata, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open 3mf archive: %w", err)
	}

	meta := &core.JobMetadata{}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	if f, ok := files[sliceInfoPath]; ok {
		var info sliceInfo
		if err := decodeXML(f, &info); err != nil {
			return nil, err
		}
		for i, sp := range info.Plates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			plate := core.Plate{Index: i + 1, Name: sp.get("plate_name")}
			if n, err := strconv.Atoi(sp.get("index")); err == nil {
				plate.Index = n
			}
			plate.PrintTimeSeconds = parseFloat(sp.get("prediction"))
			plate.FilamentGrams = parseFloat(sp.get("weight"))
			if meta.NozzleDiameterMM == nil {
				meta.NozzleDiameterMM = parseFloat(sp.get("nozzle_diameters"))
			}
			meta.Plates = append(meta.Plates, plate)
		}
		meta.PrintTimeSeconds = sumPlates(meta.Plates, func(p core.Plate) *float64 { return p.PrintTimeSeconds })
		meta.FilamentGrams = sumPlates(meta.Plates, func(p core.Plate) *float64 { return p.FilamentGrams })
	}

	for _, p := range plateIndexes(meta.Plates) {
		if f, ok := files[fmt.Sprintf("Metadata/plate_%d.png", p)]; ok {
			if thumb, err := readThumbnail(f); err == nil {
				meta.Thumbnails = append(meta.Thumbnails, thumb)
			}
		}
	}

	// embedded gcode of a single-plate export carries layer count and nozzle
	if len(meta.Plates) <= 1 {
		if f, ok := files["Metadata/plate_1.gcode"]; ok {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open embedded gcode: %w", err)
			}
			g, err := scanGcode(ctx, rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
			meta.FillFrom(g)
		}
	}
	return meta, nil
}

func decodeXML(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", f.Name, err)
	}
	return nil
}

func readThumbnail(f *zip.File) (core.Thumbnail, error) {
	rc, err := f.Open()
	if err != nil {
		return core.Thumbnail{}, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return core.Thumbnail{}, err
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return core.Thumbnail{}, err
	}
	return core.Thumbnail{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: "png",
		Data:   base64.StdEncoding.EncodeToString(raw),
	}, nil
}

func plateIndexes(plates []core.Plate) []int {
	if len(plates) == 0 {
		return []int{1}
	}
	out := make([]int, len(plates))
	for i, p := range plates {
		out[i] = p.Index
	}
	return out
}

func sumPlates(plates []core.Plate, field func(core.Plate) *float64) *float64 {
	var total float64
	seen := false
	for _, p := range plates {
		if v := field(p); v != nil {
			total += *v
			seen = true
		}
	}
	if !seen {
		return nil
	}
	return &total
}
