package analysis

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/orrn/printfleet/internal/core"
)

var (
	durationPart = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([dhms])`)
	thumbBegin   = regexp.MustCompile(`^thumbnail(?:_(\w+))? begin (\d+)x(\d+)`)
)

// scanGcode reads slicer comments. Keys from the common slicers are folded
// onto the same fields; the first value seen wins.
func scanGcode(ctx context.Context, r io.Reader) (*core.JobMetadata, error) {
	meta := &core.JobMetadata{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		thumb  *core.Thumbnail
		data   strings.Builder
		layers int
		lines  int
	)
	for sc.Scan() {
		lines++
		if lines%100000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, ";") {
			continue
		}
		c := strings.TrimSpace(strings.TrimPrefix(line, ";"))

		if thumb != nil {
			if strings.HasPrefix(c, "thumbnail") && strings.HasSuffix(c, " end") {
				thumb.Data = data.String()
				meta.Thumbnails = append(meta.Thumbnails, *thumb)
				thumb = nil
				data.Reset()
				continue
			}
			data.WriteString(c)
			continue
		}
		if m := thumbBegin.FindStringSubmatch(c); m != nil {
			w, _ := strconv.Atoi(m[2])
			h, _ := strconv.Atoi(m[3])
			format := strings.ToLower(m[1])
			if format == "" {
				format = "png"
			}
			thumb = &core.Thumbnail{Width: w, Height: h, Format: format}
			continue
		}
		if c == "LAYER_CHANGE" || strings.HasPrefix(c, "LAYER:") {
			layers++
		}
		// some slicers put several key/value pairs on one line
		for _, part := range strings.Split(c, ";") {
			applyComment(meta, strings.TrimSpace(part))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan gcode: %w", err)
	}
	if meta.LayerCount == nil && layers > 0 {
		meta.LayerCount = &layers
	}
	return meta, nil
}

func applyComment(meta *core.JobMetadata, c string) {
	key, val, ok := splitComment(c)
	if !ok {
		return
	}
	switch key {
	case "estimated printing time (normal mode)", "total estimated time", "model printing time":
		if meta.PrintTimeSeconds == nil {
			meta.PrintTimeSeconds = parseDuration(val)
		}
	case "time":
		if meta.PrintTimeSeconds == nil {
			meta.PrintTimeSeconds = parseFloat(val)
		}
	case "filament used [g]", "total filament weight [g]", "total filament used [g]":
		if meta.FilamentGrams == nil {
			meta.FilamentGrams = sumList(val)
		}
	case "total layer number", "total layers count", "layer_count", "total_layer_count":
		if meta.LayerCount == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				meta.LayerCount = &n
			}
		}
	case "nozzle_diameter", "nozzle diameter":
		if meta.NozzleDiameterMM == nil {
			meta.NozzleDiameterMM = parseFloat(strings.Split(val, ",")[0])
		}
	}
}

// splitComment accepts "key = value" and "KEY:value".
func splitComment(c string) (string, string, bool) {
	if i := strings.Index(c, " = "); i > 0 {
		return strings.ToLower(strings.TrimSpace(c[:i])), strings.TrimSpace(c[i+3:]), true
	}
	if i := strings.Index(c, ":"); i > 0 {
		return strings.ToLower(strings.TrimSpace(c[:i])), strings.TrimSpace(c[i+1:]), true
	}
	return "", "", false
}

// parseDuration reads "1d 2h 3m 4s" style durations.
func parseDuration(s string) *float64 {
	parts := durationPart.FindAllStringSubmatch(s, -1)
	if len(parts) == 0 {
		return parseFloat(s)
	}
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p[1], 64)
		if err != nil {
			return nil
		}
		switch p[2] {
		case "d":
			total += v * 86400
		case "h":
			total += v * 3600
		case "m":
			total += v * 60
		case "s":
			total += v
		}
	}
	return &total
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &v
}

// sumList adds up per-extruder values such as "1.20, 3.40".
func sumList(s string) *float64 {
	var total float64
	seen := false
	for _, part := range strings.Split(s, ",") {
		if v := parseFloat(part); v != nil {
			total += *v
			seen = true
		}
	}
	if !seen {
		return nil
	}
	return &total
}
