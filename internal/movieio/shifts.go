package movieio

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"steadyscope/internal/motion"
)

var shiftHeader = []string{"frame", "dx", "dy", "quality", "boundary", "fallback"}

// WriteShiftsCSV writes one row per frame.
func WriteShiftsCSV(w io.Writer, shifts []motion.Shift) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(shiftHeader); err != nil {
		return err
	}
	for i, s := range shifts {
		row := []string{
			strconv.Itoa(i),
			strconv.FormatFloat(s.DX, 'g', -1, 64),
			strconv.FormatFloat(s.DY, 'g', -1, 64),
			strconv.FormatFloat(s.Quality, 'g', -1, 64),
			strconv.FormatBool(s.Boundary),
			strconv.FormatBool(s.Fallback),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadShiftsCSV parses a table written by WriteShiftsCSV. Columns are matched
// by header name; dx and dy are required, frame orders the rows when present.
func ReadShiftsCSV(r io.Reader) ([]motion.Shift, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty shift table")
	}
	col := map[string]int{}
	for i, name := range records[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, req := range []string{"dx", "dy"} {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("shift table lacks %q column", req)
		}
	}

	rows := records[1:]
	shifts := make([]motion.Shift, len(rows))
	seen := make([]bool, len(rows))
	for n, rec := range rows {
		idx := n
		if c, ok := col["frame"]; ok {
			if idx, err = strconv.Atoi(rec[c]); err != nil || idx < 0 || idx >= len(rows) {
				return nil, fmt.Errorf("row %d: invalid frame %q", n+1, rec[c])
			}
		}
		if seen[idx] {
			return nil, fmt.Errorf("row %d: duplicate frame %d", n+1, idx)
		}
		seen[idx] = true

		var s motion.Shift
		if s.DX, err = parseFloat(rec, col, "dx"); err != nil {
			return nil, fmt.Errorf("row %d: %w", n+1, err)
		}
		if s.DY, err = parseFloat(rec, col, "dy"); err != nil {
			return nil, fmt.Errorf("row %d: %w", n+1, err)
		}
		if _, ok := col["quality"]; ok {
			if s.Quality, err = parseFloat(rec, col, "quality"); err != nil {
				return nil, fmt.Errorf("row %d: %w", n+1, err)
			}
		}
		s.Boundary = parseBool(rec, col, "boundary")
		s.Fallback = parseBool(rec, col, "fallback")
		shifts[idx] = s
	}
	return shifts, nil
}

func parseFloat(rec []string, col map[string]int, name string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(rec[col[name]]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func parseBool(rec []string, col map[string]int, name string) bool {
	c, ok := col[name]
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(strings.TrimSpace(rec[c]))
	return b
}

// SaveShifts writes shifts as CSV or JSON depending on the extension.
func SaveShifts(path string, shifts []motion.Shift) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(shifts)
	case ".csv":
		err = WriteShiftsCSV(f, shifts)
	default:
		err = fmt.Errorf("%w: shift table %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// LoadShifts reads a CSV or JSON shift table.
func LoadShifts(path string) ([]motion.Shift, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var shifts []motion.Shift
		if err := json.NewDecoder(f).Decode(&shifts); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		return shifts, nil
	case ".csv":
		return ReadShiftsCSV(f)
	}
	return nil, fmt.Errorf("%w: shift table %s", ErrUnsupportedFormat, filepath.Ext(path))
}
