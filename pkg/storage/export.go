// Package storage persists extraction results: files in tabular formats, a
// relational copy of the rows and the online feature cache.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/extract"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatXLSX    Format = "xlsx"
	FormatJSON    Format = "json"
)

func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatCSV, FormatParquet, FormatXLSX, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("unsupported output format %q", name)
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("cannot infer output format of %q", path)
	}
	return ParseFormat(ext)
}

func (f Format) Extension() string {
	return "." + string(f)
}

// Write encodes table to w.
func Write(w io.Writer, format Format, table *extract.Table) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, table)
	case FormatParquet:
		return WriteParquet(w, table)
	case FormatXLSX:
		return WriteXLSX(w, table)
	case FormatJSON:
		return WriteJSON(w, table)
	}
	return fmt.Errorf("unsupported output format %q", format)
}

// WriteFile writes table to path through a temporary file that is renamed
// into place only when encoding succeeded.
func WriteFile(path string, format Format, table *extract.Table) error {
	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := Write(file, format, table); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", format, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	logger.Log.WithField("path", path).
		WithField("format", string(format)).
		WithField("rows", table.Len()).
		WithField("elapsed", time.Since(start).String()).
		Info("Extraction written")
	return nil
}
