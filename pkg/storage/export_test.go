package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/xuri/excelize/v2"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
	"github.com/synaptica-ai/omopwide/pkg/extract"
)

func sampleTable() *extract.Table {
	return &extract.Table{
		Mode: extract.ElapsedMode,
		Columns: []extract.Column{
			{Name: "heart_rate", ConceptID: 3027018, ValueColumn: cdm.ValueNumber},
			{Name: "rhythm", ConceptID: 4, ValueColumn: cdm.ValueString},
		},
		Rows: []extract.Row{
			{VisitID: 1, PersonID: 10, Time: extract.Bucket{Hours: 0}, Values: []any{72.5, "sinus"}},
			{VisitID: 1, PersonID: 10, Time: extract.Bucket{Hours: 2}, Values: []any{nil, "afib"}},
			{VisitID: 2, PersonID: 20, Time: extract.Bucket{Hours: 1}, Values: []any{88.0, nil}},
		},
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(" Parquet "); err != nil || f != FormatParquet {
		t.Fatalf("expected parquet, got %q (%v)", f, err)
	}
	if _, err := ParseFormat("avro"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if f, err := FormatFromPath("/tmp/out.xlsx"); err != nil || f != FormatXLSX {
		t.Fatalf("expected xlsx, got %q (%v)", f, err)
	}
	if _, err := FormatFromPath("/tmp/out"); err == nil {
		t.Fatal("expected error without extension")
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleTable()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := strings.Join([]string{
		"visit_occurrence_id,person_id,time,heart_rate,rhythm",
		"1,10,0,72.5,sinus",
		"1,10,2,,afib",
		"2,20,1,88,",
		"",
	}, "\n")
	if buf.String() != want {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}
}

func TestWriteCSVTimestampMode(t *testing.T) {
	at := time.Date(2021, 3, 4, 5, 0, 0, 0, time.UTC)
	tbl := &extract.Table{
		Mode:    extract.TimestampMode,
		Columns: []extract.Column{{Name: "x", ValueColumn: cdm.ValueNumber}},
		Rows:    []extract.Row{{VisitID: 1, PersonID: 2, Time: extract.Bucket{At: at}, Values: []any{1.0}}},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, tbl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "1,2,2021-03-04T05:00:00Z,1") {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}
}

func TestWriteParquetRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteParquet(&buf, sampleTable()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl, err := pqarrow.ReadTable(context.Background(), bytes.NewReader(buf.Bytes()),
		parquet.NewReaderProperties(memory.DefaultAllocator), pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	defer tbl.Release()

	if tbl.NumRows() != 3 || tbl.NumCols() != 5 {
		t.Fatalf("unexpected shape %dx%d", tbl.NumRows(), tbl.NumCols())
	}
	if name := tbl.Schema().Field(3).Name; name != "heart_rate" {
		t.Fatalf("unexpected column %q", name)
	}
	if typ := tbl.Schema().Field(4).Type.ID(); typ != arrow.STRING {
		t.Fatalf("expected string column, got %v", typ)
	}
	hr := tbl.Column(3).Data().Chunk(0).(*array.Float64)
	if hr.Value(0) != 72.5 || !hr.IsNull(1) {
		t.Fatalf("unexpected heart rate column %v", hr)
	}
}

func TestWriteParquetRejectsMistypedCells(t *testing.T) {
	tbl := sampleTable()
	tbl.Rows[0].Values[0] = "not a number"
	if err := WriteParquet(&bytes.Buffer{}, tbl); err == nil {
		t.Fatal("expected error for mistyped cell")
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, sampleTable()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(xlsxSheet)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header and 3 rows, got %d", len(rows))
	}
	if rows[0][3] != "heart_rate" || rows[1][4] != "sinus" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestWriteFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.csv")
	if err := WriteFile(path, FormatCSV, sampleTable()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.csv" {
		t.Fatalf("expected only the final file, got %v", entries)
	}

	bad := sampleTable()
	bad.Rows[0].Values[0] = "oops"
	failed := filepath.Join(dir, "bad.parquet")
	if err := WriteFile(failed, FormatParquet, bad); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(failed); !os.IsNotExist(err) {
		t.Fatalf("failed write must not leave a file, stat err=%v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "bad.parquet.tmp.*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatJSON, sampleTable()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"heart_rate":72.5`) {
		t.Fatalf("unexpected json %s", buf.String())
	}
}
