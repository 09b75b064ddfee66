package storage

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/synaptica-ai/omopwide/pkg/extract"
)

const xlsxSheet = "Sheet1"

// xlsxMaxRows is the worksheet row limit, header included.
const xlsxMaxRows = 1_048_576

// WriteXLSX writes table to the first worksheet of a new workbook. Absent
// cells stay blank.
func WriteXLSX(w io.Writer, table *extract.Table) error {
	if table.Len()+1 > xlsxMaxRows {
		return fmt.Errorf("%d rows exceed the worksheet limit", table.Len())
	}
	f := excelize.NewFile()
	defer f.Close()

	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		return err
	}
	names := table.ColumnNames()
	header := make([]interface{}, len(names))
	for i, n := range names {
		header[i] = n
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}
	for i := range table.Rows {
		row := make([]interface{}, len(names))
		for j, name := range names {
			row[j] = table.Value(i, name)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.Write(w)
}
