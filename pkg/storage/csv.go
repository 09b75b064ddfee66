package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/synaptica-ai/omopwide/pkg/extract"
)

// WriteCSV writes a header of column names followed by one record per row.
// Absent cells are empty fields.
func WriteCSV(w io.Writer, table *extract.Table) error {
	writer := csv.NewWriter(w)
	names := table.ColumnNames()
	if err := writer.Write(names); err != nil {
		return err
	}
	record := make([]string, len(names))
	for i := range table.Rows {
		for j, name := range names {
			record[j] = stringifyValue(table.Value(i, name))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func WriteJSON(w io.Writer, table *extract.Table) error {
	enc := json.NewEncoder(w)
	return enc.Encode(table)
}

func stringifyValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	default:
		if bytes, err := json.Marshal(v); err == nil {
			return string(bytes)
		}
		return fmt.Sprintf("%v", v)
	}
}
