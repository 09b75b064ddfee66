package storage

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
	"github.com/synaptica-ai/omopwide/pkg/extract"
)

// parquetBatchRows bounds the rows held in one Arrow record.
const parquetBatchRows = 64 * 1024

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// ArrowSchema maps a wide table onto Arrow types. Concept columns take the
// type of their value column; the time column is float64 hours or a UTC
// timestamp depending on the table mode.
func ArrowSchema(table *extract.Table) *arrow.Schema {
	fields := []arrow.Field{
		{Name: extract.ColumnVisit, Type: arrow.PrimitiveTypes.Int64},
		{Name: extract.ColumnPerson, Type: arrow.PrimitiveTypes.Int64},
	}
	if table.Mode == extract.TimestampMode {
		fields = append(fields, arrow.Field{Name: extract.ColumnTime, Type: timestampType})
	} else {
		fields = append(fields, arrow.Field{Name: extract.ColumnTime, Type: arrow.PrimitiveTypes.Float64})
	}
	for _, c := range table.Columns {
		fields = append(fields, arrow.Field{Name: c.Name, Type: arrowType(c.ValueColumn), Nullable: true})
	}
	meta := arrow.NewMetadata([]string{"omopwide.mode"}, []string{table.Mode.String()})
	return arrow.NewSchema(fields, &meta)
}

func arrowType(col cdm.ValueColumn) arrow.DataType {
	switch col {
	case cdm.ValueString:
		return arrow.BinaryTypes.String
	case cdm.ValueConcept:
		return arrow.PrimitiveTypes.Int64
	case cdm.ValueDatetime:
		return timestampType
	}
	return arrow.PrimitiveTypes.Float64
}

// WriteParquet encodes table as a single Parquet file. w is not closed.
func WriteParquet(w io.Writer, table *extract.Table) error {
	schema := ArrowSchema(table)
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithCreatedBy("omopwide"),
	)
	writer, err := pqarrow.NewFileWriter(schema, struct{ io.Writer }{w}, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	flush := func() error {
		rec := builder.NewRecord()
		defer rec.Release()
		if rec.NumRows() == 0 {
			return nil
		}
		return writer.Write(rec)
	}

	names := table.ColumnNames()
	for i := range table.Rows {
		for j, name := range names {
			if err := appendValue(builder.Field(j), table.Value(i, name)); err != nil {
				writer.Close()
				return fmt.Errorf("row %d column %s: %w", i, name, err)
			}
		}
		if (i+1)%parquetBatchRows == 0 {
			if err := flush(); err != nil {
				writer.Close()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func appendValue(b array.Builder, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}
	switch fb := b.(type) {
	case *array.Int64Builder:
		v, ok := value.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", value)
		}
		fb.Append(v)
	case *array.Float64Builder:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", value)
		}
		fb.Append(v)
	case *array.StringBuilder:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		fb.Append(v)
	case *array.TimestampBuilder:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("expected time, got %T", value)
		}
		fb.Append(arrow.Timestamp(v.UnixMicro()))
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}
