package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/synaptica-ai/omopwide/pkg/extract"
)

// rowBatchSize bounds the rows sent in one INSERT.
const rowBatchSize = 1000

// ExtractedRow is one wide-table row kept in Postgres for slicing by job and
// visit. Values holds the present cells keyed by column name.
type ExtractedRow struct {
	ID        uint              `gorm:"primaryKey;column:id"`
	JobID     uuid.UUID         `gorm:"type:uuid;index;column:job_id"`
	Seq       int               `gorm:"column:seq"`
	VisitID   int64             `gorm:"index;column:visit_occurrence_id"`
	PersonID  int64             `gorm:"column:person_id"`
	Hours     *float64          `gorm:"column:elapsed_hours"`
	At        *time.Time        `gorm:"column:event_time"`
	Values    datatypes.JSONMap `gorm:"column:values"`
	CreatedAt time.Time         `gorm:"column:created_at"`
}

func (ExtractedRow) TableName() string {
	return "extraction_rows"
}

// RowWriter stores extraction output rows relationally.
type RowWriter struct {
	db *gorm.DB
}

func NewRowWriter(db *gorm.DB) *RowWriter {
	return &RowWriter{db: db}
}

func (w *RowWriter) AutoMigrate() error {
	return w.db.AutoMigrate(&ExtractedRow{})
}

// Write replaces the stored rows of job with the rows of table.
func (w *RowWriter) Write(ctx context.Context, jobID uuid.UUID, table *extract.Table) error {
	now := time.Now().UTC()
	rows := toExtractedRows(jobID, table, now)
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&ExtractedRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, rowBatchSize).Error; err != nil {
			return fmt.Errorf("insert extraction rows: %w", err)
		}
		return nil
	})
}

func toExtractedRows(jobID uuid.UUID, table *extract.Table, now time.Time) []ExtractedRow {
	rows := make([]ExtractedRow, 0, table.Len())
	for i, r := range table.Rows {
		values := datatypes.JSONMap{}
		for j, col := range table.Columns {
			if r.Values[j] != nil {
				values[col.Name] = r.Values[j]
			}
		}
		row := ExtractedRow{
			JobID:     jobID,
			Seq:       i,
			VisitID:   r.VisitID,
			PersonID:  r.PersonID,
			Values:    values,
			CreatedAt: now,
		}
		if table.Mode == extract.TimestampMode {
			at := r.Time.At
			row.At = &at
		} else {
			hours := r.Time.Hours
			row.Hours = &hours
		}
		rows = append(rows, row)
	}
	return rows
}

// Query returns stored rows of a job in table order, optionally restricted
// to one visit.
func (w *RowWriter) Query(ctx context.Context, jobID uuid.UUID, visitID int64, limit int) ([]map[string]interface{}, error) {
	var stored []ExtractedRow
	tx := w.db.WithContext(ctx).Where("job_id = ?", jobID)
	if visitID != 0 {
		tx = tx.Where("visit_occurrence_id = ?", visitID)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Order("seq asc").Find(&stored).Error; err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(stored))
	for _, r := range stored {
		rec := map[string]interface{}{
			extract.ColumnVisit:  r.VisitID,
			extract.ColumnPerson: r.PersonID,
		}
		if r.At != nil {
			rec[extract.ColumnTime] = r.At.UTC()
		} else if r.Hours != nil {
			rec[extract.ColumnTime] = *r.Hours
		}
		for k, v := range r.Values {
			rec[k] = v
		}
		out = append(out, rec)
	}
	return out, nil
}
