package models

import (
	"time"

	"github.com/google/uuid"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // extraction.requested, extraction.completed, extraction.failed
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// ConceptSpec is one requested column. Reducer names one of the built-in
// reductions (first, last, min, max, mean, median, sum); empty means first.
type ConceptSpec struct {
	ConceptID int64  `json:"concept_id"`
	Label     string `json:"label,omitempty"`
	Reducer   string `json:"reducer,omitempty"`
}

// ExtractionRequest is the wire form of an extraction, shared by the HTTP
// API, the Kafka request topic and the job table.
type ExtractionRequest struct {
	VisitIDs        []int64       `json:"visit_ids,omitempty"`
	Concepts        []ConceptSpec `json:"concepts"`
	ChunkSize       int           `json:"chunk_size,omitempty"`
	Cadence         *float64      `json:"cadence,omitempty"`
	UseTimestamp    bool          `json:"use_timestamp,omitempty"`
	DropBeforeStart bool          `json:"drop_before_start,omitempty"`

	// Regularize, when set, is the cadence of the output grid.
	Regularize *float64 `json:"regularize,omitempty"`
	Format     string   `json:"format,omitempty"`

	// Materialize pushes the latest row of every visit to the feature cache.
	Materialize bool   `json:"materialize,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

type ExtractionJob struct {
	ID           uuid.UUID         `json:"id"`
	Request      ExtractionRequest `json:"request"`
	Status       string            `json:"status"`
	RowCount     int               `json:"row_count"`
	VisitCount   int               `json:"visit_count"`
	OutputPath   string            `json:"output_path,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RequestedBy  string            `json:"requested_by,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Elapsed      time.Duration     `json:"elapsed,omitempty"`
}

// Feature Store
type Feature struct {
	Name      string                 `json:"name"`
	Value     interface{}            `json:"value"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type FeatureSet struct {
	VisitID  int64              `json:"visit_occurrence_id"`
	PersonID int64              `json:"person_id"`
	Time     interface{}        `json:"time"`
	Features map[string]Feature `json:"features"`
	Version  int                `json:"version"`
}
