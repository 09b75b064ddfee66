package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/omopwide/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrJobNotFound = errors.New("extraction job not found")

type jobModel struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey;column:id"`
	Request       datatypes.JSON `gorm:"column:request"`
	Status        string         `gorm:"index;column:status"`
	RowCount      int            `gorm:"column:row_count"`
	VisitCount    int            `gorm:"column:visit_count"`
	OutputPath    string         `gorm:"column:output_path"`
	ErrorMessage  string         `gorm:"column:error_message"`
	RequestedBy   string         `gorm:"index;column:requested_by"`
	ElapsedMillis int64          `gorm:"column:elapsed_ms"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	StartedAt     *time.Time     `gorm:"column:started_at"`
	CompletedAt   *time.Time     `gorm:"column:completed_at"`
}

func (jobModel) TableName() string {
	return "extraction_jobs"
}

// Repository persists extraction jobs in Postgres.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&jobModel{})
}

func (r *Repository) Create(ctx context.Context, job models.ExtractionJob) error {
	model, err := domainToModel(job)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(model).Error
}

// Update writes the mutable fields of job.
func (r *Repository) Update(ctx context.Context, job models.ExtractionJob) error {
	return r.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":        job.Status,
		"row_count":     job.RowCount,
		"visit_count":   job.VisitCount,
		"output_path":   job.OutputPath,
		"error_message": job.ErrorMessage,
		"elapsed_ms":    job.Elapsed.Milliseconds(),
		"started_at":    job.StartedAt,
		"completed_at":  job.CompletedAt,
	}).Error
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (models.ExtractionJob, error) {
	var model jobModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.ExtractionJob{}, ErrJobNotFound
	}
	if result.Error != nil {
		return models.ExtractionJob{}, result.Error
	}
	return modelToDomain(&model), nil
}

func (r *Repository) List(ctx context.Context, requestedBy string, limit int) ([]models.ExtractionJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if requestedBy != "" {
		query = query.Where("requested_by = ?", requestedBy)
	}
	var records []jobModel
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]models.ExtractionJob, 0, len(records))
	for i := range records {
		result = append(result, modelToDomain(&records[i]))
	}
	return result, nil
}

func domainToModel(job models.ExtractionJob) (*jobModel, error) {
	request, err := json.Marshal(job.Request)
	if err != nil {
		return nil, err
	}
	return &jobModel{
		ID:            job.ID,
		Request:       datatypes.JSON(request),
		Status:        job.Status,
		RowCount:      job.RowCount,
		VisitCount:    job.VisitCount,
		OutputPath:    job.OutputPath,
		ErrorMessage:  job.ErrorMessage,
		RequestedBy:   job.RequestedBy,
		ElapsedMillis: job.Elapsed.Milliseconds(),
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
	}, nil
}

func modelToDomain(model *jobModel) models.ExtractionJob {
	var request models.ExtractionRequest
	if len(model.Request) > 0 {
		_ = json.Unmarshal(model.Request, &request)
	}
	return models.ExtractionJob{
		ID:           model.ID,
		Request:      request,
		Status:       model.Status,
		RowCount:     model.RowCount,
		VisitCount:   model.VisitCount,
		OutputPath:   model.OutputPath,
		ErrorMessage: model.ErrorMessage,
		RequestedBy:  model.RequestedBy,
		CreatedAt:    model.CreatedAt,
		StartedAt:    model.StartedAt,
		CompletedAt:  model.CompletedAt,
		Elapsed:      time.Duration(model.ElapsedMillis) * time.Millisecond,
	}
}
