// Package jobs runs extractions on behalf of the HTTP API and the request
// topic, tracking each run as a persisted job.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/common/models"
	"github.com/synaptica-ai/omopwide/pkg/extract"
	"github.com/synaptica-ai/omopwide/pkg/observability/metrics"
	"github.com/synaptica-ai/omopwide/pkg/storage"
)

const (
	EventRequested = "extraction.requested"
	EventCompleted = "extraction.completed"
	EventFailed    = "extraction.failed"

	eventSource = "omopwide"
)

var (
	ErrInvalidRequest = errors.New("invalid extraction request")
	ErrNotConfigured  = errors.New("not configured")
)

type JobStore interface {
	Create(ctx context.Context, job models.ExtractionJob) error
	Update(ctx context.Context, job models.ExtractionJob) error
	Get(ctx context.Context, id uuid.UUID) (models.ExtractionJob, error)
	List(ctx context.Context, requestedBy string, limit int) ([]models.ExtractionJob, error)
}

type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type FeatureStore interface {
	MaterializeLatest(ctx context.Context, table *extract.Table, version int) (int, error)
	GetFeatures(ctx context.Context, visitID int64) (models.FeatureSet, error)
}

type RowStore interface {
	Write(ctx context.Context, jobID uuid.UUID, table *extract.Table) error
	Query(ctx context.Context, jobID uuid.UUID, visitID int64, limit int) ([]map[string]interface{}, error)
}

// Runner executes extraction jobs on a bounded pool of goroutines.
type Runner struct {
	extractor *extract.Extractor
	store     JobStore
	outputDir string
	format    storage.Format
	publisher Publisher
	features  FeatureStore
	rows      RowStore
	workers   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Runner)

func WithOutputDir(dir string) Option {
	return func(r *Runner) {
		if dir != "" {
			r.outputDir = dir
		}
	}
}

func WithFormat(format storage.Format) Option {
	return func(r *Runner) {
		if format != "" {
			r.format = format
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(r *Runner) {
		r.publisher = p
	}
}

func WithFeatureStore(f FeatureStore) Option {
	return func(r *Runner) {
		r.features = f
	}
}

func WithRowStore(s RowStore) Option {
	return func(r *Runner) {
		r.rows = s
	}
}

// WithMaxJobs bounds the number of jobs executing at once.
func WithMaxJobs(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = make(chan struct{}, n)
		}
	}
}

// NewRunner builds a runner. store may be nil when only Run is used.
func NewRunner(extractor *extract.Extractor, store JobStore, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		extractor: extractor,
		store:     store,
		outputDir: "extractions",
		format:    storage.FormatParquet,
		workers:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// prepare validates req completely, so that a queued job can only fail on
// data or infrastructure errors.
func (r *Runner) prepare(req models.ExtractionRequest) (extract.Request, storage.Format, error) {
	parsed, err := extract.FromModel(req)
	if err != nil {
		return extract.Request{}, "", err
	}
	if err := r.extractor.Validate(parsed); err != nil {
		return extract.Request{}, "", err
	}
	if c := req.Regularize; c != nil && (!(*c > 0) || math.IsInf(*c, 0)) {
		return extract.Request{}, "", fmt.Errorf("%w: regularize cadence must be positive, got %v", ErrInvalidRequest, *c)
	}
	format := r.format
	if req.Format != "" {
		if format, err = storage.ParseFormat(req.Format); err != nil {
			return extract.Request{}, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return parsed, format, nil
}

// IsInvalid reports whether err rejects the request itself.
func IsInvalid(err error) bool {
	return extract.IsValidationError(err) || errors.Is(err, ErrInvalidRequest)
}

// Run executes req in the caller's goroutine without creating a job.
func (r *Runner) Run(ctx context.Context, req models.ExtractionRequest) (*extract.Result, error) {
	parsed, _, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	return r.extractAndShape(ctx, parsed, req)
}

func (r *Runner) extractAndShape(ctx context.Context, parsed extract.Request, req models.ExtractionRequest) (*extract.Result, error) {
	res, err := r.extractor.Extract(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if req.Regularize != nil {
		table, err := extract.Regularize(res.Table, *req.Regularize)
		if err != nil {
			return nil, err
		}
		res.Table = table
		res.Stats.Rows = table.Len()
	}
	return res, nil
}

// Enqueue records a job and starts it in the background.
func (r *Runner) Enqueue(ctx context.Context, req models.ExtractionRequest) (models.ExtractionJob, error) {
	parsed, format, err := r.prepare(req)
	if err != nil {
		return models.ExtractionJob{}, err
	}
	job := models.ExtractionJob{
		ID:          uuid.New(),
		Request:     req,
		Status:      StatusQueued,
		RequestedBy: req.RequestedBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.Create(ctx, job); err != nil {
		return models.ExtractionJob{}, err
	}

	r.wg.Add(1)
	go r.run(job, parsed, format)

	return job, nil
}

func (r *Runner) Get(ctx context.Context, id uuid.UUID) (models.ExtractionJob, error) {
	return r.store.Get(ctx, id)
}

func (r *Runner) List(ctx context.Context, requestedBy string, limit int) ([]models.ExtractionJob, error) {
	return r.store.List(ctx, requestedBy, limit)
}

// Rows returns stored output rows of a finished job.
func (r *Runner) Rows(ctx context.Context, id uuid.UUID, visitID int64, limit int) ([]map[string]interface{}, error) {
	if r.rows == nil {
		return nil, fmt.Errorf("row store %w", ErrNotConfigured)
	}
	if _, err := r.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return r.rows.Query(ctx, id, visitID, limit)
}

func (r *Runner) Features(ctx context.Context, visitID int64) (models.FeatureSet, error) {
	if r.features == nil {
		return models.FeatureSet{}, fmt.Errorf("feature store %w", ErrNotConfigured)
	}
	return r.features.GetFeatures(ctx, visitID)
}

// Wait blocks until every enqueued job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close cancels running jobs and waits for them to record their outcome.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) run(job models.ExtractionJob, parsed extract.Request, format storage.Format) {
	defer r.wg.Done()
	// Outcome updates use a fresh context so they are recorded after Close.
	bookkeeping := context.Background()

	select {
	case r.workers <- struct{}{}:
	case <-r.ctx.Done():
		r.fail(bookkeeping, job, r.ctx.Err())
		return
	}
	defer func() { <-r.workers }()

	metrics.JobStarted()
	defer metrics.JobFinished()

	started := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &started
	if err := r.store.Update(bookkeeping, job); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Warn("failed to mark job running")
	}

	res, path, err := r.execute(r.ctx, job, parsed, format)
	if err != nil {
		r.fail(bookkeeping, job, err)
		return
	}

	completed := time.Now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = &completed
	job.OutputPath = path
	job.RowCount = res.Table.Len()
	job.VisitCount = res.Table.VisitCount()
	job.Elapsed = completed.Sub(started)
	job.ErrorMessage = ""
	if err := r.store.Update(bookkeeping, job); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to record job completion")
	}
	logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"rows":    job.RowCount,
		"visits":  job.VisitCount,
		"output":  job.OutputPath,
		"elapsed": job.Elapsed.String(),
	}).Info("extraction job completed")

	r.publish(bookkeeping, EventCompleted, map[string]interface{}{
		"job_id":      job.ID.String(),
		"status":      job.Status,
		"row_count":   job.RowCount,
		"visit_count": job.VisitCount,
		"output_path": job.OutputPath,
		"elapsed_ms":  job.Elapsed.Milliseconds(),
	})
}

// execute produces the job's outputs and returns the written file path.
func (r *Runner) execute(ctx context.Context, job models.ExtractionJob, parsed extract.Request, format storage.Format) (*extract.Result, string, error) {
	res, err := r.extractAndShape(ctx, parsed, job.Request)
	if err != nil {
		return nil, "", err
	}

	path := filepath.Join(r.outputDir, job.ID.String()+format.Extension())
	if err := storage.WriteFile(path, format, res.Table); err != nil {
		return nil, "", err
	}

	if r.rows != nil {
		if err := r.rows.Write(ctx, job.ID, res.Table); err != nil {
			return nil, "", fmt.Errorf("store rows: %w", err)
		}
	}
	if job.Request.Materialize {
		if r.features == nil {
			return nil, "", fmt.Errorf("feature store %w", ErrNotConfigured)
		}
		if _, err := r.features.MaterializeLatest(ctx, res.Table, int(time.Now().Unix())); err != nil {
			return nil, "", fmt.Errorf("materialize features: %w", err)
		}
	}
	return res, path, nil
}

func (r *Runner) fail(ctx context.Context, job models.ExtractionJob, err error) {
	logger.Log.WithError(err).WithField("job_id", job.ID).Error("extraction job failed")
	completed := time.Now().UTC()
	job.Status = StatusFailed
	job.ErrorMessage = err.Error()
	job.CompletedAt = &completed
	if job.StartedAt != nil {
		job.Elapsed = completed.Sub(*job.StartedAt)
	}
	if uerr := r.store.Update(ctx, job); uerr != nil {
		logger.Log.WithError(uerr).WithField("job_id", job.ID).Error("failed to record job failure")
	}
	r.publish(ctx, EventFailed, map[string]interface{}{
		"job_id": job.ID.String(),
		"status": job.Status,
		"error":  job.ErrorMessage,
	})
}

func (r *Runner) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishEvent(ctx, eventType, eventSource, data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("failed to publish job event")
	}
}

// HandleEvent enqueues the request carried by an extraction.requested event.
// Requests that can never succeed are logged and acknowledged.
func (r *Runner) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != EventRequested {
		return nil
	}
	payload := interface{}(event.Data)
	if inner, ok := event.Data["request"]; ok {
		payload = inner
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var req models.ExtractionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("dropping malformed extraction request")
		return nil
	}
	if req.RequestedBy == "" {
		req.RequestedBy = event.Source
	}
	job, err := r.Enqueue(ctx, req)
	if err != nil {
		if IsInvalid(err) {
			logger.Log.WithError(err).WithField("event_id", event.ID).Warn("rejecting extraction request")
			r.publish(ctx, EventFailed, map[string]interface{}{
				"event_id": event.ID,
				"status":   StatusFailed,
				"error":    err.Error(),
			})
			return nil
		}
		return err
	}
	logger.Log.WithField("job_id", job.ID).WithField("event_id", event.ID).Info("extraction request queued")
	return nil
}
