// Package extract reshapes CDM events into wide, time-bucketed tables with
// one row per visit and time bucket and one column per requested concept.
package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/omopwide/pkg/cdm"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/observability/metrics"
	"github.com/synaptica-ai/omopwide/pkg/terminology"
	"golang.org/x/sync/errgroup"
)

// ProgressFunc is called after every chunk with the chunks done so far.
type ProgressFunc func(done, total int)

type Extractor struct {
	store    cdm.Store
	resolver terminology.Resolver
	workers  int
	progress ProgressFunc
}

type Option func(*Extractor)

// WithWorkers processes up to n visits of a chunk concurrently. Output order
// does not depend on n.
func WithWorkers(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(e *Extractor) {
		e.progress = fn
	}
}

func New(store cdm.Store, resolver terminology.Resolver, opts ...Option) *Extractor {
	e := &Extractor{store: store, resolver: resolver, workers: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type Stats struct {
	Elapsed time.Duration `json:"elapsed"`
	Chunks  int           `json:"chunks"`
	Visits  int           `json:"visits"`
	Events  int           `json:"events"`
	Rows    int           `json:"rows"`
}

type Result struct {
	Table *Table `json:"table"`
	Stats Stats  `json:"stats"`
}

// Extract runs the whole pipeline. Either the complete table is returned or
// an error; partial tables are never returned.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := e.extract(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveExtractionFailure()
		logger.Log.WithError(err).WithField("elapsed", elapsed.String()).Error("extraction failed")
		return nil, err
	}
	res.Stats.Elapsed = elapsed
	metrics.ObserveExtraction(res.Stats.Rows, res.Stats.Visits, res.Stats.Events, elapsed)
	logger.WithFields(logrus.Fields{
		"elapsed":  elapsed.String(),
		"chunks":   res.Stats.Chunks,
		"visits":   res.Stats.Visits,
		"events":   res.Stats.Events,
		"rows":     res.Stats.Rows,
		"concepts": len(req.Concepts),
		"mode":     res.Table.Mode.String(),
	}).Info("extraction completed")
	return res, nil
}

// Validate runs the request checks of Extract without touching the store.
func (e *Extractor) Validate(req Request) error {
	_, err := newPlan(req, e.resolver)
	return err
}

func (e *Extractor) extract(ctx context.Context, req Request) (*Result, error) {
	p, err := newPlan(req, e.resolver)
	if err != nil {
		return nil, err
	}

	visits, err := e.store.Visits(ctx, req.VisitIDs)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	chunks, err := Batches(visits, p.chunkSize)
	if err != nil {
		return nil, err
	}

	table := &Table{Mode: p.axis.Mode, Columns: p.columns}
	stats := Stats{Visits: len(visits)}
	total := chunkCount(len(visits), p.chunkSize)

	for chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := cdm.FetchEvents(ctx, e.store, req.Concepts, chunk)
		if err != nil {
			return nil, err
		}
		rows, err := e.processChunk(ctx, p, chunk, events)
		if err != nil {
			return nil, err
		}
		table.Rows = append(table.Rows, rows...)

		stats.Chunks++
		stats.Events += len(events)
		logger.WithFields(logrus.Fields{
			"chunk":  stats.Chunks,
			"total":  total,
			"visits": len(chunk),
			"events": len(events),
			"rows":   len(rows),
		}).Debug("chunk processed")
		if e.progress != nil {
			e.progress(stats.Chunks, total)
		}
	}

	if err := table.Rename(p.labels); err != nil {
		return nil, err
	}
	stats.Rows = table.Len()
	return &Result{Table: table, Stats: stats}, nil
}

// processChunk groups a chunk's events by visit and concept and assembles
// each visit independently. Rows come back in chunk order.
func (e *Extractor) processChunk(ctx context.Context, p *plan, chunk []cdm.Visit, events []cdm.Event) ([]Row, error) {
	byVisit := make(map[int64][][]cdm.Event, len(chunk))
	for _, v := range chunk {
		byVisit[v.VisitID] = make([][]cdm.Event, len(p.columns))
	}
	for _, ev := range events {
		perConcept, ok := byVisit[ev.VisitID]
		if !ok {
			continue
		}
		col, ok := p.position[ev.ConceptID]
		if !ok {
			continue
		}
		perConcept[col] = append(perConcept[col], ev)
	}

	results := make([][]Row, len(chunk))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, visit := range chunk {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := buildVisit(p, visit, byVisit[visit.VisitID])
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rows []Row
	for _, r := range results {
		rows = append(rows, r...)
	}
	return rows, nil
}

func buildVisit(p *plan, visit cdm.Visit, perConcept [][]cdm.Event) ([]Row, error) {
	series := make([][]point, len(p.columns))
	for i, col := range p.columns {
		s, err := reduceConcept(visit, perConcept[i], p.axis, col.ValueColumn, p.reducers[i])
		if err != nil {
			return nil, err
		}
		series[i] = s
	}
	return assembleVisit(visit, series), nil
}
