package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
	"github.com/synaptica-ai/omopwide/pkg/common/config"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/common/models"
	"github.com/synaptica-ai/omopwide/pkg/extract"
	"github.com/synaptica-ai/omopwide/pkg/jobs"
	"github.com/synaptica-ai/omopwide/pkg/storage"
	"github.com/synaptica-ai/omopwide/pkg/terminology"
)

var (
	extractConcepts        []string
	extractVisits          []int64
	extractChunkSize       int
	extractCadence         float64
	extractUseTimestamp    bool
	extractDropBeforeStart bool
	extractRegularize      float64
	extractWorkers         int
	extractOutput          string
	extractFormat          string
	extractStore           string
	extractSchema          string
	extractDuckDB          string
	extractCatalog         string
	extractConceptTable    string
	extractQuiet           bool
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Build a wide table for a set of concepts",
	Long: `Extract reads the requested concepts from the observation and measurement
tables, buckets every event by time since admission (or by timestamp) and
writes one row per visit and time bucket.

Concepts are given as id[:label[:reducer]]; reducers are first, last, min,
max, mean, median and sum.

Examples:
  # Hourly heart rate and mean systolic pressure for every visit
  omopwide extract -c 3027018:hr -c 3004249:sbp:mean -o vitals.parquet

  # Exact timestamps for two visits from a DuckDB copy of the CDM
  omopwide extract -c 3027018 --visits 11,12 --cadence 0 --timestamp \
    --store duckdb --duckdb cdm.duckdb -o hr.csv`,
	Args: cobra.NoArgs,
	RunE: runExtract,
}

func init() {
	cfg := config.Load()
	flags := extractCmd.Flags()
	flags.StringArrayVarP(&extractConcepts, "concept", "c", nil, "Concept as id[:label[:reducer]] (repeatable)")
	flags.Int64SliceVar(&extractVisits, "visits", nil, "Restrict to these visit_occurrence_ids")
	flags.IntVar(&extractChunkSize, "chunk-size", cfg.ExtractChunkSize, "Visits per database round trip")
	flags.Float64Var(&extractCadence, "cadence", cfg.ExtractCadence, "Bucket width in hours (0 keeps exact times)")
	flags.BoolVar(&extractUseTimestamp, "timestamp", false, "Use absolute timestamps instead of elapsed hours")
	flags.BoolVar(&extractDropBeforeStart, "drop-before-start", false, "Drop events recorded before the visit start")
	flags.Float64Var(&extractRegularize, "regularize", 0, "Fill a gap-free grid with this cadence in hours (0 = off)")
	flags.IntVar(&extractWorkers, "workers", cfg.ExtractWorkers, "Visits processed concurrently per chunk")
	flags.StringVarP(&extractOutput, "output", "o", "", "Output file, or - for stdout")
	flags.StringVar(&extractFormat, "format", "", "csv, parquet, xlsx or json (default: from the output extension)")
	flags.StringVar(&extractStore, "store", cfg.CDMStore, "CDM backend: postgres or duckdb")
	flags.StringVar(&extractSchema, "schema", cfg.CDMSchema, "CDM schema")
	flags.StringVar(&extractDuckDB, "duckdb", cfg.DuckDBPath, "DuckDB database file")
	flags.StringVar(&extractCatalog, "catalog", cfg.ConceptCatalogPath, "Concept catalog YAML file")
	flags.StringVar(&extractConceptTable, "concept-table", cfg.ConceptTable, "Concept metadata table (postgres only)")
	flags.BoolVarP(&extractQuiet, "quiet", "q", false, "Hide the progress bar")
	_ = extractCmd.MarkFlagRequired("concept")
	_ = extractCmd.MarkFlagRequired("output")
}

func outputFormat() (storage.Format, error) {
	if extractFormat != "" {
		return storage.ParseFormat(extractFormat)
	}
	if extractOutput == "-" {
		return "", fmt.Errorf("--format is required when writing to stdout")
	}
	return storage.FormatFromPath(extractOutput)
}

func runExtract(cmd *cobra.Command, args []string) error {
	logger.InitWithOutput(os.Stderr)

	specs, err := parseConceptSpecs(extractConcepts)
	if err != nil {
		return err
	}
	format, err := outputFormat()
	if err != nil {
		return err
	}
	req := models.ExtractionRequest{
		VisitIDs:        extractVisits,
		Concepts:        specs,
		ChunkSize:       extractChunkSize,
		Cadence:         &extractCadence,
		UseTimestamp:    extractUseTimestamp,
		DropBeforeStart: extractDropBeforeStart,
		RequestedBy:     "cli",
	}
	req.Regularize = regularizeCadence(cmd.Flags().Changed("regularize"), extractRegularize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	cfg.CDMStore = extractStore
	cfg.CDMSchema = extractSchema
	cfg.DuckDBPath = extractDuckDB
	store, db, closer, err := cdm.Connect(cfg)
	if err != nil {
		return fmt.Errorf("open cdm: %w", err)
	}
	defer closer.Close()

	catalog, err := terminology.LoadConfigured(ctx, db, extractConceptTable, extractCatalog)
	if err != nil {
		return fmt.Errorf("load concept catalog: %w", err)
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if extractQuiet {
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("chunks"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}

	extractor := extract.New(store, catalog, extract.WithWorkers(extractWorkers), extract.WithProgress(progress))
	res, err := jobs.NewRunner(extractor, nil).Run(ctx, req)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	if extractOutput == "-" {
		if err := storage.Write(os.Stdout, format, res.Table); err != nil {
			return err
		}
	} else if err := storage.WriteFile(extractOutput, format, res.Table); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d rows for %d visits (%d events) in %s\n",
		res.Table.Len(), res.Table.VisitCount(), res.Stats.Events, res.Stats.Elapsed.Round(time.Millisecond))
	return nil
}

// regularizeCadence maps the --regularize flag onto the request. Zero keeps
// regularization off; negative values are passed on and rejected.
func regularizeCadence(changed bool, cadence float64) *float64 {
	if !changed || cadence == 0 {
		return nil
	}
	return &cadence
}
