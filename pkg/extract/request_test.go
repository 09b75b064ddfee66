package extract

import (
	"encoding/json"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
	"github.com/synaptica-ai/omopwide/pkg/common/models"
)

func TestBatches(t *testing.T) {
	visits := make([]cdm.Visit, 7)
	for i := range visits {
		visits[i].VisitID = int64(i + 1)
	}
	seq, err := Batches(visits, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sizes []int
	var order []int64
	for chunk := range seq {
		sizes = append(sizes, len(chunk))
		for _, v := range chunk {
			order = append(order, v.VisitID)
		}
	}
	if !reflect.DeepEqual(sizes, []int{3, 3, 1}) {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
	if !slices.IsSorted(order) || len(order) != 7 {
		t.Fatalf("order not preserved: %v", order)
	}
	if chunkCount(7, 3) != 3 || chunkCount(0, 3) != 0 {
		t.Fatal("unexpected chunk count")
	}
}

func TestBatchesRejectsZeroSize(t *testing.T) {
	if _, err := Batches(nil, 0); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFromModelDefaults(t *testing.T) {
	req, err := FromModel(models.ExtractionRequest{
		Concepts: []models.ConceptSpec{{ConceptID: 1}, {ConceptID: 2, Reducer: "max"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ChunkSize != DefaultChunkSize || req.Cadence != DefaultCadence {
		t.Fatalf("defaults not applied: %+v", req)
	}
	if len(req.Labels) != 0 || len(req.Reducers) != 2 {
		t.Fatalf("unexpected labels/reducers %+v", req)
	}
}

func TestFromModelFillsMissingLabels(t *testing.T) {
	zero := 0.0
	req, err := FromModel(models.ExtractionRequest{
		Concepts: []models.ConceptSpec{{ConceptID: 1, Label: "hr"}, {ConceptID: 2}},
		Cadence:  &zero,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(req.Labels, []string{"hr", "2"}) {
		t.Fatalf("unexpected labels %v", req.Labels)
	}
	if req.Cadence != 0 {
		t.Fatalf("explicit zero cadence lost: %v", req.Cadence)
	}
}

func TestFromModelUnknownReducer(t *testing.T) {
	_, err := FromModel(models.ExtractionRequest{Concepts: []models.ConceptSpec{{ConceptID: 1, Reducer: "mode"}}})
	if !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTableRename(t *testing.T) {
	tbl := &Table{Columns: []Column{{Name: "1"}, {Name: "2"}}}
	if err := tbl.Rename(map[string]string{"1": "2"}); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if err := tbl.Rename(map[string]string{"1": ColumnPerson}); err == nil {
		t.Fatal("expected reserved name error")
	}
	if err := tbl.Rename(map[string]string{"1": "a", "10": "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Columns[0].Name != "a" || tbl.Columns[1].Name != "2" {
		t.Fatalf("unexpected columns %+v", tbl.Columns)
	}
}

func TestTableJSON(t *testing.T) {
	tbl := &Table{
		Mode:    ElapsedMode,
		Columns: []Column{{Name: "hr", ConceptID: 1, ValueColumn: cdm.ValueNumber}},
		Rows:    []Row{{VisitID: 1, PersonID: 2, Time: Bucket{Hours: 3}, Values: []any{nil}}},
	}
	raw, err := json.Marshal(tbl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, `"mode":"elapsed"`) || !strings.Contains(body, `"time":3`) {
		t.Fatalf("unexpected json %s", body)
	}
	if strings.Contains(body, `"hr":`) {
		t.Fatalf("absent cell should be omitted: %s", body)
	}
}
