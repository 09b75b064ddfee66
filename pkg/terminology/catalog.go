package terminology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

var ErrUnknownConcept = errors.New("unknown concept")

// Concept describes where a concept's payload lives and what to call it.
type Concept struct {
	ConceptID   int64           `yaml:"concept_id" json:"concept_id" gorm:"column:concept_id"`
	ValueColumn cdm.ValueColumn `yaml:"value_column" json:"value_column" gorm:"column:value_column"`
	Label       string          `yaml:"label" json:"label" gorm:"column:label"`
	Domain      string          `yaml:"domain,omitempty" json:"domain,omitempty" gorm:"column:domain"`
}

// Resolver maps a concept id to its metadata. Implementations must be safe
// for concurrent use and must not perform I/O per call.
type Resolver interface {
	Resolve(conceptID int64) (Concept, error)
}

// Catalog is a read-only, in-memory Resolver.
type Catalog struct {
	concepts map[int64]Concept
}

type catalogFile struct {
	Concepts []Concept `yaml:"concepts"`
}

func NewCatalog(concepts ...Concept) (*Catalog, error) {
	cat := &Catalog{concepts: make(map[int64]Concept, len(concepts))}
	for _, c := range concepts {
		col, err := cdm.ParseValueColumn(string(c.ValueColumn))
		if err != nil {
			return nil, fmt.Errorf("concept %d: %w", c.ConceptID, err)
		}
		c.ValueColumn = col
		if _, dup := cat.concepts[c.ConceptID]; dup {
			return nil, fmt.Errorf("concept %d listed twice", c.ConceptID)
		}
		if c.Label == "" {
			c.Label = fmt.Sprintf("concept_%d", c.ConceptID)
		}
		cat.concepts[c.ConceptID] = c
	}
	return cat, nil
}

// Load reads a YAML catalog. An empty path yields DefaultCatalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, err
	}
	if len(file.Concepts) == 0 {
		return nil, fmt.Errorf("terminology catalog empty")
	}
	return NewCatalog(file.Concepts...)
}

// LoadTable reads concept metadata from a table with the columns
// concept_id, value_column, label and domain.
func LoadTable(ctx context.Context, db *gorm.DB, table string) (*Catalog, error) {
	var rows []Concept
	if err := db.WithContext(ctx).Table(table).Select("concept_id, value_column, label, domain").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("load concept table %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("concept table %s is empty", table)
	}
	return NewCatalog(rows...)
}

// LoadConfigured picks the concept source: the table when one is named and a
// database is available, else the YAML file, else the built-in catalog.
func LoadConfigured(ctx context.Context, db *gorm.DB, table, path string) (*Catalog, error) {
	if table != "" && db != nil {
		return LoadTable(ctx, db, table)
	}
	return Load(path)
}

func (c *Catalog) Resolve(conceptID int64) (Concept, error) {
	if c != nil {
		if concept, ok := c.concepts[conceptID]; ok {
			return concept, nil
		}
	}
	return Concept{}, fmt.Errorf("%w: %d", ErrUnknownConcept, conceptID)
}

// Concepts lists the catalog ordered by concept id.
func (c *Catalog) Concepts() []Concept {
	if c == nil {
		return nil
	}
	out := make([]Concept, 0, len(c.concepts))
	for _, concept := range c.concepts {
		out = append(out, concept)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConceptID < out[j].ConceptID })
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.concepts)
}

// DefaultCatalog covers common vital signs and chemistry measurements.
func DefaultCatalog() *Catalog {
	cat, _ := NewCatalog(
		Concept{ConceptID: 3027018, ValueColumn: cdm.ValueNumber, Label: "heart_rate", Domain: "Measurement"},
		Concept{ConceptID: 3004249, ValueColumn: cdm.ValueNumber, Label: "systolic_bp", Domain: "Measurement"},
		Concept{ConceptID: 3012888, ValueColumn: cdm.ValueNumber, Label: "diastolic_bp", Domain: "Measurement"},
		Concept{ConceptID: 3020891, ValueColumn: cdm.ValueNumber, Label: "body_temperature", Domain: "Measurement"},
		Concept{ConceptID: 3024171, ValueColumn: cdm.ValueNumber, Label: "respiratory_rate", Domain: "Measurement"},
		Concept{ConceptID: 3016502, ValueColumn: cdm.ValueNumber, Label: "oxygen_saturation", Domain: "Measurement"},
		Concept{ConceptID: 3016723, ValueColumn: cdm.ValueNumber, Label: "creatinine", Domain: "Measurement"},
		Concept{ConceptID: 3000963, ValueColumn: cdm.ValueNumber, Label: "hemoglobin", Domain: "Measurement"},
		Concept{ConceptID: 3023103, ValueColumn: cdm.ValueNumber, Label: "potassium", Domain: "Measurement"},
		Concept{ConceptID: 3019550, ValueColumn: cdm.ValueNumber, Label: "sodium", Domain: "Measurement"},
	)
	return cat
}
