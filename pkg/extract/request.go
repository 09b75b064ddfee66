package extract

import (
	"errors"
	"strconv"
	"strings"

	"github.com/synaptica-ai/omopwide/pkg/common/models"
	"github.com/synaptica-ai/omopwide/pkg/terminology"
)

// Request describes one extraction. Labels and Reducers are either empty or
// parallel to Concepts; a nil reducer means First.
type Request struct {
	VisitIDs []int64
	Concepts []int64
	Labels   []string
	Reducers []Reducer

	ChunkSize       int
	Cadence         float64
	UseTimestamp    bool
	DropBeforeStart bool
}

// NewRequest returns a request for concepts with the default chunk size and
// cadence.
func NewRequest(concepts ...int64) Request {
	return Request{
		Concepts:  concepts,
		ChunkSize: DefaultChunkSize,
		Cadence:   DefaultCadence,
	}
}

// FromModel converts the wire form of a request, applying defaults for the
// fields the caller left out.
func FromModel(m models.ExtractionRequest) (Request, error) {
	req := NewRequest()
	req.VisitIDs = m.VisitIDs
	req.UseTimestamp = m.UseTimestamp
	req.DropBeforeStart = m.DropBeforeStart
	if m.ChunkSize != 0 {
		req.ChunkSize = m.ChunkSize
	}
	if m.Cadence != nil {
		req.Cadence = *m.Cadence
	}

	labelled := false
	for _, c := range m.Concepts {
		if c.Label != "" {
			labelled = true
		}
	}
	for _, c := range m.Concepts {
		reducer, err := LookupReducer(c.Reducer)
		if err != nil {
			return Request{}, err
		}
		req.Concepts = append(req.Concepts, c.ConceptID)
		req.Reducers = append(req.Reducers, reducer)
		if labelled {
			label := c.Label
			if label == "" {
				label = strconv.FormatInt(c.ConceptID, 10)
			}
			req.Labels = append(req.Labels, label)
		}
	}
	return req, nil
}

// plan is a validated request with its concepts resolved.
type plan struct {
	axis      TimeAxis
	chunkSize int
	columns   []Column
	reducers  []Reducer
	// position maps a concept id to its column index.
	position map[int64]int
	// labels maps the internal column key to the caller's label.
	labels map[string]string
}

func conceptKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func newPlan(req Request, resolver terminology.Resolver) (*plan, error) {
	if len(req.Concepts) == 0 {
		return nil, invalidf("at least one concept is required")
	}
	if len(req.Labels) != 0 && len(req.Labels) != len(req.Concepts) {
		return nil, invalidf("got %d labels for %d concepts", len(req.Labels), len(req.Concepts))
	}
	if len(req.Reducers) != 0 && len(req.Reducers) != len(req.Concepts) {
		return nil, invalidf("got %d reducers for %d concepts", len(req.Reducers), len(req.Concepts))
	}
	if req.ChunkSize < 1 {
		return nil, invalidf("chunk size must be at least 1, got %d", req.ChunkSize)
	}
	axis, err := NewTimeAxis(req.Cadence, req.UseTimestamp)
	if err != nil {
		return nil, err
	}
	axis.DropBeforeStart = req.DropBeforeStart

	p := &plan{
		axis:      axis,
		chunkSize: req.ChunkSize,
		columns:   make([]Column, len(req.Concepts)),
		reducers:  make([]Reducer, len(req.Concepts)),
		position:  make(map[int64]int, len(req.Concepts)),
		labels:    make(map[string]string, len(req.Concepts)),
	}
	seenLabels := make(map[string]bool, len(req.Concepts))
	for i, id := range req.Concepts {
		if _, dup := p.position[id]; dup {
			return nil, invalidf("concept %d requested more than once", id)
		}
		concept, err := resolver.Resolve(id)
		if err != nil {
			if errors.Is(err, terminology.ErrUnknownConcept) {
				return nil, ValidationError{reason: err}
			}
			return nil, err
		}

		key := conceptKey(id)
		label := key
		if len(req.Labels) > 0 {
			label = strings.TrimSpace(req.Labels[i])
		}
		if label == "" || reservedColumn(label) {
			return nil, invalidf("label %q for concept %d is not allowed", label, id)
		}
		if seenLabels[label] {
			return nil, invalidf("label %q used more than once", label)
		}
		seenLabels[label] = true
		p.labels[key] = label

		reducer := First
		if len(req.Reducers) > 0 && req.Reducers[i] != nil {
			reducer = req.Reducers[i]
		}
		p.reducers[i] = reducer
		p.position[id] = i
		p.columns[i] = Column{
			Name:        key,
			ConceptID:   id,
			Display:     concept.Label,
			ValueColumn: concept.ValueColumn,
		}
	}
	return p, nil
}
