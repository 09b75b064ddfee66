package cdm

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store, used by tests and by callers that
// already hold the CDM rows in memory.
type MemoryStore struct {
	mu           sync.RWMutex
	visits       []Visit
	observations []Event
	measurements []Event
	err          error
	queries      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AddVisits(visits ...Visit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits = append(m.visits, visits...)
	sort.SliceStable(m.visits, func(i, j int) bool { return m.visits[i].VisitID < m.visits[j].VisitID })
}

// AddEvents files each event under the table named by its Source.
func (m *MemoryStore) AddEvents(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if e.Source == SourceMeasurement {
			m.measurements = append(m.measurements, e)
		} else {
			e.Source = SourceObservation
			m.observations = append(m.observations, e)
		}
	}
}

// FailWith makes every subsequent read return err.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Queries reports how many reads have been served.
func (m *MemoryStore) Queries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queries
}

func (m *MemoryStore) Visits(ctx context.Context, visitIDs []int64) ([]Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := toSet(visitIDs)
	out := make([]Visit, 0, len(m.visits))
	for _, v := range m.visits {
		if len(wanted) == 0 || wanted[v.VisitID] {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *MemoryStore) Observations(ctx context.Context, concepts []int64, visitIDs []int64) ([]Event, error) {
	return m.filter(ctx, m.observations, concepts, visitIDs)
}

func (m *MemoryStore) Measurements(ctx context.Context, concepts []int64, visitIDs []int64) ([]Event, error) {
	return m.filter(ctx, m.measurements, concepts, visitIDs)
}

func (m *MemoryStore) filter(ctx context.Context, events []Event, concepts []int64, visitIDs []int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conceptSet := toSet(concepts)
	visitSet := toSet(visitIDs)
	var out []Event
	for _, e := range events {
		if conceptSet[e.ConceptID] && visitSet[e.VisitID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
