package cdm

import (
	"context"
	"fmt"
)

// FetchEvents reads the observation and measurement rows of the requested
// concepts for one chunk of visits and returns them as a single stream. The
// order of the result is whatever the store produced.
func FetchEvents(ctx context.Context, store Store, concepts []int64, chunk []Visit) ([]Event, error) {
	if len(chunk) == 0 || len(concepts) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(chunk))
	for i, v := range chunk {
		ids[i] = v.VisitID
	}

	observations, err := store.Observations(ctx, concepts, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch observations: %w", err)
	}
	measurements, err := store.Measurements(ctx, concepts, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch measurements: %w", err)
	}

	events := make([]Event, 0, len(observations)+len(measurements))
	events = append(events, observations...)
	events = append(events, measurements...)
	return events, nil
}
