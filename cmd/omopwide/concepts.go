package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/synaptica-ai/omopwide/pkg/common/models"
)

// parseConceptSpecs reads --concept values of the form id[:label[:reducer]].
func parseConceptSpecs(values []string) ([]models.ConceptSpec, error) {
	specs := make([]models.ConceptSpec, 0, len(values))
	for _, raw := range values {
		parts := strings.Split(strings.TrimSpace(raw), ":")
		if len(parts) > 3 {
			return nil, fmt.Errorf("concept %q: expected id[:label[:reducer]]", raw)
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("concept %q: invalid id", raw)
		}
		spec := models.ConceptSpec{ConceptID: id}
		if len(parts) > 1 {
			spec.Label = parts[1]
		}
		if len(parts) > 2 {
			spec.Reducer = parts[2]
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
