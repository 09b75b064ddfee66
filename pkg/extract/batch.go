package extract

import (
	"iter"
	"slices"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
)

const (
	DefaultChunkSize = 5000
	DefaultCadence   = 1.0
)

// Batches splits visits into consecutive chunks of at most size visits,
// preserving order. The sequence is lazy; an empty input yields no chunks.
func Batches(visits []cdm.Visit, size int) (iter.Seq[[]cdm.Visit], error) {
	if size < 1 {
		return nil, invalidf("chunk size must be at least 1, got %d", size)
	}
	return slices.Chunk(visits, size), nil
}

func chunkCount(n, size int) int {
	if n == 0 {
		return 0
	}
	return (n + size - 1) / size
}
