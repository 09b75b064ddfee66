package extract

import (
	"sort"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
)

// assembleVisit full-outer-joins the per-concept series of one visit on their
// bucket. series[i] feeds column i. The result holds one row per distinct
// bucket in ascending order; buckets nobody observed are not invented.
func assembleVisit(visit cdm.Visit, series [][]point) []Row {
	index := make(map[Bucket]int)
	var rows []Row
	for col, s := range series {
		for _, p := range s {
			i, ok := index[p.bucket]
			if !ok {
				i = len(rows)
				index[p.bucket] = i
				rows = append(rows, Row{
					VisitID:  visit.VisitID,
					PersonID: visit.PersonID,
					Time:     p.bucket,
					Values:   make([]any, len(series)),
				})
			}
			rows[i].Values[col] = p.value
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Time.Compare(rows[j].Time) < 0 })
	return rows
}
