package ledger

import (
	"sort"

	"docpipe/internal/pipeline"
)

func sortStages(stages []pipeline.Stage) {
	sort.Slice(stages, func(i, j int) bool { return stages[i].Rank() < stages[j].Rank() })
}
