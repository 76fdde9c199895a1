package consensus

import (
	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/prompt"
)

// batchSize returns how many items fit one prompt for both endpoints of the pair.
func (v *Validator) batchSize(pair endpoint.Set, resume string) int {
	budget := pair.MinSizeClass() - v.overheadTokens - prompt.EstimateTokens(resume)
	size := budget / v.tokensPerItem

	if size > v.maxBatchItems {
		size = v.maxBatchItems
	}
	if size < 1 {
		size = 1
	}
	return size
}

// partition splits items into consecutive batches of at most size items.
func partition(items []WorkItem, size int) [][]WorkItem {
	if len(items) == 0 {
		return nil
	}

	batches := make([][]WorkItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
