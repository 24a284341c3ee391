// Package output materializes result sets. A pure selector picks the
// cheapest writer that can safely handle the estimated size; the writers
// trade formatting richness for throughput as the dataset grows.
package output

import (
	"github.com/avelacq/bulkstage/internal/config"
)

// Strategy names one of the three writer implementations.
type Strategy string

const (
	// StrategyInMemory builds the whole workbook in memory. Fastest per
	// row, memory proportional to the dataset.
	StrategyInMemory Strategy = "in_memory"
	// StrategyWindowedStream keeps a bounded window of rows resident and
	// flushes the rest to a temporary backing store.
	StrategyWindowedStream Strategy = "windowed_stream"
	// StrategyFlatText writes delimited text with O(1) memory, no
	// workbook formatting.
	StrategyFlatText Strategy = "flat_text"
)

// Policy carries the caller's overrides.
type Policy struct {
	// ForceStreaming rules out the in-memory builder regardless of size.
	ForceStreaming bool
	// PreferFlatText picks delimited text regardless of size.
	PreferFlatText bool
}

// Select picks a writer strategy from estimated size and policy. It is a
// pure function of its arguments. At a threshold boundary the
// higher-capacity strategy wins, so every size maps to exactly one
// strategy with no gap.
func Select(rows, cells int, policy Policy, cfg config.OutputConfig) Strategy {
	if policy.PreferFlatText {
		return StrategyFlatText
	}
	if rows >= cfg.StreamMaxRows || cells >= cfg.StreamMaxCells {
		return StrategyFlatText
	}
	if policy.ForceStreaming {
		return StrategyWindowedStream
	}
	if rows < cfg.InMemoryMaxRows && cells < cfg.InMemoryMaxCells {
		return StrategyInMemory
	}
	return StrategyWindowedStream
}
