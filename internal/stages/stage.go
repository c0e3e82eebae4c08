// Package stages implements the five department runners of the daily
// pipeline: Research, Risk, Portfolio, AI Optimizer, Compliance.
//
// Every runner exposes the same contract: Run consumes the previous
// department's output and returns a StageResult plus a typed payload.
// Per-ticker failures inside a runner are logged, recorded as issues,
// and skipped; the stage stays successful as long as its minimum-count
// invariant holds. The coordinator owns message routing between stages.
package stages

import (
	"fmt"
	"math"
	"sort"

	"tradedesk/pkg/types"
)

// Department names used as bus addresses.
const (
	DeptResearch   = "RESEARCH"
	DeptRisk       = "RISK"
	DeptPortfolio  = "PORTFOLIO"
	DeptOptimizer  = "OPTIMIZER"
	DeptCompliance = "COMPLIANCE"
	DeptTrading    = "TRADING"
	DeptExecutive  = "EXECUTIVE"
	DeptMonitor    = "MONITOR"
)

// clampScore bounds a quality or component score to [0,100].
func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// sortCandidates orders deterministically: composite descending, ticker
// ascending on ties. Every list a stage emits goes through this first.
func sortCandidates(cands []types.Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].CompositeScore != cands[j].CompositeScore {
			return cands[i].CompositeScore > cands[j].CompositeScore
		}
		return cands[i].Ticker < cands[j].Ticker
	})
}

func issuef(issues []string, format string, args ...any) []string {
	return append(issues, fmt.Sprintf(format, args...))
}
