package manager

import "github.com/Tecet/OLLM-CLI-sub015/internal/compress"

// Tier is a context-budget band with an associated compression policy.
// Small budgets cannot afford checkpoint overhead and roll over
// instead; large budgets keep a deep checkpoint history.
type Tier int

const (
	// TierMinimal covers budgets up to 4K tokens.
	TierMinimal Tier = iota + 1
	// TierBasic covers 4K to 8K.
	TierBasic
	// TierStandard covers 8K to 32K.
	TierStandard
	// TierPremium covers 32K to 64K.
	TierPremium
	// TierUltra covers 64K and above.
	TierUltra
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierMinimal:
		return "minimal"
	case TierBasic:
		return "basic"
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	case TierUltra:
		return "ultra"
	}
	return "unknown"
}

// Policy is the compression behavior for one tier.
type Policy struct {
	Tier Tier
	// MinBudget is the inclusive lower bound of the tier in tokens.
	MinBudget int
	// Rollover selects snapshot-and-reset instead of checkpointing.
	// Only the minimal tier sets it; such budgets cannot spare tokens
	// for summaries.
	Rollover bool
	// Strategy is the compression strategy used when the threshold is
	// reached. Ignored when Rollover is set.
	Strategy compress.Strategy
	// MinCheckpoints and MaxCheckpoints bound the checkpoint history
	// kept for the tier. The store compacts above MaxCheckpoints.
	MinCheckpoints, MaxCheckpoints int
}

// policyTable is ordered by MinBudget descending so the first match
// wins. Bands: <4K rollover, 4-8K hybrid, 8-32K hybrid with deeper
// history, 32-64K summarize, 64K+ summarize with the deepest history.
var policyTable = []Policy{
	{Tier: TierUltra, MinBudget: 65536, Strategy: compress.StrategySummarize, MinCheckpoints: 10, MaxCheckpoints: 15},
	{Tier: TierPremium, MinBudget: 32768, Strategy: compress.StrategySummarize, MinCheckpoints: 5, MaxCheckpoints: 10},
	{Tier: TierStandard, MinBudget: 8192, Strategy: compress.StrategyHybrid, MinCheckpoints: 3, MaxCheckpoints: 5},
	{Tier: TierBasic, MinBudget: 4096, Strategy: compress.StrategyHybrid, MinCheckpoints: 1, MaxCheckpoints: 3},
	{Tier: TierMinimal, MinBudget: 0, Rollover: true},
}

// PolicyFor returns the policy for a context budget in tokens.
func PolicyFor(budget int) Policy {
	for _, p := range policyTable {
		if budget >= p.MinBudget {
			return p
		}
	}
	return policyTable[len(policyTable)-1]
}
