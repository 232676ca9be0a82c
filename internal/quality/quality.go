// Package quality holds the pure scoring functions the stage machine
// consults on every advance: the 0-1 context maturity score used for
// progress display and the five named quality gates used to judge stage
// readiness. Nothing here mutates session state.
package quality

// Gate names. Gates are cumulative: once a session has passed one, it is
// never retracted.
const (
	GateInitialResearch  = "initial_research"
	GateLLMConsensus     = "llm_consensus"
	GateFeasibility      = "implementation_feasibility"
	GateValidation       = "research_validation"
	GateFinalPlanQuality = "final_plan_quality"
)

// AllGates lists every gate name, in evaluation order.
var AllGates = []string{
	GateInitialResearch,
	GateLLMConsensus,
	GateFeasibility,
	GateValidation,
	GateFinalPlanQuality,
}

// Targets for the maturity weighting. Queries aim at a full initial batch
// plus a couple of dynamic follow-ups; sources at the middle of the 100-200
// corpus the analyst is expected to digest; insights at the 15-20 extraction
// band.
const (
	queryTarget   = 10.0
	sourceTarget  = 150.0
	insightTarget = 18.0
	messageTarget = 20.0
)

// Stats are the session counters the scorers read. The workflow fills the
// semantic booleans (consensus, feasibility) from its own stage knowledge.
type Stats struct {
	SearchBatches      int
	QueriesExecuted    int
	SourceCount        int
	InsightCount       int
	SupportedInsights  int
	MessageCount       int
	GatesPassed        int
	DocumentsPlanned   int
	DocumentsAttempted int
	ConsensusReached   bool
	FeasibilityStated  bool
	Maturity           float64
}

// Score computes the context maturity for the given counters: research 30%
// (executed-query breadth and source volume, averaged), discussion depth
// 30%, gate progress 20%, insight coverage 20%. Callers ratchet the result
// at the session so displayed maturity never decreases.
func Score(stats Stats) float64 {
	breadth := clamp(float64(stats.QueriesExecuted) / queryTarget)
	volume := clamp(float64(stats.SourceCount) / sourceTarget)
	research := (breadth + volume) / 2
	discussion := clamp(float64(stats.MessageCount) / messageTarget)
	gates := clamp(float64(stats.GatesPassed) / float64(len(AllGates)))
	insights := clamp(float64(stats.InsightCount) / insightTarget)
	return research*0.3 + discussion*0.3 + gates*0.2 + insights*0.2
}

// Evaluate returns the set of gates satisfied by the given state. The
// threshold is the configured final-plan maturity floor.
func Evaluate(stats Stats, threshold float64) []string {
	var passed []string
	if stats.SearchBatches >= 1 {
		passed = append(passed, GateInitialResearch)
	}
	if stats.ConsensusReached {
		passed = append(passed, GateLLMConsensus)
	}
	if stats.FeasibilityStated {
		passed = append(passed, GateFeasibility)
	}
	if stats.SupportedInsights >= 1 {
		passed = append(passed, GateValidation)
	}
	if stats.Maturity >= threshold &&
		stats.DocumentsPlanned > 0 &&
		stats.DocumentsAttempted >= stats.DocumentsPlanned {
		passed = append(passed, GateFinalPlanQuality)
	}
	return passed
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
