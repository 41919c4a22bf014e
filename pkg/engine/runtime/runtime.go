// Package runtime defines the vocabulary shared by the chain drivers and the telemetry
// layer, keeping metric labels decoupled from execution mechanics.
package runtime

// HopOutcome classifies how one policy hop ended.
type HopOutcome string

const (
	// OutcomeSuccess indicates the policy returned a result after the next link ran.
	OutcomeSuccess HopOutcome = "success"
	// OutcomeShortCircuit indicates the policy returned without calling the next link.
	OutcomeShortCircuit HopOutcome = "short_circuit"
	// OutcomeFailure indicates the policy propagated a failure.
	OutcomeFailure HopOutcome = "failure"
	// OutcomeRecovered indicates the policy turned a downstream failure into a success.
	OutcomeRecovered HopOutcome = "recovered"
)

// Scope names the kind of chain a hop belongs to.
type Scope string

const (
	// ScopeSource marks hops of an inbound-message chain.
	ScopeSource Scope = "source"
	// ScopeOperation marks hops of an outbound-call chain.
	ScopeOperation Scope = "operation"
)

// Classify derives the outcome of a hop.
func Classify(calledNext, downstreamFailed bool, err error) HopOutcome {
	switch {
	case err != nil:
		return OutcomeFailure
	case downstreamFailed:
		return OutcomeRecovered
	case !calledNext:
		return OutcomeShortCircuit
	default:
		return OutcomeSuccess
	}
}
