package providers

import "github.com/BaSui01/stepflow/types"

// Each provider supports a different subset of the five reasoning-effort
// levels; the collapse functions map onto what each API accepts.

// EffortForOpenAI maps onto the /responses reasoning.effort values.
func EffortForOpenAI(e types.ReasoningEffort) string {
	switch e {
	case types.EffortMinimal:
		return "minimal"
	case types.EffortLow:
		return "low"
	case types.EffortHigh, types.EffortXHigh:
		return "high"
	default:
		return "medium"
	}
}

// EffortForAnthropic maps onto an extended-thinking token budget; zero
// disables thinking entirely.
func EffortForAnthropic(e types.ReasoningEffort) int {
	switch e {
	case types.EffortMinimal, types.EffortLow:
		return 0
	case types.EffortHigh:
		return 16384
	case types.EffortXHigh:
		return 32768
	default:
		return 4096
	}
}

// EffortForCLI maps onto the three-level flag the command-line tools accept.
func EffortForCLI(e types.ReasoningEffort) string {
	switch e {
	case types.EffortMinimal, types.EffortLow:
		return "low"
	case types.EffortHigh, types.EffortXHigh:
		return "high"
	default:
		return "medium"
	}
}
