package decision

import (
	"fmt"
	"strings"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostapi"
)

// injectionTokenCeiling suppresses injection entirely once the estimated
// context passes this size; adding a preface to an already-huge context only
// makes things worse.
const injectionTokenCeiling = 150_000

// premiumPreface is injected while the premium (first-priority) provider is
// active. It nudges the agent toward frugal output since every token costs.
const premiumPreface = `[COST OPTIMIZATION] You are running on a metered premium model. Be concise: avoid restating the question, skip boilerplate caveats, and prefer short working answers over exhaustive surveys. Only expand when the user asks for depth.`

// standardPreface is the shorter variant used on non-premium providers.
const standardPreface = `[COST OPTIMIZATION] Be concise and avoid unnecessary repetition.`

// BuildInjection composes the pre-turn system preface: the optimization
// rules plus, when advisory routing is on and the tier is mismatched, a
// model recommendation line. Returns "" when injection is suppressed.
func (e *Engine) BuildInjection(d Decision, prompt string, messages []hostapi.Message) string {
	if EstimateContextTokens(prompt, messages) > injectionTokenCeiling {
		e.logger.Warn("context too large, suppressing injection")
		return ""
	}

	var parts []string

	if !e.DisableOptimize {
		if e.isPremium(d.Provider) {
			parts = append(parts, premiumPreface)
		} else {
			parts = append(parts, standardPreface)
		}
	}

	if e.AdvisoryRouting {
		if rec := e.recommendation(d, prompt, messages); rec != "" {
			parts = append(parts, rec)
		}
	}

	return strings.Join(parts, "\n\n")
}

// isPremium reports whether the provider is the chain's first-priority one.
func (e *Engine) isPremium(providerID string) bool {
	first := e.registry.FirstEnabled()
	return first != nil && first.ID == providerID
}

// recommendation emits a [MODEL RECOMMENDATION] line when task complexity is
// mismatched to the active tier: simple work on premium suggests the cheap
// tier, complex work on a cheap tier suggests premium.
func (e *Engine) recommendation(d Decision, prompt string, messages []hostapi.Message) string {
	complexity := ClassifyComplexity(prompt, messages)
	premium := e.isPremium(d.Provider)

	switch {
	case complexity == ComplexitySimple && premium:
		cheap := e.cheapTierModel(d)
		if cheap == "" || cheap == d.Model {
			return ""
		}
		return fmt.Sprintf("[MODEL RECOMMENDATION] This looks like a simple task; consider %s to save budget.", cheap)
	case complexity == ComplexityComplex && !premium:
		first := e.registry.FirstEnabled()
		if first == nil {
			return ""
		}
		model := first.ModelForTask(d.Task)
		if model == "" || model == d.Model {
			return ""
		}
		return fmt.Sprintf("[MODEL RECOMMENDATION] This looks like a complex task; consider %s for better results.", model)
	}
	return ""
}

// cheapTierModel picks the cheapest sensible alternative: the last enabled
// provider in the chain (free local when declared) for the decision's task.
func (e *Engine) cheapTierModel(d Decision) string {
	enabled := e.registry.Enabled()
	if len(enabled) < 2 {
		return ""
	}
	return enabled[len(enabled)-1].ModelForTask(d.Task)
}
