// Package usage extracts token counts and cost from a finished turn's
// transcript. The host reports usage to us; we never count outgoing prompts.
package usage

import (
	"time"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostapi"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/pricing"
)

// Turn is the aggregated usage of one completed turn.
type Turn struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// tokenFieldPairs is the precedence list of usage key pairs across provider
// SDKs. The first pair that yields numbers wins.
var tokenFieldPairs = [][2]string{
	{"input_tokens", "output_tokens"},
	{"prompt_tokens", "completion_tokens"},
	{"input", "output"},
}

func tokensFrom(u map[string]any) (in, out int, ok bool) {
	for _, pair := range tokenFieldPairs {
		iv, iok := asInt(u[pair[0]])
		ov, ook := asInt(u[pair[1]])
		if iok || ook {
			return iv, ov, true
		}
	}
	return 0, 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

// precomputedCost returns the host-supplied cost.total when present and
// positive.
func precomputedCost(u map[string]any) (float64, bool) {
	c, ok := u["cost"].(map[string]any)
	if !ok {
		return 0, false
	}
	t, ok := c["total"].(float64)
	if !ok || t <= 0 {
		return 0, false
	}
	return t, true
}

// Aggregate sums usage across assistant messages newer than since. The
// fallback model and rate apply when messages do not identify themselves.
// Returns nil when no new usage was found.
//
// Cost per message: local models contribute zero; otherwise a positive
// pre-computed cost.total wins; otherwise the rate is applied to the token
// counts.
func Aggregate(messages []hostapi.Message, fallbackModel string, fallbackRate pricing.Rate, since time.Time) *Turn {
	var (
		totalIn, totalOut int
		totalCost         float64
		model             string
		found             bool
	)

	for _, m := range messages {
		if m.Role() != "assistant" {
			continue
		}
		u := m.Usage()
		if u == nil {
			continue
		}
		in, out, ok := tokensFrom(u)
		if !ok {
			continue
		}
		if !since.IsZero() {
			ts, ok := m.Timestamp()
			// Replayed history carries no usable timestamp; skip rather
			// than risk double-counting.
			if !ok || !ts.After(since) {
				continue
			}
		}

		totalIn += in
		totalOut += out

		msgModel := resolveModelID(m, fallbackModel)
		if !found {
			model = msgModel
			found = true
		}

		switch {
		case isLocal(m, msgModel):
			// free
		default:
			if pre, ok := precomputedCost(u); ok {
				totalCost += pre
			} else {
				rate := pricing.ResolveCost(msgModel)
				if rate.Zero() && !pricing.Known(msgModel) {
					rate = fallbackRate
				}
				totalCost += float64(in)/1000*rate.InputPer1K + float64(out)/1000*rate.OutputPer1K
			}
		}
	}

	if !found {
		return nil
	}
	return &Turn{
		Model:        model,
		InputTokens:  totalIn,
		OutputTokens: totalOut,
		CostUSD:      totalCost,
	}
}

// resolveModelID combines the message's provider and model fields into the
// provider-prefixed form, falling back to the supplied id.
func resolveModelID(m hostapi.Message, fallback string) string {
	model := m.Model()
	if model == "" {
		return fallback
	}
	if p := m.Provider(); p != "" {
		return p + "/" + model
	}
	return model
}

func isLocal(m hostapi.Message, modelID string) bool {
	if m.Provider() == "ollama" {
		return true
	}
	return pricing.IsLocalModel(modelID)
}
