// Package pricing resolves model identifiers to USD token rates.
package pricing

import "strings"

// Rate is the USD cost per 1000 tokens.
type Rate struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Zero reports whether the rate charges nothing in either direction.
func (r Rate) Zero() bool { return r.InputPer1K == 0 && r.OutputPer1K == 0 }

// builtinRates is the fallback pricing table, keyed by bare model name.
// Rates are per 1K tokens. The table is intentionally small; unknown models
// resolve to a zero rate so we undercount rather than overcount.
var builtinRates = map[string]Rate{
	"claude-opus-4":            {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4-20250514": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku-3-5":         {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"gpt-4o":                   {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":              {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"kimi-k2.5":                {InputPer1K: 0.0006, OutputPer1K: 0.002},
	"kimi-k2":                  {InputPer1K: 0.0006, OutputPer1K: 0.002},
	"glm-4.6":                  {InputPer1K: 0.0006, OutputPer1K: 0.0022},
	"deepseek-chat":            {InputPer1K: 0.00014, OutputPer1K: 0.00028},
	"deepseek-r1":              {InputPer1K: 0.00055, OutputPer1K: 0.00219},
	"gemini-2.5-pro":           {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.0-flash":         {InputPer1K: 0.0001, OutputPer1K: 0.0004},
}

// localFamilies are model-name substrings that identify locally-served
// models. Matching any of them makes a model free regardless of what the
// host reports.
var localFamilies = []string{
	"qwen", "llama", "mistral", "phi", "gemma", "vicuna", "orca",
	"neural-chat", "starling", "openchat", "zephyr", "dolphin",
	"nous-hermes", "yi",
}

// IsLocalModel reports whether a model name belongs to a recognised local
// family or carries an ollama/ prefix.
func IsLocalModel(model string) bool {
	m := strings.ToLower(model)
	if strings.HasPrefix(m, "ollama/") {
		return true
	}
	// Strip any provider prefix before matching families.
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, fam := range localFamilies {
		if strings.Contains(m, fam) {
			return true
		}
	}
	return false
}

// ResolveCost returns the rate for a model id. Lookup is exact on both the
// bare name and the provider-prefixed form ("moonshot/kimi-k2.5"). Local
// models are always free. Unknown models return a zero rate.
func ResolveCost(modelID string) Rate {
	if IsLocalModel(modelID) {
		return Rate{}
	}
	if r, ok := builtinRates[modelID]; ok {
		return r
	}
	if i := strings.LastIndex(modelID, "/"); i >= 0 {
		if r, ok := builtinRates[modelID[i+1:]]; ok {
			return r
		}
	}
	return Rate{}
}

// Known reports whether the model has a non-zero builtin rate. Callers use
// this to warn about unknown models that will contribute zero cost.
func Known(modelID string) bool {
	if IsLocalModel(modelID) {
		return true
	}
	if _, ok := builtinRates[modelID]; ok {
		return true
	}
	if i := strings.LastIndex(modelID, "/"); i >= 0 {
		_, ok := builtinRates[modelID[i+1:]]
		return ok
	}
	return false
}
