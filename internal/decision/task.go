package decision

import (
	"regexp"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/chain"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostapi"
)

// Complexity is an advisory grade of how demanding the next turn looks.
// It only influences the model-recommendation line, never the switch logic.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

var (
	codingKeywords = regexp.MustCompile(`(?i)\b(code|coding|function|bug|implement|refactor|debug|compile|syntax|unit test|script|class|method|regex|algorithm)\b`)
	codeFileExts   = regexp.MustCompile(`(?i)\.(ts|tsx|js|jsx|py|go|rs|java|c|cpp|h|rb|php|swift|kt|sh|sql|yaml|yml|json|toml)\b`)

	complexKeywords = regexp.MustCompile(`(?i)\b(architect(ure)?|security|audit|deep analysis|refactor entire|distributed|production)\b`)
	mediumKeywords  = regexp.MustCompile(`(?i)\b(implement|fix bug|update|integrate|write tests|explain)\b`)
)

// ClassifyTask derives the task role for the next turn. Vision dominates
// coding when both signals appear.
func ClassifyTask(prompt string, messages []hostapi.Message) chain.Task {
	for _, m := range messages {
		if m.HasImageBlock() {
			return chain.TaskVision
		}
	}
	if codingKeywords.MatchString(prompt) || codeFileExts.MatchString(prompt) {
		return chain.TaskCoding
	}
	return chain.TaskGeneral
}

// ClassifyComplexity grades the turn for the advisory recommendation.
func ClassifyComplexity(prompt string, messages []hostapi.Message) Complexity {
	totalLen := len(prompt)
	for _, m := range messages {
		totalLen += len(m.TextContent())
	}

	if complexKeywords.MatchString(prompt) || totalLen > 50_000 || len(messages) > 10 {
		return ComplexityComplex
	}
	if mediumKeywords.MatchString(prompt) || len(prompt) > 200 || len(messages) > 3 {
		return ComplexityMedium
	}
	return ComplexitySimple
}

// EstimateContextTokens applies the chars/4 heuristic across the prompt and
// transcript. Used to suppress injection on huge contexts.
func EstimateContextTokens(prompt string, messages []hostapi.Message) int {
	total := len(prompt)
	for _, m := range messages {
		total += len(m.TextContent())
	}
	return total / 4
}
