package failure

import (
	"regexp"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostapi"
)

// errorPatterns match provider error text that leaks into assistant content
// when a turn goes wrong. Checked case-insensitively against the final
// assistant message.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)\b(429|502|503|401|403)\b`),
	regexp.MustCompile(`(?i)gateway.?timeout`),
	regexp.MustCompile(`(?i)\btime(d)?.?out\b`),
	regexp.MustCompile(`(?i)internal server error`),
	regexp.MustCompile(`(?i)connection refused`),
	regexp.MustCompile(`(?i)ECONNREFUSED|ETIMEDOUT`),
	regexp.MustCompile(`(?i)billing error`),
	regexp.MustCompile(`(?i)insufficient (balance|credits|funds)`),
	regexp.MustCompile(`(?i)quota exceeded`),
	regexp.MustCompile(`(?i)payment required`),
	regexp.MustCompile(`(?i)unauthorized`),
	regexp.MustCompile(`(?i)invalid api key`),
	regexp.MustCompile(`(?i)authentication failed`),
}

// minHealthyContentLen is the shortest assistant reply considered plausible
// when the message carries no usage object.
const minHealthyContentLen = 20

// Classify decides whether a completed turn failed. A turn fails when the
// host reported an error, no assistant message exists, the final assistant
// message is empty, its text matches a known error pattern, or it is a
// suspiciously short reply without usage accounting.
func Classify(ev hostapi.Event) (failed bool, reason string) {
	if ev.Error != "" {
		return true, "host_error"
	}

	last := hostapi.LastAssistant(ev.Messages)
	if last == nil {
		return true, "no_assistant_message"
	}
	if last.EmptyContent() {
		return true, "empty_content"
	}

	text := last.TextContent()
	for _, pat := range errorPatterns {
		if pat.MatchString(text) {
			return true, "error_pattern:" + pat.String()
		}
	}

	if last.Usage() == nil && len(text) < minHealthyContentLen {
		return true, "short_reply_without_usage"
	}
	return false, ""
}
