// Package compaction implements the priority-ordered compaction pipeline
// that keeps a session's effective context under a model's window: a
// CJK-aware token estimator, a summarization policy and a tool-output
// pruning policy, run in priority order and recorded as an immutable
// audit trail (spec §4.4).
package compaction

// Token-estimation constants, grounded on the original Python
// TokenEstimator (wolo/compaction/token.py): English-like text averages
// ~4 chars/token, CJK ideographs average ~1.5 chars/token, and every
// message/tool-call carries a fixed structural overhead.
const (
	charsPerTokenEnglish = 4.0
	charsPerTokenChinese = 1.5

	messageOverheadTokens = 10
	toolCallBaseOverhead  = 20
)

// isCJKChar reports whether r falls in the CJK Unified Ideographs block
// (U+4E00-U+9FFF), the same range the original estimator treats as
// token-dense relative to Latin text.
func isCJKChar(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

// EstimateText estimates the token count of a string of model-facing
// text. CJK and non-CJK characters are counted separately at their own
// chars-per-token rate, truncated (not rounded) to an int, and floored at
// 1 for any non-empty input — matching `max(1, int(total)) if text else 0`.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	var cjkCount, otherCount int
	for _, r := range text {
		if isCJKChar(r) {
			cjkCount++
		} else {
			otherCount++
		}
	}
	cjkTokens := float64(cjkCount) / charsPerTokenChinese
	otherTokens := float64(otherCount) / charsPerTokenEnglish
	total := int(cjkTokens + otherTokens)
	if total < 1 {
		total = 1
	}
	return total
}

// EstimateMessage estimates the token cost of one message's text content,
// including the per-message structural overhead.
func EstimateMessage(text string) int {
	if text == "" {
		return messageOverheadTokens
	}
	return EstimateText(text) + messageOverheadTokens
}

// EstimateToolCall estimates the token cost of a tool invocation's name
// and serialized input, including the fixed per-call overhead.
func EstimateToolCall(name string, inputJSON string) int {
	return EstimateText(name) + EstimateText(inputJSON) + toolCallBaseOverhead
}

// EstimateImageTokens is a single conservative fixed estimate for an
// attached image (a mid-resolution image at typical vision tokenization
// rates) rather than one derived from per-provider tiling rules. None of
// the estimators in this package add it: a part is counted by its text
// content only.
const EstimateImageTokens = 1600
