package compaction

import "testing"

func TestEstimateTextEmpty(t *testing.T) {
	if got := EstimateText(""); got != 0 {
		t.Errorf("EstimateText(\"\") = %d, want 0", got)
	}
}

func TestEstimateTextFloorsAtOne(t *testing.T) {
	if got := EstimateText("a"); got != 1 {
		t.Errorf("EstimateText(\"a\") = %d, want 1", got)
	}
}

func TestEstimateTextCJKDenserThanASCII(t *testing.T) {
	ascii := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 32 chars
	cjk := "中中中中中中中中中中中中中中中中中中中中中中中中中中中中中中中中" // 32 chars

	asciiTokens := EstimateText(ascii)
	cjkTokens := EstimateText(cjk)

	if cjkTokens <= asciiTokens {
		t.Errorf("expected CJK text to cost more tokens per char: ascii=%d cjk=%d", asciiTokens, cjkTokens)
	}
}

func TestEstimateMessageIncludesOverhead(t *testing.T) {
	withText := EstimateMessage("hello")
	textOnly := EstimateText("hello")
	if withText != textOnly+messageOverheadTokens {
		t.Errorf("EstimateMessage(\"hello\") = %d, want %d", withText, textOnly+messageOverheadTokens)
	}
	if got := EstimateMessage(""); got != messageOverheadTokens {
		t.Errorf("EstimateMessage(\"\") = %d, want %d", got, messageOverheadTokens)
	}
}

func TestEstimateToolCallIncludesOverhead(t *testing.T) {
	got := EstimateToolCall("read", `{"path":"a.go"}`)
	want := EstimateText("read") + EstimateText(`{"path":"a.go"}`) + toolCallBaseOverhead
	if got != want {
		t.Errorf("EstimateToolCall = %d, want %d", got, want)
	}
}
