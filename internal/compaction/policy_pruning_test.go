package compaction

import (
	"strings"
	"testing"
)

func bigToolResult(id string, tokens int) ConvMessage {
	content := strings.Repeat("x", tokens*4) // ~4 chars/token for ASCII
	return ConvMessage{
		ID:   id,
		Role: "assistant",
		Parts: []ConvPart{
			{Type: "tool_result", ToolName: "bash", Content: content},
		},
	}
}

func TestPruningPolicyProtectsTwoMostRecentTurns(t *testing.T) {
	msgs := []ConvMessage{
		{ID: "u1", Role: "user", Parts: []ConvPart{{Type: "text", Content: "do a thing"}}},
		bigToolResult("t1", 20000),
		{ID: "u2", Role: "user", Parts: []ConvPart{{Type: "text", Content: "do another thing"}}},
		bigToolResult("t2", 20000),
	}

	p := NewPruningPolicy()
	decision := p.Decide(msgs, Budget{})
	if decision.Applies {
		t.Fatal("expected no pruning: all tool output is within the two protected most recent turns")
	}
}

func TestPruningPolicyPrunesOldOutputPastProtectedBudget(t *testing.T) {
	msgs := []ConvMessage{
		{ID: "u0", Role: "user", Parts: []ConvPart{{Type: "text", Content: "turn0"}}},
		bigToolResult("old0", 25000),
		{ID: "u1", Role: "user", Parts: []ConvPart{{Type: "text", Content: "turn1"}}},
		bigToolResult("old1", 25000),
		{ID: "u2", Role: "user", Parts: []ConvPart{{Type: "text", Content: "turn2"}}},
		bigToolResult("old2", 25000),
		{ID: "u3", Role: "user", Parts: []ConvPart{{Type: "text", Content: "turn3"}}},
		bigToolResult("recent", 1000),
	}

	p := NewPruningPolicy()
	decision := p.Decide(msgs, Budget{})
	if !decision.Applies {
		t.Fatal("expected pruning to apply: old tool output exceeds protected budget and minimum")
	}

	result, rec, err := p.Apply(msgs, Budget{}, decision.Reason)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(rec.MessageIDs) == 0 {
		t.Error("expected at least one message to be pruned")
	}

	compacted := map[string]bool{}
	for _, m := range result {
		if len(m.Parts) > 0 && m.Parts[0].IsCompacted {
			compacted[m.ID] = true
		}
	}
	if compacted["recent"] {
		t.Error("most recent tool output should never be pruned")
	}
	if compacted["old2"] {
		t.Error("tool output within the two most recent turns should never be pruned")
	}
	if !compacted["old0"] {
		t.Error("expected the oldest tool output past the protected budget to be pruned")
	}
}

func TestPruningPolicyStopsAtSummaryMessage(t *testing.T) {
	msgs := []ConvMessage{
		{ID: "s1", Role: "assistant", IsSummary: true, Parts: []ConvPart{{Type: "text", Content: "summary"}}},
		{ID: "u1", Role: "user", Parts: []ConvPart{{Type: "text", Content: "first"}}},
		{ID: "u2", Role: "user", Parts: []ConvPart{{Type: "text", Content: "second"}}},
		bigToolResult("recent", 1000),
	}

	p := NewPruningPolicy()
	result, _, err := p.Apply(msgs, Budget{}, "test")
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	for _, m := range result {
		if m.ID == "s1" && m.Parts[0].IsCompacted {
			t.Error("the walk must never mark the summary message itself as compacted")
		}
	}
}

func TestPruningPolicySkipsProtectedTools(t *testing.T) {
	msgs := []ConvMessage{
		{ID: "u1", Role: "user", Parts: []ConvPart{{Type: "text", Content: "first"}}},
		{ID: "skill1", Role: "assistant", Parts: []ConvPart{{Type: "tool_result", ToolName: "skill", Content: strings.Repeat("x", 80000)}}},
		{ID: "u2", Role: "user", Parts: []ConvPart{{Type: "text", Content: "second"}}},
		{ID: "u3", Role: "user", Parts: []ConvPart{{Type: "text", Content: "third"}}},
		bigToolResult("recent", 1000),
	}

	p := NewPruningPolicy()
	result, _, err := p.Apply(msgs, Budget{}, "test")
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	for _, m := range result {
		if m.ID == "skill1" && m.Parts[0].IsCompacted {
			t.Error("skill tool output is protected and must never be pruned")
		}
	}
}
