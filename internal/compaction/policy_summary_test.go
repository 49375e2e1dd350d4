package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func longMsg(id, role, text string) ConvMessage {
	return ConvMessage{ID: id, Role: role, Parts: []ConvPart{{Type: "text", Content: text}}}
}

func TestSummaryPolicyDecideNeedsEnoughHistory(t *testing.T) {
	msgs := []ConvMessage{
		longMsg("u1", "user", "hello"),
		longMsg("a1", "assistant", "hi"),
	}
	p := NewSummaryPolicy(nil, 6)
	if p.Decide(msgs, Budget{ContextTokens: 20000, OutputTokens: 4096}).Applies {
		t.Error("two-turn conversation should not trigger summarization")
	}
}

func TestSummaryPolicyAppliesAndReplacesPrefix(t *testing.T) {
	msgs := []ConvMessage{
		longMsg("u1", "user", strings.Repeat("old conversation content ", 2000)),
		longMsg("a1", "assistant", strings.Repeat("old response content ", 2000)),
		longMsg("u2", "user", strings.Repeat("more old content ", 2000)),
		longMsg("a2", "assistant", strings.Repeat("more old response ", 2000)),
		longMsg("u3", "user", "recent question"),
		longMsg("a3", "assistant", "recent answer"),
	}

	summarizer := func(ctx context.Context, transcript string) (string, error) {
		return "condensed summary", nil
	}
	p := NewSummaryPolicy(summarizer, 2)
	budget := Budget{ContextTokens: 8000, OutputTokens: 4096}

	decision := p.Decide(msgs, budget)
	if !decision.Applies {
		t.Fatal("expected summarization to apply given a large enough prefix")
	}

	result, rec, err := p.Apply(msgs, budget, decision.Reason)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if !result[0].IsSummary {
		t.Fatal("expected the first message in the result to be the summary")
	}
	if result[0].Parts[0].Content != summaryPrefix+"condensed summary" {
		t.Errorf("summary content = %q, want %q", result[0].Parts[0].Content, summaryPrefix+"condensed summary")
	}
	if len(rec.MessageIDs) == 0 {
		t.Error("expected the record to list the summarized message IDs")
	}

	// The most recent exchange(s) must survive verbatim.
	found := false
	for _, m := range result {
		if m.ID == "u3" {
			found = true
		}
	}
	if !found {
		t.Error("expected the most recent exchange to survive the summarization")
	}
}

func TestSummaryPolicyFallsBackOnSummarizerFailure(t *testing.T) {
	msgs := []ConvMessage{
		longMsg("u1", "user", strings.Repeat("old content ", 3000)),
		longMsg("a1", "assistant", strings.Repeat("old response ", 3000)),
		longMsg("u2", "user", strings.Repeat("more old content ", 3000)),
		longMsg("a2", "assistant", strings.Repeat("more old response ", 3000)),
		longMsg("u3", "user", "recent question"),
	}

	failing := func(ctx context.Context, transcript string) (string, error) {
		return "", errors.New("model unavailable")
	}
	p := NewSummaryPolicy(failing, 2)
	budget := Budget{ContextTokens: 8000, OutputTokens: 4096}

	result, _, err := p.Apply(msgs, budget, "test")
	if err != nil {
		t.Fatalf("Apply should not fail outright when the summarizer errors: %v", err)
	}
	if !result[0].IsSummary {
		t.Fatal("expected a fallback summary message even without a working summarizer")
	}
}

func TestSummaryPolicyNothingToSummarize(t *testing.T) {
	p := NewSummaryPolicy(nil, 6)
	_, _, err := p.Apply([]ConvMessage{longMsg("u1", "user", "hi")}, Budget{}, "test")
	if err == nil {
		t.Error("expected an error when there is nothing eligible to summarize")
	}
}

// TestSummaryPolicyPartitionsFortyMessageHistory covers the spec's
// "overflowing long-running session" scenario: 40 messages (20 exchanges),
// recent_exchanges_to_keep=6, should compact and keep exactly the trailing
// 6 user turns (and everything from the first of them onward) verbatim,
// summarizing every older message without losing or duplicating any ID.
func TestSummaryPolicyPartitionsFortyMessageHistory(t *testing.T) {
	var msgs []ConvMessage
	for i := 0; i < 20; i++ {
		msgs = append(msgs,
			longMsg(fmt.Sprintf("u%d", i), "user", strings.Repeat("question content ", 200)),
			longMsg(fmt.Sprintf("a%d", i), "assistant", strings.Repeat("answer content ", 200)),
		)
	}
	if len(msgs) != 40 {
		t.Fatalf("setup: expected 40 messages, got %d", len(msgs))
	}

	p := NewSummaryPolicy(nil, 6)
	budget := Budget{ContextTokens: 8000, OutputTokens: 4096}

	decision := p.Decide(msgs, budget)
	if !decision.Applies {
		t.Fatal("expected a 40-message history to trigger summarization with recent_exchanges_to_keep=6")
	}

	result, rec, err := p.Apply(msgs, budget, decision.Reason)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if !result[0].IsSummary {
		t.Fatal("expected the first result message to be the synthesized summary")
	}

	// The trailing 6 user turns and the replies after them (12 messages)
	// must survive verbatim, in order, after the summary.
	kept := result[1:]
	if len(kept) != 12 {
		t.Fatalf("expected 12 verbatim messages to survive, got %d", len(kept))
	}
	wantIDs := []string{"u14", "a14", "u15", "a15", "u16", "a16", "u17", "a17", "u18", "a18", "u19", "a19"}
	for i, id := range wantIDs {
		if kept[i].ID != id {
			t.Errorf("kept[%d].ID = %q, want %q", i, kept[i].ID, id)
		}
	}

	// Every summarized message must be accounted for exactly once, and no
	// kept message may also appear in the summarized set.
	summarizedSet := make(map[string]bool, len(rec.MessageIDs))
	for _, id := range rec.MessageIDs {
		summarizedSet[id] = true
	}
	keptSet := make(map[string]bool, len(kept))
	for _, m := range kept {
		keptSet[m.ID] = true
		if summarizedSet[m.ID] {
			t.Errorf("message %q appears both summarized and kept", m.ID)
		}
	}
	if len(rec.MessageIDs)+len(kept) != len(msgs) {
		t.Errorf("summarized (%d) + kept (%d) should account for all 40 original messages", len(rec.MessageIDs), len(kept))
	}
	for _, m := range msgs {
		if !summarizedSet[m.ID] && !keptSet[m.ID] {
			t.Errorf("message %q is neither summarized nor kept", m.ID)
		}
	}
}
