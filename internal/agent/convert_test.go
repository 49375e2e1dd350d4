package agent

import (
	"testing"

	"github.com/wolo-run/wolo/internal/session"
	"github.com/wolo-run/wolo/internal/tool"
)

func TestToolStatusVocabularyRoundTrips(t *testing.T) {
	cases := map[string]string{
		"pending":     "not-started",
		"in_progress": "in-progress",
		"completed":   "completed",
	}
	for sessionStatus, toolStatus := range cases {
		if got := toolStatusFromSession(sessionStatus); got != toolStatus {
			t.Errorf("toolStatusFromSession(%q) = %q, want %q", sessionStatus, got, toolStatus)
		}
		if got := sessionStatusFromTool(toolStatus); got != sessionStatus {
			t.Errorf("sessionStatusFromTool(%q) = %q, want %q", toolStatus, got, sessionStatus)
		}
	}
}

func TestTodoStoreAdapterRoundTrips(t *testing.T) {
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sess, err := store.Create("coder", "gpt-5", "openai")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	adapter := newTodoStoreAdapter(store)
	input := []tool.TodoItem{
		{ID: "1", Title: "write tests", Status: "in-progress"},
		{ID: "2", Title: "ship it", Status: "not-started"},
	}
	if err := adapter.SetTodos(sess.ID, input); err != nil {
		t.Fatalf("SetTodos: %v", err)
	}

	got, err := adapter.Todos(sess.ID)
	if err != nil {
		t.Fatalf("Todos: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 todos, got %d", len(got))
	}
	if got[0].Status != "in-progress" || got[1].Status != "not-started" {
		t.Errorf("expected tool-vocabulary statuses preserved across the round trip, got %+v", got)
	}
}

func TestToConvMessagesMarksSummaryMessages(t *testing.T) {
	msgs := []session.Message{
		{ID: "m1", Role: "assistant", IsSummary: true, Content: "summary text"},
		{ID: "m2", Role: "user", Content: "hello"},
	}
	conv := toConvMessages(msgs)
	if !conv[0].IsSummary {
		t.Error("expected the summary message to carry IsSummary through to ConvMessage")
	}
	if conv[1].IsSummary {
		t.Error("expected the ordinary message to not be marked as a summary")
	}
}

func TestApplyConvMessagesPreservesCompactionFlags(t *testing.T) {
	original := []session.Message{
		{ID: "m1", Role: "assistant", Parts: []session.Part{{Type: "tool_result", Content: "big output"}}},
	}
	conv := toConvMessages(original)
	conv[0].Parts[0].Content = "[compacted]"
	conv[0].Parts[0].IsCompacted = true

	result := applyConvMessages(original, conv)
	if len(result) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result))
	}
	if !result[0].Parts[0].IsCompacted || result[0].Parts[0].Content != "[compacted]" {
		t.Errorf("expected the compacted content to be folded back onto the message, got %+v", result[0].Parts[0])
	}
}
