package agent

import (
	"encoding/json"

	"github.com/wolo-run/wolo/internal/compaction"
	"github.com/wolo-run/wolo/internal/session"
	"github.com/wolo-run/wolo/internal/tool"
)

// toConvMessages converts session messages into the compaction engine's
// provider-agnostic view. internal/compaction deliberately doesn't import
// internal/session (spec's decoupling guidance), so the loop does the
// conversion at the boundary.
func toConvMessages(msgs []session.Message) []compaction.ConvMessage {
	out := make([]compaction.ConvMessage, len(msgs))
	for i, m := range msgs {
		out[i] = compaction.ConvMessage{
			ID:        m.ID,
			Role:      m.Role,
			IsSummary: m.IsSummaryMessage(),
			Parts:     toConvParts(m),
		}
	}
	return out
}

func toConvParts(m session.Message) []compaction.ConvPart {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []compaction.ConvPart{{Type: "text", Content: m.Content}}
	}
	parts := make([]compaction.ConvPart, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = compaction.ConvPart{
			Type:        p.Type,
			Content:     p.Content,
			ToolName:    p.ToolName,
			IsError:     p.IsError,
			IsCompacted: p.IsCompacted,
		}
	}
	return parts
}

// applyConvMessages folds a compacted/summarized []ConvMessage back onto the
// transient copy used for this round's model call. It never writes through
// to the session store — spec §4.1 step 5 keeps compaction transient.
func applyConvMessages(original []session.Message, conv []compaction.ConvMessage) []session.Message {
	byID := make(map[string]session.Message, len(original))
	for _, m := range original {
		byID[m.ID] = m
	}

	out := make([]session.Message, 0, len(conv))
	for _, cm := range conv {
		base, ok := byID[cm.ID]
		if !ok {
			// Synthetic summary message: no original to fall back to.
			out = append(out, session.Message{
				ID:        cm.ID,
				Role:      cm.Role,
				IsSummary: true,
				Finished:  true,
				Content:   firstText(cm.Parts),
				Metadata: map[string]interface{}{
					"compaction": map[string]interface{}{"is_summary": true},
				},
			})
			continue
		}
		base.Parts = applyConvParts(base.Parts, cm.Parts)
		out = append(out, base)
	}
	return out
}

func applyConvParts(original []session.Part, conv []compaction.ConvPart) []session.Part {
	if len(original) != len(conv) {
		return original
	}
	out := make([]session.Part, len(original))
	copy(out, original)
	for i, cp := range conv {
		out[i].Content = cp.Content
		out[i].IsCompacted = cp.IsCompacted
	}
	return out
}

func firstText(parts []compaction.ConvPart) string {
	for _, p := range parts {
		if p.Type == "text" {
			return p.Content
		}
	}
	return ""
}

// todoStoreAdapter satisfies tool.TodoStore by converting between
// session.Todo's status vocabulary (pending/in_progress/completed) and
// tool.TodoItem's (not-started/in-progress/completed) — the two packages
// were built independently against the spec's two different vocabularies
// and meet here at the one place that needs both.
type todoStoreAdapter struct {
	store *session.Store
}

func newTodoStoreAdapter(store *session.Store) *todoStoreAdapter {
	return &todoStoreAdapter{store: store}
}

func (a *todoStoreAdapter) Todos(sessionID string) ([]tool.TodoItem, error) {
	todos, err := a.store.Todos(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]tool.TodoItem, len(todos))
	for i, t := range todos {
		out[i] = tool.TodoItem{ID: t.ID, Title: t.Content, Status: toolStatusFromSession(t.Status)}
	}
	return out, nil
}

func (a *todoStoreAdapter) SetTodos(sessionID string, items []tool.TodoItem) error {
	todos := make([]session.Todo, len(items))
	for i, it := range items {
		todos[i] = session.Todo{ID: it.ID, Content: it.Title, Status: sessionStatusFromTool(it.Status)}
	}
	return a.store.SetTodos(sessionID, todos)
}

func toolStatusFromSession(s string) string {
	switch s {
	case "pending":
		return "not-started"
	case "in_progress":
		return "in-progress"
	default:
		return s // "completed" is shared
	}
}

func sessionStatusFromTool(s string) string {
	switch s {
	case "not-started":
		return "pending"
	case "in-progress":
		return "in_progress"
	default:
		return s
	}
}

// marshalInput renders a tool's input map back to JSON for token estimation
// and for storing alongside a ToolPart.
func marshalInput(input map[string]interface{}) string {
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}
