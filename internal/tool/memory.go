package tool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MemoryRecord is a single long-term memory entry persisted to disk,
// independent of any session (spec §4.3 memory_save).
type MemoryRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Session   string    `json:"source_session,omitempty"`
}

const maxMemoryContentSize = 12000

func memoryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".dcode", "memory")
}

func saveMemoryRecord(rec *MemoryRecord) error {
	dir := memoryDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, rec.ID+".json"), data, 0644)
}

func newMemoryID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}

// MemorySummarizer optionally turns the raw instruction into a structured
// {title, summary, tags, content} memory. It receives only the instruction,
// not the session's conversation.
// When nil, or when it returns an error, memory_save stores the raw input
// verbatim — the spec's required graceful-degradation path.
type MemorySummarizer func(ctx context.Context, instruction string) (title, summary, content string, tags []string, err error)

// summarizerHook lets the agent loop wire an LLM-backed summarizer in
// without the tool package depending on the provider package directly.
var summarizerHook MemorySummarizer

// SetMemorySummarizer installs the summarizer used by memory_save.
func SetMemorySummarizer(fn MemorySummarizer) { summarizerHook = fn }

// MemoryTool implements memory_save: summarize-then-persist, with a 60s
// budget on the summarization call (spec §4.3, §6 timeouts table).
func MemoryTool() *ToolDef {
	return &ToolDef{
		Name:        "memory_save",
		Description: "Save a durable memory for future sessions: a summary of what to remember, with optional tags.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{"type": "string", "description": "What to remember"},
				"tags":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			"required": []string{"summary"},
		},
		Execute: func(ctx context.Context, tc *ToolContext, input map[string]interface{}) (*ToolResult, error) {
			summary, _ := input["summary"].(string)
			if strings.TrimSpace(summary) == "" {
				return &ToolResult{Output: "summary is required", IsError: true}, nil
			}
			var tags []string
			if raw, ok := input["tags"].([]interface{}); ok {
				for _, t := range raw {
					if s, ok := t.(string); ok {
						tags = append(tags, s)
					}
				}
			}

			title := summary
			if len(title) > 50 {
				title = title[:50]
			}
			content := summary

			if summarizerHook != nil {
				sctx, cancel := context.WithTimeout(ctx, 60*time.Second)
				defer cancel()
				if t, s, c, extraTags, err := summarizerHook(sctx, summary); err == nil {
					title, summary, content = t, s, c
					tags = mergeTags(tags, extraTags)
				}
				// on error: fall through, store the raw input verbatim
			}

			rec := &MemoryRecord{
				ID:        newMemoryID(),
				Title:     title,
				Summary:   summary,
				Content:   truncateContent(content, maxMemoryContentSize),
				Tags:      tags,
				CreatedAt: time.Now(),
				Session:   tc.SessionID,
			}
			if err := saveMemoryRecord(rec); err != nil {
				return &ToolResult{Output: fmt.Sprintf("failed to save memory: %v", err), IsError: true}, nil
			}

			return &ToolResult{
				Output: fmt.Sprintf("Memory saved: %s\nTitle: %s\nTags: %s", rec.ID, rec.Title, strings.Join(tags, ", ")),
			}, nil
		},
	}
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
