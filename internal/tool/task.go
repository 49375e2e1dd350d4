package tool

import (
	"context"
	"fmt"
)

// TaskRunner executes a subtask prompt as a nested agent run and returns its
// final text output. The agent loop installs this via SetTaskRunner at
// startup; installing it here (rather than importing internal/agent
// directly) avoids a package cycle, since internal/agent already imports
// internal/tool.
type TaskRunner func(ctx context.Context, parentSessionID, agentType, prompt string) (string, error)

var taskRunnerHook TaskRunner

// SetTaskRunner installs the nested-agent-loop runner used by the task tool.
func SetTaskRunner(fn TaskRunner) { taskRunnerHook = fn }

// TaskTool spawns a subtask/subagent for parallel work
func TaskTool() *ToolDef {
	return &ToolDef{
		Name:        "task",
		Description: "Spawn a subtask as a separate agent session for parallel work.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt": map[string]interface{}{
					"type":        "string",
					"description": "Detailed instructions for the subtask agent",
				},
				"agent": map[string]interface{}{
					"type":        "string",
					"description": "Agent type to use: 'explorer' (fast read-only), 'general' (general purpose). Default: explorer",
					"enum":        []string{"explorer", "general"},
				},
			},
			"required": []string{"prompt"},
		},
		Execute: func(ctx context.Context, tc *ToolContext, input map[string]interface{}) (*ToolResult, error) {
			prompt, _ := input["prompt"].(string)
			if prompt == "" {
				return &ToolResult{Output: "Error: prompt is required", IsError: true}, nil
			}

			agentType := "explorer"
			if v, ok := input["agent"].(string); ok && v != "" {
				agentType = v
			}

			if taskRunnerHook == nil {
				return &ToolResult{Output: "Error: no task runner installed for this session", IsError: true}, nil
			}

			sessionID := ""
			if tc != nil {
				sessionID = tc.SessionID
			}
			output, err := taskRunnerHook(ctx, sessionID, agentType, prompt)
			if err != nil {
				return &ToolResult{Output: fmt.Sprintf("Subtask failed: %v", err), IsError: true}, nil
			}
			return &ToolResult{Output: output}, nil
		},
	}
}
