package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolo-run/wolo/internal/compaction"
	"github.com/wolo-run/wolo/internal/config"
	"github.com/wolo-run/wolo/internal/controlplane"
	"github.com/wolo-run/wolo/internal/eventbus"
	"github.com/wolo-run/wolo/internal/provider"
	"github.com/wolo-run/wolo/internal/session"
	"github.com/wolo-run/wolo/internal/tool"
)

// checkIntervalSteps is how often (in steps) the loop re-checks the
// compaction budget even when no overflow has been signaled by the
// provider, per spec §9 OQ1 ("check at least every N steps").
const checkIntervalSteps = 3

// maxSteps bounds a single run() call so a misbehaving model can't loop
// forever even without tripping the doom-loop or hitting overflow.
const maxSteps = 80

// Loop drives one session's agent turns: builds the model request from
// session history (after running it through the compaction pipeline),
// calls the provider, executes any tool calls the model asks for, and
// repeats until the model stops, the todos are all complete, or a
// suspension point (interject/interrupt/doom-loop/max-steps) ends the run.
//
// Grounded on the teacher's deleted prompt.go PromptEngine.RunWithAttachments
// step-loop shape (reasoning-delta/text-delta/tool-call event dispatch, max
// steps warning injection), adapted to route every suspension point through
// internal/controlplane and every progress event through internal/eventbus
// instead of ad hoc callbacks, and to use internal/compaction's transient
// Decide/Apply pipeline instead of truncating the session directly.
type Loop struct {
	Store      *session.Store
	Tools      *tool.Registry
	Providers  *provider.Registry
	Models     *provider.ModelRegistry
	Bus        *eventbus.Bus
	Config     *config.Config
	Compaction *compaction.Manager
	Log        *slog.Logger

	planes     sync.Map // sessionID -> *controlplane.Plane
	doom       sync.Map // sessionID -> *doomLoopDetector
	fileTimes  sync.Map // sessionID -> *session.FileTimeTracker
	pathGuards sync.Map // sessionID -> *session.PathGuard
}

// NewLoop wires a Loop from its already-constructed dependencies and
// installs the tool-package hooks (task runner, memory summarizer) that
// would otherwise create an import cycle between internal/tool and
// internal/agent.
func NewLoop(store *session.Store, tools *tool.Registry, providers *provider.Registry, models *provider.ModelRegistry, bus *eventbus.Bus, cfg *config.Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	history := compaction.NewHistory(store.BaseDir())

	var recentExchangesToKeep int
	var protectRecentTurns, protectTokenThreshold, minimumPruneTokens int
	var protectedTools []string
	var replacementText string
	if cc := cfg.CompactionConfig; cc != nil {
		if sp := cc.SummaryPolicy; sp != nil {
			recentExchangesToKeep = sp.RecentExchangesToKeep
		}
		if pp := cc.PruningPolicy; pp != nil {
			protectRecentTurns = pp.ProtectRecentTurns
			protectTokenThreshold = pp.ProtectTokenThreshold
			minimumPruneTokens = pp.MinimumPruneTokens
			protectedTools = pp.ProtectedTools
			replacementText = pp.ReplacementText
		}
	}

	summaryPolicy := compaction.NewSummaryPolicy(nil, recentExchangesToKeep)
	pruningPolicy := compaction.NewPruningPolicyWithConfig(protectRecentTurns, protectTokenThreshold, minimumPruneTokens, protectedTools, replacementText)
	mgr := compaction.NewManager(history, summaryPolicy, pruningPolicy)
	if cc := cfg.CompactionConfig; cc != nil && cc.Auto != nil {
		mgr.SetEnabled(*cc.Auto)
	}

	l := &Loop{
		Store:      store,
		Tools:      tools,
		Providers:  providers,
		Models:     models,
		Bus:        bus,
		Config:     cfg,
		Compaction: mgr,
		Log:        log,
	}

	tool.SetTaskRunner(l.runSubtask)
	tool.SetMemorySummarizer(l.summarizeForMemory)

	return l
}

func (l *Loop) planeFor(sessionID string) *controlplane.Plane {
	v, _ := l.planes.LoadOrStore(sessionID, controlplane.New())
	return v.(*controlplane.Plane)
}

func (l *Loop) doomFor(sessionID string) *doomLoopDetector {
	v, _ := l.doom.LoadOrStore(sessionID, newDoomLoopDetector())
	return v.(*doomLoopDetector)
}

// Plane returns the control-plane state machine for a session, so the UI
// layer can call Interject/InterruptNow/TogglePause/Resume on it directly.
func (l *Loop) Plane(sessionID string) *controlplane.Plane { return l.planeFor(sessionID) }

// Run submits userText as a new user message and drives the step loop
// until the model stops, the todos are complete, or a suspension point is
// reached. Returns the FinishReason the run ended with.
func (l *Loop) Run(ctx context.Context, sessionID string, userText string, images []session.ImageAttachment) (session.FinishReason, error) {
	sess, err := l.Store.Get(sessionID)
	if err != nil {
		return session.FinishError, err
	}

	l.doomFor(sessionID).Reset()
	plane := l.planeFor(sessionID)
	plane.Start()
	defer plane.Finish()

	parts := []session.Part{{Type: "text", Content: userText}}
	for i := range images {
		parts = append(parts, session.Part{Type: "image", Image: &images[i]})
	}
	userMsg := session.Message{
		ID:        uuid.New().String()[:8],
		Role:      "user",
		Content:   userText,
		CreatedAt: time.Now(),
		Finished:  true,
		Parts:     parts,
	}
	if err := l.Store.AddMessage(sessionID, userMsg); err != nil {
		return session.FinishError, err
	}

	agentDef := l.resolveAgent(sess.Agent)

	for step := 0; step < maxSteps; step++ {
		if plane.IsInterrupted() {
			return l.finishRun(sessionID, session.FinishInterrupted)
		}
		plane.AwaitIfPaused()
		if plane.CheckStepBoundary() {
			return l.finishRun(sessionID, session.FinishInterrupted)
		}

		reason, done, noToolCalls, err := l.step(ctx, sess, agentDef, plane, step)
		if err != nil {
			return l.finishRun(sessionID, session.FinishError)
		}
		if done {
			return l.finishRun(sessionID, reason)
		}

		if noToolCalls {
			if exit, exitReason := l.shouldExitLoop(sessionID, reason, step); exit {
				return l.finishRun(sessionID, exitReason)
			}
			// Incomplete todos remain and steps are available: loop back
			// around without a new user message, per spec §4.1 step 3 /
			// the original _should_exit_loop's "continuing with N
			// incomplete todos" branch.
		}
	}

	return l.finishRun(sessionID, session.FinishMaxSteps)
}

// shouldExitLoop implements spec §4.1 step 3 / the original _should_exit_loop:
// called only when the last assistant round produced no tool calls. The run
// exits once every todo is complete (or none exist), using the model's own
// finish reason; otherwise it force-exits on the last permissible step
// (max_steps warning was already injected into that round's request) and
// continues on every step before that, letting the model keep working
// through its todo list without new user input.
func (l *Loop) shouldExitLoop(sessionID string, lastReason session.FinishReason, step int) (bool, session.FinishReason) {
	todos, _ := l.Store.Todos(sessionID)
	if session.AllTodosCompleted(todos) {
		return true, lastReason
	}
	if step >= maxSteps-1 {
		return true, session.FinishMaxSteps
	}
	return false, ""
}

func (l *Loop) finishRun(sessionID string, reason session.FinishReason) (session.FinishReason, error) {
	l.Bus.Publish(eventbus.TopicFinish, map[string]interface{}{"session_id": sessionID, "reason": string(reason)})
	if err := l.Store.Saver(sessionID).Flush(); err != nil {
		return reason, err
	}
	return reason, nil
}

// step runs one model round: compacts history if needed, calls the
// provider, persists the response, and executes any requested tool calls.
// Returns (reason, done, noToolCalls, err). done indicates the run should
// end now unconditionally; noToolCalls indicates the round ended without
// any tool call and with a definite finish_reason, so the caller must apply
// the todo-gated termination check (spec §4.1 step 3) before deciding
// whether to stop.
func (l *Loop) step(ctx context.Context, sess *session.Session, agentDef *Agent, plane *controlplane.Plane, stepIdx int) (session.FinishReason, bool, bool, error) {
	l.Bus.Publish(eventbus.TopicStepStart, map[string]interface{}{"session_id": sess.ID, "step": stepIdx})
	defer l.Bus.Publish(eventbus.TopicStepEnd, map[string]interface{}{"session_id": sess.ID, "step": stepIdx})

	msgs, err := l.loadAndCompact(sess, agentDef, stepIdx)
	if err != nil {
		return session.FinishError, true, false, err
	}

	lastStep := stepIdx >= maxSteps-1
	req := l.buildRequest(sess, agentDef, msgs, lastStep)

	prov, ok := l.Providers.Get(sess.Provider)
	if !ok {
		return session.FinishError, true, false, fmt.Errorf("agent loop: unknown provider %q", sess.Provider)
	}

	resp, err := prov.CreateMessage(ctx, req)
	if err != nil {
		classified := provider.ClassifyError(err, 0, "")
		if classified.Type == provider.ErrorTypeContextOverflow {
			// Force a compaction pass over this round's history and
			// retry once with the compacted request.
			if conv, _, cerr := l.Compaction.RunUntilStable(sess.ID, toConvMessages(msgs), l.budgetFor(sess), 4); cerr == nil {
				req = l.buildRequest(sess, agentDef, applyConvMessages(msgs, conv), lastStep)
				resp, err = prov.CreateMessage(ctx, req)
			}
		}
		if err != nil {
			l.Bus.Publish(eventbus.TopicRetry, map[string]interface{}{"session_id": sess.ID, "error": err.Error()})
			return session.FinishError, true, false, err
		}
	}

	assistantMsg := l.responseToMessage(resp)
	if err := l.Store.AddMessage(sess.ID, assistantMsg); err != nil {
		return session.FinishError, true, false, err
	}
	l.Bus.Publish(eventbus.TopicTextDelta, map[string]interface{}{"session_id": sess.ID, "text": assistantMsg.Content})

	toolCalls := toolUseParts(assistantMsg)
	if len(toolCalls) == 0 {
		reason := session.FinishReason(assistantMsg.FinishReason)
		if reason == "" {
			reason = session.FinishStop
		}
		if reason == session.FinishUnknown {
			// Neither a tool call nor a definite stop signal: the original
			// _should_exit_loop treats this exactly like a tool-calls round
			// and keeps going rather than evaluating todos.
			return "", false, false, nil
		}
		return reason, false, true, nil
	}

	for _, call := range toolCalls {
		if plane.IsInterrupted() {
			return session.FinishInterrupted, true, false, nil
		}
		reason, stop := l.runToolCall(ctx, sess, agentDef, plane, call)
		if stop {
			return reason, true, false, nil
		}
	}

	return session.FinishToolCalls, false, false, nil
}

// loadAndCompact loads session messages and, if the compaction manager
// decides the usable budget is exceeded, folds its (transient) rewrite
// back onto the working copy — the persisted session is never touched.
func (l *Loop) loadAndCompact(sess *session.Session, agentDef *Agent, stepIdx int) ([]session.Message, error) {
	fresh, err := l.Store.Get(sess.ID)
	if err != nil {
		return nil, err
	}
	msgs := fresh.Messages

	interval := checkIntervalSteps
	if cc := l.Config.CompactionConfig; cc != nil && cc.CheckIntervalSteps > 0 {
		interval = cc.CheckIntervalSteps
	}
	shouldCheck := stepIdx%interval == 0
	budget := l.budgetFor(sess)
	if !shouldCheck {
		total := 0
		for _, cm := range toConvMessages(msgs) {
			for _, p := range cm.Parts {
				total += compaction.EstimateText(p.Content)
			}
		}
		if !compaction.IsOverflow(total, 0, 0, budget) {
			return msgs, nil
		}
	}

	conv, _, err := l.Compaction.RunUntilStable(sess.ID, toConvMessages(msgs), budget, 4)
	if err != nil {
		return msgs, nil // compaction failure must not block the round
	}
	return applyConvMessages(msgs, conv), nil
}

func (l *Loop) budgetFor(sess *session.Session) compaction.Budget {
	budget := compaction.Budget{ContextTokens: 128000, OutputTokens: 4096}
	if l.Models != nil {
		if info := l.Models.GetModel(sess.Provider, sess.Model); info != nil {
			budget.ContextTokens = info.Limits.Context
			budget.OutputTokens = info.Limits.Output
		}
	}
	if cc := l.Config.CompactionConfig; cc != nil {
		budget.ReservedTokens = cc.ReservedTokens
		budget.OverflowThreshold = cc.OverflowThreshold
	}
	return budget
}

func (l *Loop) runToolCall(ctx context.Context, sess *session.Session, agentDef *Agent, plane *controlplane.Plane, call session.Part) (session.FinishReason, bool) {
	l.Bus.Publish(eventbus.TopicToolStart, map[string]interface{}{"session_id": sess.ID, "tool": call.ToolName})

	signature := call.ToolName + ":" + marshalInput(call.ToolInput)
	if l.doomFor(sess.ID).Observe(call.ToolName, signature) {
		l.Bus.Publish(eventbus.TopicCompaction, map[string]interface{}{"session_id": sess.ID, "event": "doom_loop"})
		return session.FinishDoomLoop, true
	}

	if action, reason := l.checkPermission(agentDef, call); action != PermAllow {
		if action == PermAsk {
			l.Bus.Publish(eventbus.TopicQuestionAsk, map[string]interface{}{"session_id": sess.ID, "tool": call.ToolName, "reason": reason})
		}
		resultMsg := session.Message{
			ID:        uuid.New().String()[:8],
			Role:      "assistant",
			CreatedAt: time.Now(),
			Finished:  true,
			Parts: []session.Part{{
				Type: "tool_result", ToolID: call.ToolID, ToolName: call.ToolName,
				Content: reason, IsError: true, Status: string(session.ToolError),
			}},
		}
		l.Store.AddMessage(sess.ID, resultMsg)
		l.Bus.Publish(eventbus.TopicToolComplete, map[string]interface{}{"session_id": sess.ID, "tool": call.ToolName, "denied": true})
		return "", false
	}

	tc := l.toolContext(sess, call)
	result, err := l.Tools.Execute(ctx, tc, call.ToolName, call.ToolInput)
	if err != nil {
		result = &tool.ToolResult{Output: err.Error(), IsError: true}
	}

	resultMsg := session.Message{
		ID:        uuid.New().String()[:8],
		Role:      "assistant",
		CreatedAt: time.Now(),
		Finished:  true,
		Parts: []session.Part{{
			Type:     "tool_result",
			ToolID:   call.ToolID,
			ToolName: call.ToolName,
			Content:  result.Output,
			IsError:  result.IsError,
			Status:   string(statusFor(result)),
		}},
	}
	l.Bus.Publish(eventbus.TopicToolResult, map[string]interface{}{"session_id": sess.ID, "tool": call.ToolName, "is_error": result.IsError})
	if err := l.Store.AddMessage(sess.ID, resultMsg); err != nil {
		return session.FinishError, true
	}
	l.Bus.Publish(eventbus.TopicToolComplete, map[string]interface{}{"session_id": sess.ID, "tool": call.ToolName})
	return "", false
}

func statusFor(result *tool.ToolResult) session.ToolStatus {
	if result.IsError {
		return session.ToolError
	}
	return session.ToolCompleted
}

// checkPermission resolves the agent's permission rules for the requested
// tool call. PermAllow lets the call through; PermDeny and PermAsk both
// block it, but PermAsk additionally publishes TopicQuestionAsk so a UI
// listening on the event bus can surface the approval request — this loop
// has no synchronous caller to block on an answer from, so "ask" resolves
// to a refusal with that explanation rather than hanging the run (Open
// Question decision, see DESIGN.md). An agent that must use an ask-gated
// tool unattended needs an explicit allow rule instead.
func (l *Loop) checkPermission(agentDef *Agent, call session.Part) (PermissionAction, string) {
	if agentDef == nil {
		return PermAllow, ""
	}
	permName := call.ToolName
	for _, et := range EditTools {
		if call.ToolName == et {
			permName = "edit"
			break
		}
	}
	pattern := permissionPattern(call.ToolName, call.ToolInput)
	decision := EvaluatePermission(permName, pattern, agentDef.Permission)
	switch decision.Action {
	case PermDeny:
		return PermDeny, fmt.Sprintf("permission denied: %s is not allowed for pattern %q", call.ToolName, pattern)
	case PermAsk:
		return PermAsk, fmt.Sprintf("permission required: %s needs approval for pattern %q, but no interactive approval channel is configured for this run", call.ToolName, pattern)
	}
	return PermAllow, ""
}

// permissionPattern extracts the value permission rules match against: the
// shell command for bash, the file path for edit/write-family tools, or "*"
// for everything else.
func permissionPattern(toolName string, input map[string]interface{}) string {
	switch toolName {
	case "bash":
		if v, ok := input["command"].(string); ok {
			return v
		}
	case "edit", "write", "patch", "multiedit", "apply_patch":
		if v, ok := input["path"].(string); ok {
			return v
		}
	}
	return "*"
}

func (l *Loop) toolContext(sess *session.Session, call session.Part) *tool.ToolContext {
	ft, _ := l.fileTimes.LoadOrStore(sess.ID, session.NewFileTimeTracker())
	pg, _ := l.pathGuards.LoadOrStore(sess.ID, session.NewPathGuard(l.Store, sess.ID, sess.WorkDir))
	return &tool.ToolContext{
		SessionID: sess.ID,
		MessageID: call.ToolID,
		WorkDir:   sess.WorkDir,
		Abort:     context.Background(),
		Todos:     newTodoStoreAdapter(l.Store),
		FileTime:  ft.(*session.FileTimeTracker),
		PathGuard: pg.(*session.PathGuard),
	}
}

func toolUseParts(m session.Message) []session.Part {
	var out []session.Part
	for _, p := range m.Parts {
		if p.Type == "tool_use" {
			out = append(out, p)
		}
	}
	return out
}

func (l *Loop) resolveAgent(name string) *Agent {
	agents := BuiltinAgents()
	if a, ok := agents[name]; ok {
		return a
	}
	return agents["coder"]
}

// maxStepsWarning is injected as a trailing system instruction on the last
// permissible step so the model wraps up instead of queuing more tool calls
// it will never get to run. Mirrors the original agent.py warning text.
const maxStepsWarning = "CRITICAL - MAXIMUM STEPS REACHED\n\n" +
	"The maximum number of steps for this task has been reached.\n\n" +
	"IMPORTANT:\n" +
	"1. Complete all remaining work immediately\n" +
	"2. Do NOT create new files - summarize what's left to do\n" +
	"3. If you have incomplete todos, list them\n" +
	"4. Provide clear next steps for the user\n\n" +
	"You must provide a text summary - no more tool calls."

func (l *Loop) buildRequest(sess *session.Session, agentDef *Agent, msgs []session.Message, lastStep bool) *provider.MessageRequest {
	system := GetSystemPrompt(sess.Agent, l.Config)
	if lastStep {
		system += "\n\n" + maxStepsWarning
	}
	req := &provider.MessageRequest{
		Model:       sess.Model,
		MaxTokens:   l.Config.MaxTokens,
		Temperature: l.Config.Temperature,
		System:      system,
		Tools:       toProviderTools(l.Tools.ToProviderTools(agentDef.Tools)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, toProviderMessage(m))
	}
	return req
}

// toProviderTools adapts the tool registry's provider-agnostic tool
// descriptors to internal/provider's own Tool shape (the two packages each
// define their own near-identical struct to avoid a tool<->provider import
// cycle; this is the one place that bridges them).
func toProviderTools(tools []tool.ProviderTool) []provider.Tool {
	out := make([]provider.Tool, len(tools))
	for i, t := range tools {
		out[i] = provider.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}

func toProviderMessage(m session.Message) provider.Message {
	if len(m.Parts) == 0 {
		return provider.Message{Role: m.Role, Content: m.Content}
	}
	var blocks []provider.ContentBlock
	for _, p := range m.Parts {
		switch p.Type {
		case "tool_use":
			blocks = append(blocks, provider.ContentBlock{Type: "tool_use", ID: p.ToolID, Name: p.ToolName, Input: p.ToolInput})
		case "tool_result":
			blocks = append(blocks, provider.ContentBlock{Type: "tool_result", ToolUseID: p.ToolID, Content: p.Content, IsError: p.IsError})
		case "image":
			if p.Image != nil {
				blocks = append(blocks, provider.ContentBlock{Type: "image", Source: &provider.ImageSource{
					Type: "base64", MediaType: p.Image.MediaType, Data: p.Image.Data,
				}})
			}
		default:
			blocks = append(blocks, provider.ContentBlock{Type: "text", Text: p.Content})
		}
	}
	return provider.Message{Role: m.Role, Content: blocks}
}

func (l *Loop) responseToMessage(resp *provider.MessageResponse) session.Message {
	msg := session.Message{
		ID:           uuid.New().String()[:8],
		Role:         "assistant",
		CreatedAt:    time.Now(),
		Finished:     true,
		FinishReason: resp.StopReason,
		ModelID:      resp.Model,
		TokensIn:     resp.Usage.InputTokens,
		TokensOut:    resp.Usage.OutputTokens,
		TokensCache:  resp.Usage.CacheReadTokens,
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
			msg.Parts = append(msg.Parts, session.Part{Type: "text", Content: block.Text})
		case "thinking":
			msg.ReasoningContent += block.Reasoning
		case "tool_use":
			msg.Parts = append(msg.Parts, session.Part{
				Type: "tool_use", ToolID: block.ID, ToolName: block.Name, ToolInput: block.Input,
				Status: string(session.ToolPending),
			})
		}
	}
	return msg
}

// runSubtask implements tool.TaskRunner by creating a nested session with
// the requested agent type, running it to completion, and returning its
// final assistant text. Installed onto the tool package by NewLoop.
func (l *Loop) runSubtask(ctx context.Context, parentSessionID, agentType, prompt string) (string, error) {
	parent, err := l.Store.Get(parentSessionID)
	if err != nil {
		return "", err
	}
	sub, err := l.Store.Create(agentType, parent.Model, parent.Provider)
	if err != nil {
		return "", err
	}
	sub.WorkDir = parent.WorkDir

	if _, err := l.Run(ctx, sub.ID, prompt, nil); err != nil {
		return "", err
	}

	final, err := l.Store.Get(sub.ID)
	if err != nil {
		return "", err
	}
	for i := len(final.Messages) - 1; i >= 0; i-- {
		if final.Messages[i].Role == "assistant" && final.Messages[i].Content != "" {
			return final.Messages[i].Content, nil
		}
	}
	return "", nil
}

// summarizeForMemory implements tool.MemorySummarizer with a single
// CreateMessage call on the configured default provider and small model.
func (l *Loop) summarizeForMemory(ctx context.Context, instruction string) (string, string, string, []string, error) {
	prov, ok := l.Providers.Get(l.Config.Provider)
	if !ok {
		return "", "", "", nil, fmt.Errorf("agent loop: no default provider configured")
	}
	req := &provider.MessageRequest{
		Model:     l.Config.SmallModel,
		MaxTokens: 512,
		System:    "Summarize the following note into a short title and a concise summary suitable for long-term recall. Respond with the title on the first line and the summary on the rest.",
		Messages:  []provider.Message{{Role: "user", Content: instruction}},
	}
	resp, err := prov.CreateMessage(ctx, req)
	if err != nil {
		return "", "", "", nil, err
	}
	text := ""
	for _, b := range resp.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}
	title, summary := splitTitleBody(text)
	return title, summary, instruction, nil, nil
}

func splitTitleBody(text string) (string, string) {
	for i, r := range text {
		if r == '\n' {
			return text[:i], text[i+1:]
		}
	}
	return text, ""
}
