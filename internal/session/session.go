// Package session is the persistent fabric the agent loop, compaction
// engine and tool executor read and write: messages, todos, compaction
// records and path confirmations, with atomic file writes and advisory
// locking (spec §4.5).
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session represents a conversation session. The in-memory Messages slice
// is the authoritative working copy; on disk each message lives in its own
// file under messages/ (see Store).
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Agent     string      `json:"agent"`
	Model     string      `json:"model"`
	Provider  string      `json:"provider"`
	ParentID  string      `json:"parent_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Messages  []Message   `json:"-"`
	Todos     []Todo      `json:"-"`
	Summary   *Summary    `json:"summary,omitempty"`
	Status    string      `json:"status"` // "idle", "busy", "retry"
	Revert    *RevertInfo `json:"revert,omitempty"`

	// WorkDir is the project directory this session's tools operate
	// against. Runtime-only (set by the caller after Create), not part
	// of the persisted metadata.json shape.
	WorkDir string `json:"-"`

	PathConfirmations *PathConfirmations `json:"-"`

	dirty bool
}

// metadataFile is the on-disk shape of metadata.json (spec §4.5).
type metadataFile struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Agent     string      `json:"agent"`
	Model     string      `json:"model"`
	Provider  string      `json:"provider"`
	ParentID  string      `json:"parent_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Summary   *Summary    `json:"summary,omitempty"`
	Status    string      `json:"status"`
	Revert    *RevertInfo `json:"revert,omitempty"`
}

// RevertInfo tracks the revert state for undo operations.
type RevertInfo struct {
	MessageID string `json:"message_id"`
	PartID    string `json:"part_id,omitempty"`
	Snapshot  string `json:"snapshot,omitempty"`
	Diff      string `json:"diff,omitempty"`
}

// Summary tracks session statistics.
type Summary struct {
	Additions int      `json:"additions"`
	Deletions int      `json:"deletions"`
	Files     []string `json:"files"`
	FileCount int      `json:"file_count"`
	TokensIn  int      `json:"tokens_in"`
	TokensOut int      `json:"tokens_out"`
	ToolCalls int      `json:"tool_calls"`
	TotalCost float64  `json:"total_cost"`
}

// FinishReason enumerates the terminal states of a Message (spec §3).
type FinishReason string

const (
	FinishStop        FinishReason = "stop"
	FinishToolCalls    FinishReason = "tool_calls"
	FinishMaxSteps    FinishReason = "max_steps"
	FinishDoomLoop    FinishReason = "doom_loop"
	FinishInterrupted FinishReason = "interrupted"
	FinishError       FinishReason = "error"
	FinishUnknown     FinishReason = "unknown"
)

// Message represents one conversational turn. Invariant M1: once Finished
// is true, Parts and FinishReason are immutable — callers must not mutate
// a finished message; Store.UpdateMessage enforces this at the call site.
type Message struct {
	ID               string                 `json:"id"`
	Role             string                 `json:"role"` // "user", "assistant", "system"
	Content          string                 `json:"content,omitempty"`
	Parts            []Part                 `json:"parts,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	CompletedAt      time.Time              `json:"completed_at,omitempty"`
	Finished         bool                   `json:"finished"`
	FinishReason     string                 `json:"finish_reason,omitempty"`
	ReasoningContent string                 `json:"reasoning_content,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`

	TokensIn    int     `json:"tokens_in,omitempty"`
	TokensOut   int     `json:"tokens_out,omitempty"`
	TokensCache int     `json:"tokens_cache,omitempty"`
	Cost        float64 `json:"cost,omitempty"`
	CostInfo    *CostInfo `json:"cost_info,omitempty"`

	IsSummary    bool          `json:"is_summary,omitempty"`
	AgentName    string        `json:"agent_name,omitempty"`
	ParentMsgID  string        `json:"parent_msg_id,omitempty"`
	Variant      string        `json:"variant,omitempty"`
	ModelID      string        `json:"model_id,omitempty"`
	ProviderID   string        `json:"provider_id,omitempty"`
	Error        *MessageError `json:"error,omitempty"`
}

// IsSummaryMessage reports whether metadata.compaction.is_summary is set,
// the reserved metadata key from spec §3.
func (m *Message) IsSummaryMessage() bool {
	if m.IsSummary {
		return true
	}
	if m.Metadata == nil {
		return false
	}
	c, ok := m.Metadata["compaction"].(map[string]interface{})
	if !ok {
		return false
	}
	v, _ := c["is_summary"].(bool)
	return v
}

// HasPendingTool reports whether the message still has a ToolPart awaiting
// execution (invariant M2).
func (m *Message) HasPendingTool() bool {
	for _, p := range m.Parts {
		if p.Type == "tool_use" && p.Status == string(ToolPending) {
			return true
		}
	}
	return false
}

// MessageError represents an error that occurred during message processing.
type MessageError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ImageAttachment holds base64-encoded image data attached to a user message.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	FileName  string `json:"file_name,omitempty"`
}

// ToolStatus is a ToolPart's lifecycle status (invariant P1: forward-only
// pending -> running -> {completed, error, interrupted}).
type ToolStatus string

const (
	ToolPending     ToolStatus = "pending"
	ToolRunning     ToolStatus = "running"
	ToolCompleted   ToolStatus = "completed"
	ToolError       ToolStatus = "error"
	ToolInterrupted ToolStatus = "interrupted"
)

// toolStatusRank gives the forward ordering used to reject back-edges.
var toolStatusRank = map[ToolStatus]int{
	ToolPending: 0, ToolRunning: 1,
	ToolCompleted: 2, ToolError: 2, ToolInterrupted: 2,
}

// ValidToolTransition reports whether moving from `from` to `to` is a legal
// forward transition per invariant P1.
func ValidToolTransition(from, to ToolStatus) bool {
	fr, ok1 := toolStatusRank[from]
	tr, ok2 := toolStatusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr >= fr
}

// Part is a tagged union: TextPart (Type=="text") or ToolPart
// (Type=="tool_use" for the pending call / "tool_result" for its result,
// kept as the teacher's two-part modelling of one ToolPart) plus a handful
// of auxiliary kinds the session UI/export layer uses (image, patch...).
type Part struct {
	Type        string                 `json:"type"`
	Content     string                 `json:"content,omitempty"`
	ToolID      string                 `json:"tool_id,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolInput   map[string]interface{} `json:"tool_input,omitempty"`
	IsError     bool                   `json:"is_error,omitempty"`
	IsCompacted bool                   `json:"is_compacted,omitempty"`
	IsSynthetic bool                   `json:"is_synthetic,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Snapshot    string                 `json:"snapshot,omitempty"`
	PatchHash   string                 `json:"patch_hash,omitempty"`
	PatchFiles  []string               `json:"patch_files,omitempty"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	EndedAt     time.Time              `json:"ended_at,omitempty"`
	StepCost    float64                `json:"step_cost,omitempty"`
	StepTokens  *StepTokens            `json:"step_tokens,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Image       *ImageAttachment       `json:"image,omitempty"`
}

// StepTokens tracks token usage for a single step.
type StepTokens struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	Reasoning  int `json:"reasoning"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
}

// CostInfo tracks cost at a granular level.
type CostInfo struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	CacheCost  float64 `json:"cache_cost"`
	Total      float64 `json:"total"`
}

// Todo is owned per session; the agent both reads and writes them and loop
// termination depends on every todo being completed (spec §3, §4.1).
type Todo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

// AllTodosCompleted reports whether every todo (if any) is completed.
func AllTodosCompleted(todos []Todo) bool {
	for _, t := range todos {
		if t.Status != "completed" {
			return false
		}
	}
	return true
}

// PathConfirmations is the persisted `path_confirmations.json` artifact
// (spec §6).
type PathConfirmations struct {
	ConfirmedDirs     []string  `json:"confirmed_dirs"`
	ConfirmationCount int       `json:"confirmation_count"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Store manages session persistence under baseDir, one directory per
// session (spec §4.5 layout):
//
//	<baseDir>/<id>/metadata.json
//	<baseDir>/<id>/messages/<msg_id>.json
//	<baseDir>/<id>/todos.json
//	<baseDir>/<id>/path_confirmations.json
//	<baseDir>/<id>/compaction/...
type Store struct {
	mu        sync.RWMutex
	baseDir   string
	sessions  map[string]*Session
	statusMgr *StatusManager
	savers    map[string]*SessionSaver

	loadDone chan struct{}
	loadErr  error
}

// NewStore creates a new session store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	store := &Store{
		baseDir:   baseDir,
		sessions:  make(map[string]*Session),
		statusMgr: NewStatusManager(),
		savers:    make(map[string]*SessionSaver),
		loadDone:  make(chan struct{}),
	}

	go func() {
		store.loadErr = store.loadAll()
		close(store.loadDone)
	}()

	return store, nil
}

func (s *Store) ensureLoaded() { <-s.loadDone }

// StatusManager returns the status manager for this store.
func (s *Store) StatusManager() *StatusManager { return s.statusMgr }

// SessionDir returns the on-disk directory for a session id, used by the
// compaction engine's history and by the file-time/path-guard helpers.
func (s *Store) SessionDir(id string) string { return filepath.Join(s.baseDir, id) }

// BaseDir returns the store's root directory, used by the compaction
// engine's history to lay out <baseDir>/<id>/compaction/ alongside the
// session's own metadata/messages.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) messagesDir(id string) string { return filepath.Join(s.SessionDir(id), "messages") }

// saverFor returns (creating if needed) the debounced saver for a session.
// Must be called with s.mu held.
func (s *Store) saverFor(id string) *SessionSaver {
	if sv, ok := s.savers[id]; ok {
		return sv
	}
	sv := NewSessionSaver(func() error { return s.flushSession(id) })
	s.savers[id] = sv
	return sv
}

// Create creates a new session.
func (s *Store) Create(agent, model, provider string) (*Session, error) {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &Session{
		ID:                uuid.New().String()[:8],
		Title:             "New Session",
		Agent:             agent,
		Model:             model,
		Provider:          provider,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
		Summary:           &Summary{},
		Status:            "idle",
		PathConfirmations: &PathConfirmations{},
	}

	s.sessions[session.ID] = session
	if err := s.flushLocked(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get retrieves a session by ID.
func (s *Store) Get(id string) (*Session, error) {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return session, nil
}

// List returns all sessions sorted by updated time (newest first).
func (s *Store) List() []*Session {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions
}

// AddMessage appends a message to a session and writes it to disk immediately.
func (s *Store) AddMessage(sessionID string, msg Message) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()[:8]
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	session.Messages = append(session.Messages, msg)
	session.UpdatedAt = time.Now()
	session.dirty = true

	if session.Summary == nil {
		session.Summary = &Summary{}
	}
	session.Summary.TokensIn += msg.TokensIn
	session.Summary.TokensOut += msg.TokensOut
	session.Summary.TotalCost += msg.Cost

	return s.saveMessageLocked(sessionID, &session.Messages[len(session.Messages)-1])
}

// UpdateMessage mutates an existing message via updater. Refuses to mutate
// a message whose Finished flag is already true (invariant M1).
func (s *Store) UpdateMessage(sessionID, messageID string, updater func(*Message)) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	for i := range session.Messages {
		if session.Messages[i].ID == messageID {
			if session.Messages[i].Finished {
				return fmt.Errorf("message %s is finished and immutable", messageID)
			}
			updater(&session.Messages[i])
			session.UpdatedAt = time.Now()
			return s.saveMessageLocked(sessionID, &session.Messages[i])
		}
	}
	return fmt.Errorf("message not found: %s", messageID)
}

// ReplaceMessages replaces all messages in a session (used by manual/forced
// compaction; the automatic loop-integrated compaction path never calls
// this — it rewrites history only for the model call, see internal/compaction).
func (s *Store) ReplaceMessages(sessionID string, msgs []Message) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	oldIDs := make(map[string]bool, len(session.Messages))
	for _, m := range session.Messages {
		oldIDs[m.ID] = true
	}

	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.New().String()[:8]
		}
		delete(oldIDs, msgs[i].ID)
	}
	session.Messages = msgs
	session.UpdatedAt = time.Now()

	// Remove now-stale message files, then persist the new set.
	for staleID := range oldIDs {
		os.Remove(filepath.Join(s.messagesDir(sessionID), staleID+".json"))
	}
	for i := range session.Messages {
		if err := s.saveMessageLocked(sessionID, &session.Messages[i]); err != nil {
			return err
		}
	}
	return s.saveMetadataLocked(session)
}

// UpdateTitle updates the session title.
func (s *Store) UpdateTitle(sessionID, title string) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.Title = title
	session.UpdatedAt = time.Now()
	return s.saveMetadataLocked(session)
}

// UpdateStatus sets the session status in memory; it is written to
// metadata.json by the next metadata save.
func (s *Store) UpdateStatus(sessionID, status string) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.Status = status
	return nil
}

// SetRevert sets the revert state for a session.
func (s *Store) SetRevert(sessionID string, revert *RevertInfo) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.Revert = revert
	session.UpdatedAt = time.Now()
	return s.saveMetadataLocked(session)
}

// Revert reverts a session to a specific message, using snapshots to undo file changes.
func (s *Store) Revert(sessionID, messageID string, snapshot *Snapshot) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	var patches []SnapshotPatch
	found := false
	var lastUserMsgID string

	for _, msg := range session.Messages {
		if msg.Role == "user" {
			lastUserMsgID = msg.ID
		}
		if msg.ID == messageID {
			found = true
		}
		if found {
			for _, part := range msg.Parts {
				if part.Type == "patch" && part.PatchHash != "" {
					patches = append(patches, SnapshotPatch{Hash: part.PatchHash, Files: part.PatchFiles})
				}
			}
		}
	}
	if !found {
		return fmt.Errorf("message not found: %s", messageID)
	}

	if snapshot != nil && len(patches) > 0 {
		if err := snapshot.Revert(patches); err != nil {
			return fmt.Errorf("failed to revert file changes: %w", err)
		}
	}

	snapshotHash := ""
	if session.Revert != nil && session.Revert.Snapshot != "" {
		snapshotHash = session.Revert.Snapshot
	} else if snapshot != nil {
		snapshotHash, _ = snapshot.Track()
	}

	session.Revert = &RevertInfo{MessageID: lastUserMsgID, Snapshot: snapshotHash}
	if snapshotHash != "" && snapshot != nil {
		diff, _ := snapshot.Diff(snapshotHash)
		session.Revert.Diff = diff
	}
	session.UpdatedAt = time.Now()
	return s.saveMetadataLocked(session)
}

// Unrevert undoes a revert, restoring the session to its pre-revert state.
func (s *Store) Unrevert(sessionID string, snapshot *Snapshot) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if session.Revert == nil {
		return nil
	}
	if session.Revert.Snapshot != "" && snapshot != nil {
		if err := snapshot.Restore(session.Revert.Snapshot); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
	}
	session.Revert = nil
	session.UpdatedAt = time.Now()
	return s.saveMetadataLocked(session)
}

// CleanupRevert removes messages after the revert point and clears the revert state.
func (s *Store) CleanupRevert(sessionID string) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if session.Revert == nil {
		return nil
	}

	var preserved []Message
	var removedIDs []string
	for _, msg := range session.Messages {
		if msg.ID == session.Revert.MessageID {
			break
		}
		preserved = append(preserved, msg)
	}
	keep := make(map[string]bool, len(preserved))
	for _, m := range preserved {
		keep[m.ID] = true
	}
	for _, m := range session.Messages {
		if !keep[m.ID] {
			removedIDs = append(removedIDs, m.ID)
		}
	}

	session.Messages = preserved
	session.Revert = nil
	session.UpdatedAt = time.Now()

	for _, id := range removedIDs {
		os.Remove(filepath.Join(s.messagesDir(sessionID), id+".json"))
	}
	return s.saveMetadataLocked(session)
}

// Fork creates a copy of a session at a specific message point.
func (s *Store) Fork(sessionID string, atMessageIdx int) (*Session, error) {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	forked := &Session{
		ID:                uuid.New().String()[:8],
		Title:             original.Title + " (fork)",
		Agent:             original.Agent,
		Model:             original.Model,
		Provider:          original.Provider,
		ParentID:          original.ID,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
		Summary:           &Summary{},
		Status:            "idle",
		PathConfirmations: &PathConfirmations{},
	}

	end := atMessageIdx
	if end > len(original.Messages) || end <= 0 {
		end = len(original.Messages)
	}
	forked.Messages = make([]Message, end)
	for i := 0; i < end; i++ {
		msg := original.Messages[i]
		msg.ID = uuid.New().String()[:8]
		forked.Messages[i] = msg
	}

	s.sessions[forked.ID] = forked
	if err := s.flushLocked(forked); err != nil {
		return nil, err
	}
	return forked, nil
}

// Delete removes a session and its entire on-disk directory.
func (s *Store) Delete(sessionID string) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	delete(s.sessions, sessionID)
	delete(s.savers, sessionID)
	return os.RemoveAll(s.SessionDir(sessionID))
}

// Export returns session data (metadata + messages) as JSON.
func (s *Store) Export(sessionID string) ([]byte, error) {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	type exportShape struct {
		Session
		Messages []Message `json:"messages"`
	}
	return json.MarshalIndent(exportShape{Session: *session, Messages: session.Messages}, "", "  ")
}

// Import loads a session from exported JSON data, assigning a fresh ID.
func (s *Store) Import(data []byte) (*Session, error) {
	s.ensureLoaded()
	type importShape struct {
		Session
		Messages []Message `json:"messages"`
	}
	var in importShape
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid session data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session := in.Session
	session.ID = uuid.New().String()[:8]
	session.UpdatedAt = time.Now()
	session.Messages = in.Messages
	for i := range session.Messages {
		session.Messages[i].ID = uuid.New().String()[:8]
	}

	s.sessions[session.ID] = &session
	if err := s.flushLocked(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetLatest returns the most recently updated session.
func (s *Store) GetLatest() *Session {
	sessions := s.List()
	if len(sessions) == 0 {
		return nil
	}
	return sessions[0]
}

// GetSessionCost calculates total session cost from messages.
func (s *Store) GetSessionCost(sessionID string) (float64, error) {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("session not found: %s", sessionID)
	}
	var total float64
	for _, msg := range session.Messages {
		total += msg.Cost
	}
	return total, nil
}

// GetSessionStats returns aggregate statistics for a session.
func (s *Store) GetSessionStats(sessionID string) (*Summary, error) {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	summary := &Summary{}
	for _, msg := range session.Messages {
		summary.TokensIn += msg.TokensIn
		summary.TokensOut += msg.TokensOut
		summary.TotalCost += msg.Cost
		for _, part := range msg.Parts {
			if part.Type == "tool_use" {
				summary.ToolCalls++
			}
			if part.Type == "patch" {
				summary.Files = append(summary.Files, part.PatchFiles...)
			}
		}
	}
	summary.FileCount = len(summary.Files)
	return summary, nil
}

// Todos returns the session's current todo list.
func (s *Store) Todos(sessionID string) ([]Todo, error) {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return append([]Todo(nil), session.Todos...), nil
}

// SetTodos replaces the session's todo list and persists it.
func (s *Store) SetTodos(sessionID string, todos []Todo) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.Todos = todos
	return atomicWriteJSON(filepath.Join(s.SessionDir(sessionID), "todos.json"), todos)
}

// PathConfirmationsOf returns the session's confirmed-directory set.
func (s *Store) PathConfirmationsOf(sessionID string) (*PathConfirmations, error) {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if session.PathConfirmations == nil {
		return &PathConfirmations{}, nil
	}
	return session.PathConfirmations, nil
}

// ConfirmPath adds dir to the session's confirmed set and persists it.
func (s *Store) ConfirmPath(sessionID, dir string) error {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if session.PathConfirmations == nil {
		session.PathConfirmations = &PathConfirmations{}
	}
	for _, d := range session.PathConfirmations.ConfirmedDirs {
		if d == dir {
			return nil
		}
	}
	session.PathConfirmations.ConfirmedDirs = append(session.PathConfirmations.ConfirmedDirs, dir)
	session.PathConfirmations.ConfirmationCount++
	session.PathConfirmations.LastUpdated = time.Now()
	return atomicWriteJSON(filepath.Join(s.SessionDir(sessionID), "path_confirmations.json"), session.PathConfirmations)
}

// Saver returns the debounced SessionSaver for a session (creating it if
// needed). Mark schedules a debounced write and Flush writes at once; the
// agent loop calls Flush when a run finishes.
func (s *Store) Saver(sessionID string) *SessionSaver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saverFor(sessionID)
}

// Internal persistence helpers.

func (s *Store) flushSession(id string) error {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(session)
}

// flushLocked writes metadata + every in-memory message. Called with s.mu held.
func (s *Store) flushLocked(session *Session) error {
	if err := s.saveMetadataLocked(session); err != nil {
		return err
	}
	for i := range session.Messages {
		if err := s.saveMessageLocked(session.ID, &session.Messages[i]); err != nil {
			return err
		}
	}
	session.dirty = false
	return nil
}

func (s *Store) saveMetadataLocked(session *Session) error {
	md := metadataFile{
		ID: session.ID, Title: session.Title, Agent: session.Agent,
		Model: session.Model, Provider: session.Provider, ParentID: session.ParentID,
		CreatedAt: session.CreatedAt, UpdatedAt: session.UpdatedAt,
		Summary: session.Summary, Status: session.Status, Revert: session.Revert,
	}
	dir := s.SessionDir(session.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return atomicWriteJSON(filepath.Join(dir, "metadata.json"), md)
}

func (s *Store) saveMessageLocked(sessionID string, msg *Message) error {
	dir := s.messagesDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create messages dir: %w", err)
	}
	return atomicWriteJSON(filepath.Join(dir, msg.ID+".json"), msg)
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		mdPath := filepath.Join(s.baseDir, id, "metadata.json")
		data, err := os.ReadFile(mdPath)
		if err != nil {
			continue
		}
		var md metadataFile
		if err := json.Unmarshal(data, &md); err != nil {
			continue
		}

		session := &Session{
			ID: md.ID, Title: md.Title, Agent: md.Agent, Model: md.Model,
			Provider: md.Provider, ParentID: md.ParentID,
			CreatedAt: md.CreatedAt, UpdatedAt: md.UpdatedAt,
			Summary: md.Summary, Status: md.Status, Revert: md.Revert,
		}

		session.Messages = s.loadMessages(id)

		if todoData, err := os.ReadFile(filepath.Join(s.baseDir, id, "todos.json")); err == nil {
			var todos []Todo
			if json.Unmarshal(todoData, &todos) == nil {
				session.Todos = todos
			}
		}
		if pcData, err := os.ReadFile(filepath.Join(s.baseDir, id, "path_confirmations.json")); err == nil {
			var pc PathConfirmations
			if json.Unmarshal(pcData, &pc) == nil {
				session.PathConfirmations = &pc
			}
		}
		if session.PathConfirmations == nil {
			session.PathConfirmations = &PathConfirmations{}
		}

		s.sessions[session.ID] = session
	}
	return nil
}

func (s *Store) loadMessages(sessionID string) []Message {
	dir := s.messagesDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // corrupt file: skip, never fatal
		}
		var m Message
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs
}
