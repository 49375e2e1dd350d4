package compaction

import (
	"sort"
)

// ResultStatus is the outcome of a Manager.Apply-style pass (spec §4.4
// `apply(messages, session_id) -> Result`).
type ResultStatus string

const (
	ResultApplied   ResultStatus = "APPLIED"
	ResultNotNeeded ResultStatus = "NOT_NEEDED"
	ResultSkipped   ResultStatus = "SKIPPED"
	ResultFailed    ResultStatus = "FAILED"
)

// Result carries everything the spec's `apply` returns: the status, the
// original/rewritten message tuples, every record created this pass, the
// total tokens reclaimed, and which policies actually ran.
type Result struct {
	Status           ResultStatus
	OriginalMessages []ConvMessage
	ResultMessages   []ConvMessage
	Records          []Record
	TotalTokensSaved int
	PoliciesApplied  []string
}

// ManagerDecision is the spec §4.4 Manager-level `decide`: whether the
// conversation should be compacted this round, and why.
type ManagerDecision struct {
	ShouldCompact      bool
	CurrentTokens      int
	LimitTokens        int
	OverflowRatio      float64
	ApplicablePolicies []string
}

// Manager runs a priority-ordered list of policies against a transient copy
// of the conversation each round (spec §4.4: higher priority runs first;
// once one policy applies and is applied, the pipeline re-evaluates from
// the top against the rewritten copy, so a successful summarization can
// make a subsequent pruning pass unnecessary in the same round).
type Manager struct {
	policies []Policy
	history  *History
	enabled  bool
}

// NewManager creates a Manager with the given policies, sorted so Run
// always evaluates highest priority first regardless of registration order.
func NewManager(history *History, policies ...Policy) *Manager {
	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Manager{policies: sorted, history: history, enabled: true}
}

// SetEnabled toggles the Manager per the spec's top-level `enabled` flag;
// when disabled, Decide always reports should_compact=false and Run returns
// SKIPPED without running any policy, so RunUntilStable applies nothing.
func (m *Manager) SetEnabled(enabled bool) { m.enabled = enabled }

// Decide implements the spec §4.4 Manager-level decide: should_compact =
// overflow_ratio > overflow_threshold, where limit_tokens/overflow_ratio
// come from Budget (fed by the CompactionConfig knobs of the same name).
// applicable_policies lists every registered policy whose own Decide
// currently applies, regardless of whether should_compact is true.
func (m *Manager) Decide(msgs []ConvMessage, budget Budget) ManagerDecision {
	current := 0
	for _, msg := range msgs {
		for _, part := range msg.Parts {
			current += EstimateText(part.Content)
		}
	}
	limit := budget.LimitTokens()
	ratio := budget.OverflowRatio(current)

	var applicable []string
	for _, p := range m.policies {
		if p.Decide(msgs, budget).Applies {
			applicable = append(applicable, p.Name())
		}
	}

	return ManagerDecision{
		ShouldCompact:      m.enabled && limit > 0 && ratio > budget.Threshold(),
		CurrentTokens:      current,
		LimitTokens:        limit,
		OverflowRatio:      ratio,
		ApplicablePolicies: applicable,
	}
}

// Run evaluates policies in priority order against msgs, applying at most
// one policy per call to keep a single round's cost bounded, and appends
// the resulting Record to the session's compaction history if a history
// store was supplied.
func (m *Manager) Run(sessionID string, msgs []ConvMessage, budget Budget) (*Result, error) {
	if !m.enabled {
		return &Result{Status: ResultSkipped, OriginalMessages: msgs, ResultMessages: msgs}, nil
	}

	var lastErr error
	for _, policy := range m.policies {
		decision := policy.Decide(msgs, budget)
		if !decision.Applies {
			continue
		}
		result, record, err := policy.Apply(msgs, budget, decision.Reason)
		if err != nil {
			lastErr = err
			continue // this policy couldn't help this round, try the next
		}
		if m.history != nil {
			if err := m.history.Append(sessionID, record); err != nil {
				return &Result{Status: ResultFailed, OriginalMessages: msgs, ResultMessages: msgs}, err
			}
		}
		saved := estimateAll(msgs) - estimateAll(result)
		return &Result{
			Status:           ResultApplied,
			OriginalMessages: msgs,
			ResultMessages:   result,
			Records:          []Record{record},
			TotalTokensSaved: saved,
			PoliciesApplied:  []string{policy.Name()},
		}, nil
	}

	if lastErr != nil {
		return &Result{Status: ResultFailed, OriginalMessages: msgs, ResultMessages: msgs}, nil
	}
	return &Result{Status: ResultNotNeeded, OriginalMessages: msgs, ResultMessages: msgs}, nil
}

// RunUntilStable repeatedly runs the pipeline against msgs until no policy
// applies or maxRounds is reached, so a single overflow can be resolved by
// summarization followed immediately by pruning in the same compaction
// pass rather than waiting for the next model round. It returns the final
// messages and the records of every applied round. The pass stops at the
// first round that applies nothing; a round whose policies all failed ends
// the pass without an error, and the returned error is set only when
// appending a record to the history fails.
func (m *Manager) RunUntilStable(sessionID string, msgs []ConvMessage, budget Budget, maxRounds int) ([]ConvMessage, []Record, error) {
	original := msgs
	current := msgs
	var records []Record
	var lastErr error
	applied := false

	for i := 0; i < maxRounds; i++ {
		result, err := m.Run(sessionID, current, budget)
		if err != nil {
			lastErr = err
			break
		}
		if result.Status == ResultFailed {
			lastErr = err
			break
		}
		if result.Status != ResultApplied {
			break
		}
		applied = true
		records = append(records, result.Records...)
		current = result.ResultMessages
	}

	_ = original
	_ = applied
	return current, records, lastErr
}

func estimateAll(msgs []ConvMessage) int {
	total := 0
	for _, m := range msgs {
		for _, p := range m.Parts {
			total += EstimateText(p.Content)
		}
	}
	return total
}
