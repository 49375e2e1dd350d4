package compaction

import "fmt"

// Pruning tuning defaults, grounded on spec §4.4's tool_pruning_policy
// config (protect_recent_turns, protect_token_threshold,
// minimum_prune_tokens): pruning only kicks in once enough old tool output
// has accumulated past the protected window, and only actually rewrites
// history if the total reclaimable is worth the rewrite.
const (
	defaultProtectRecentTurns    = 2
	defaultProtectTokenThreshold = 40000
	defaultMinimumPruneTokens    = 20000
	defaultReplacementText       = "[compacted]"
)

// PruningPolicy walks messages backwards, protecting the most recent turns
// and any already-summarized prefix, and replaces old tool_result content
// with a placeholder once the protected-token budget is exhausted. Runs at
// priority 50 (after summarization, which runs first when both apply).
type PruningPolicy struct {
	protectRecentTurns    int
	protectTokenThreshold int
	minimumPruneTokens    int
	protectedTools        map[string]bool
	replacementText       string
}

// NewPruningPolicy creates the pruning policy using the spec §4.4 defaults.
func NewPruningPolicy() *PruningPolicy {
	return NewPruningPolicyWithConfig(0, 0, 0, nil, "")
}

// NewPruningPolicyWithConfig creates the pruning policy from the spec §4.4
// tool_pruning_policy config surface; zero/nil values fall back to the spec
// defaults. protectedTools is merged with the built-in "skill" protection.
func NewPruningPolicyWithConfig(protectRecentTurns, protectTokenThreshold, minimumPruneTokens int, protectedTools []string, replacementText string) *PruningPolicy {
	if protectRecentTurns <= 0 {
		protectRecentTurns = defaultProtectRecentTurns
	}
	if protectTokenThreshold <= 0 {
		protectTokenThreshold = defaultProtectTokenThreshold
	}
	if minimumPruneTokens <= 0 {
		minimumPruneTokens = defaultMinimumPruneTokens
	}
	if replacementText == "" {
		replacementText = defaultReplacementText
	}
	protected := map[string]bool{"skill": true}
	for _, t := range protectedTools {
		protected[t] = true
	}
	return &PruningPolicy{
		protectRecentTurns:    protectRecentTurns,
		protectTokenThreshold: protectTokenThreshold,
		minimumPruneTokens:    minimumPruneTokens,
		protectedTools:        protected,
		replacementText:       replacementText,
	}
}

func (p *PruningPolicy) Name() string  { return "tool-output-pruning" }
func (p *PruningPolicy) Priority() int { return 50 }

type pruneTarget struct {
	msgIdx  int
	partIdx int
}

// Decide applies when the reclaimable total from non-protected tool
// outputs exceeds minimum_prune_tokens. It does not look at the budget:
// being over the token limit, and whether pruning is enabled at all, are
// not checked here.
func (p *PruningPolicy) Decide(msgs []ConvMessage, budget Budget) Decision {
	_, prunedTokens := p.scan(msgs)
	if prunedTokens > p.minimumPruneTokens {
		return Decision{Applies: true, Reason: fmt.Sprintf("%d tokens of old tool output exceed the %d token protected budget", prunedTokens, p.protectTokenThreshold)}
	}
	return Decision{Applies: false}
}

// scan walks backwards through messages exactly like the original
// PruneToolOutputs: the most recent protectRecentTurns user turns (and
// everything after them) are protected outright; beyond that, tool_result
// parts accumulate token cost until protectTokenThreshold is exceeded, and
// every part past that point becomes a prune target. A summary message or
// an already-compacted part stops the walk — it defines the pruning horizon.
func (p *PruningPolicy) scan(msgs []ConvMessage) (totalTokens int, prunedTokens int) {
	var targets []pruneTarget
	turns := 0

	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Role == "user" {
			turns++
		}
		if turns < p.protectRecentTurns {
			continue // protect the most recent turns
		}
		if msg.IsSummary {
			break
		}

		for j := len(msg.Parts) - 1; j >= 0; j-- {
			part := msg.Parts[j]
			if part.Type != "tool_result" || part.IsError {
				continue
			}
			if p.protectedTools[part.ToolName] {
				continue
			}
			if part.IsCompacted {
				break // already compacted, stop here
			}

			estimate := EstimateText(part.Content)
			totalTokens += estimate

			if totalTokens > p.protectTokenThreshold {
				prunedTokens += estimate
				targets = append(targets, pruneTarget{i, j})
			}
		}
	}
	_ = targets
	return totalTokens, prunedTokens
}

// Apply rewrites the transient copy, replacing every pruning target's
// content with a placeholder. The original session history is untouched;
// the caller (compaction Manager) only ever hands this a scratch copy.
func (p *PruningPolicy) Apply(msgs []ConvMessage, budget Budget, reason string) ([]ConvMessage, Record, error) {
	result := make([]ConvMessage, len(msgs))
	copy(result, msgs)

	var targets []pruneTarget
	totalTokens := 0
	prunedTokens := 0
	turns := 0

	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Role == "user" {
			turns++
		}
		if turns < p.protectRecentTurns {
			continue
		}
		if msg.IsSummary {
			break
		}
		for j := len(msg.Parts) - 1; j >= 0; j-- {
			part := msg.Parts[j]
			if part.Type != "tool_result" || part.IsError {
				continue
			}
			if p.protectedTools[part.ToolName] {
				continue
			}
			if part.IsCompacted {
				break
			}
			estimate := EstimateText(part.Content)
			totalTokens += estimate
			if totalTokens > p.protectTokenThreshold {
				prunedTokens += estimate
				targets = append(targets, pruneTarget{i, j})
			}
		}
	}

	var affected []string
	for _, t := range targets {
		msg := result[t.msgIdx]
		parts := make([]ConvPart, len(msg.Parts))
		copy(parts, msg.Parts)
		parts[t.partIdx].Content = p.replacementText
		parts[t.partIdx].IsCompacted = true
		msg.Parts = parts
		result[t.msgIdx] = msg
		affected = append(affected, msg.ID)
	}

	rec := Record{
		Policy:       p.Name(),
		Priority:     p.Priority(),
		Reason:       reason,
		TokensBefore: totalTokens,
		TokensAfter:  totalTokens - prunedTokens,
		MessageIDs:   affected,
	}
	return result, rec, nil
}
