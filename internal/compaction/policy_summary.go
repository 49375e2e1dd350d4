package compaction

import (
	"context"
	"fmt"
)

// defaultRecentExchangesToKeep is the spec §4.4 CompactionConfig default
// for `summary_policy.recent_exchanges_to_keep`: how many trailing user
// turns survive a summarization untouched — summarize older history, but
// never the conversation the model is actively in the middle of.
const defaultRecentExchangesToKeep = 6

// summaryPrefix marks a synthesized summary message per spec §4.4: its
// single TextPart must read "[Conversation History Summary]\n\n" + summary.
const summaryPrefix = "[Conversation History Summary]\n\n"

// summaryPromptPreamble is the structured instruction sent to the model
// asked to produce the replacement summary message, grounded on the
// recovered CompactionPromptText from the original session/compaction.go.
const summaryPromptPreamble = `Summarize the conversation above so it can replace the full history for
future turns. Preserve:
- the user's original goal and any constraints they stated
- files read, written, or modified, and why
- decisions made and their rationale
- any unresolved errors, open questions, or pending next steps

Be concise. Omit tool output that is no longer relevant. Do not invent
information that was not in the conversation.`

// Summarizer asks a model to produce a summary of the given transcript
// text. The agent loop supplies an implementation backed by a
// provider.Provider; tests can supply a stub.
type Summarizer func(ctx context.Context, transcript string) (string, error)

// SummaryPolicy replaces the oldest portion of the conversation with a
// single synthetic summary message once it decides there's enough history
// to be worth condensing. Runs at priority 100, ahead of pruning: a
// successful summarization usually makes pruning unnecessary the same
// round.
type SummaryPolicy struct {
	summarize             Summarizer
	recentExchangesToKeep int
}

// NewSummaryPolicy creates the summarization policy. summarize performs the
// actual model call; it may be nil, in which case Apply falls back to a
// mechanical (non-LLM) summary so the pipeline still makes progress.
// recentExchangesToKeep is the spec §4.4 `recent_exchanges_to_keep`; 0 (or
// negative) falls back to the spec default of 6.
func NewSummaryPolicy(summarize Summarizer, recentExchangesToKeep int) *SummaryPolicy {
	if recentExchangesToKeep <= 0 {
		recentExchangesToKeep = defaultRecentExchangesToKeep
	}
	return &SummaryPolicy{summarize: summarize, recentExchangesToKeep: recentExchangesToKeep}
}

func (p *SummaryPolicy) Name() string  { return "summarization" }
func (p *SummaryPolicy) Priority() int { return 100 }

// Decide implements the spec §4.4 summary_policy `should_apply`: enabled
// AND len(messages) > 2*recent_exchanges_to_keep AND token_count > token_limit.
func (p *SummaryPolicy) Decide(msgs []ConvMessage, budget Budget) Decision {
	if len(msgs) <= 2*p.recentExchangesToKeep {
		return Decision{Applies: false}
	}
	boundary := p.splitBoundary(msgs)
	if boundary <= 0 {
		return Decision{Applies: false}
	}
	total := 0
	for _, m := range msgs {
		for _, part := range m.Parts {
			total += EstimateText(part.Content)
		}
	}
	limit := budget.LimitTokens()
	if limit > 0 && total > limit {
		return Decision{Applies: true, Reason: fmt.Sprintf("%d tokens exceed the %d token limit", total, limit)}
	}
	return Decision{Applies: false}
}

// splitBoundary returns the index of the first message to keep verbatim:
// everything before it is a summarization candidate, everything from it on
// (the last recentExchangesToKeep user turns and what follows) is protected.
// Returns 0 if there isn't enough history to split (nothing to summarize).
func (p *SummaryPolicy) splitBoundary(msgs []ConvMessage) int {
	turns := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			turns++
			if turns >= p.recentExchangesToKeep {
				return i
			}
		}
		if msgs[i].IsSummary {
			return 0 // already summarized up to here, nothing more to do
		}
	}
	return 0
}

func (p *SummaryPolicy) Apply(msgs []ConvMessage, budget Budget, reason string) ([]ConvMessage, Record, error) {
	boundary := p.splitBoundary(msgs)
	if boundary <= 0 {
		return msgs, Record{}, fmt.Errorf("compaction: nothing to summarize")
	}

	toSummarize := msgs[:boundary]
	kept := msgs[boundary:]

	var affected []string
	transcript := ""
	tokensBefore := 0
	for _, m := range toSummarize {
		affected = append(affected, m.ID)
		for _, part := range m.Parts {
			tokensBefore += EstimateText(part.Content)
			transcript += fmt.Sprintf("[%s] %s\n", m.Role, part.Content)
		}
	}

	summaryText, err := p.runSummarizer(transcript)
	if err != nil {
		// Fall back to a mechanical summary rather than failing the round
		// outright (spec §9: summarization failure must not block the
		// agent loop).
		summaryText = fmt.Sprintf("[%d earlier messages omitted: summarization unavailable]", len(toSummarize))
	}

	summaryMsg := ConvMessage{
		ID:        "summary-" + msgs[boundary-1].ID,
		Role:      "user",
		IsSummary: true,
		Parts: []ConvPart{
			{Type: "text", Content: summaryPrefix + summaryText},
		},
	}

	result := make([]ConvMessage, 0, len(kept)+1)
	result = append(result, summaryMsg)
	result = append(result, kept...)

	rec := Record{
		Policy:       p.Name(),
		Priority:     p.Priority(),
		Reason:       reason,
		TokensBefore: tokensBefore,
		TokensAfter:  EstimateText(summaryPrefix + summaryText),
		MessageIDs:   affected,
	}
	return result, rec, nil
}

func (p *SummaryPolicy) runSummarizer(transcript string) (string, error) {
	if p.summarize == nil {
		return "", fmt.Errorf("compaction: no summarizer configured")
	}
	prompt := transcript + "\n\n" + summaryPromptPreamble
	return p.summarize(context.Background(), prompt)
}
