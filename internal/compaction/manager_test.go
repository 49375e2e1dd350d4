package compaction

import "testing"

// stubPolicy is a minimal Policy for exercising Manager ordering without
// depending on the real summarization/pruning heuristics.
type stubPolicy struct {
	name     string
	priority int
	applies  bool
	applyFn  func([]ConvMessage) []ConvMessage
	ran      *[]string
}

func (s *stubPolicy) Name() string  { return s.name }
func (s *stubPolicy) Priority() int { return s.priority }
func (s *stubPolicy) Decide(msgs []ConvMessage, budget Budget) Decision {
	return Decision{Applies: s.applies, Reason: s.name}
}
func (s *stubPolicy) Apply(msgs []ConvMessage, budget Budget, reason string) ([]ConvMessage, Record, error) {
	*s.ran = append(*s.ran, s.name)
	result := msgs
	if s.applyFn != nil {
		result = s.applyFn(msgs)
	}
	return result, Record{Policy: s.name, Priority: s.priority, Reason: reason}, nil
}

func TestManagerRunsHighestPriorityFirst(t *testing.T) {
	var ran []string
	low := &stubPolicy{name: "low", priority: 10, applies: true, ran: &ran}
	high := &stubPolicy{name: "high", priority: 100, applies: true, ran: &ran}

	m := NewManager(nil, low, high)
	result, err := m.Run("sess", nil, Budget{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Status != ResultApplied || len(result.Records) != 1 || result.Records[0].Policy != "high" {
		t.Fatalf("expected the higher-priority policy to run first, got %+v", result)
	}
	if len(ran) != 1 || ran[0] != "high" {
		t.Errorf("expected exactly [high] to run, got %v", ran)
	}
}

func TestManagerSkipsPoliciesThatDoNotApply(t *testing.T) {
	var ran []string
	skip := &stubPolicy{name: "skip", priority: 100, applies: false, ran: &ran}
	apply := &stubPolicy{name: "apply", priority: 50, applies: true, ran: &ran}

	m := NewManager(nil, skip, apply)
	result, err := m.Run("sess", nil, Budget{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Status != ResultApplied || len(result.Records) != 1 || result.Records[0].Policy != "apply" {
		t.Fatalf("expected the applicable policy to run, got %+v", result)
	}
}

func TestManagerRunUntilStableStopsWhenNothingApplies(t *testing.T) {
	var ran []string
	once := &stubPolicy{name: "once", priority: 100, applies: true, ran: &ran}

	calls := 0
	once.applyFn = func(msgs []ConvMessage) []ConvMessage {
		calls++
		once.applies = calls < 1 // only ever applies on the first call
		return msgs
	}

	m := NewManager(nil, once)
	_, records, err := m.RunUntilStable("sess", nil, Budget{}, 5)
	if err != nil {
		t.Fatalf("RunUntilStable returned error: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected exactly one applied record, got %d", len(records))
	}
}

func TestManagerRunUntilStableRespectsMaxRounds(t *testing.T) {
	var ran []string
	alwaysApplies := &stubPolicy{name: "always", priority: 100, applies: true, ran: &ran}

	m := NewManager(nil, alwaysApplies)
	_, records, err := m.RunUntilStable("sess", nil, Budget{}, 3)
	if err != nil {
		t.Fatalf("RunUntilStable returned error: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected exactly maxRounds applied records, got %d", len(records))
	}
}
