// Package eventbus is the sole inter-component progress channel used by the
// agent loop, compaction engine and tool executor to publish UI-facing
// events without depending on any concrete UI.
package eventbus

import (
	"log/slog"
	"sync"
)

// Fixed topic names used by the core (spec §4.6 / §7).
const (
	TopicTextDelta         = "text-delta"
	TopicReasoningDelta    = "reasoning-delta"
	TopicToolStart         = "tool-start"
	TopicToolCallStreaming = "tool-call-streaming"
	TopicToolCallProgress  = "tool-call-progress"
	TopicToolResult        = "tool-result"
	TopicToolComplete      = "tool-complete"
	TopicFinish            = "finish"
	TopicQuestionAsk       = "question-ask"
	TopicQuestionTimeout   = "question-timeout"
	TopicCompaction        = "compaction"
	TopicRetry             = "retry"
	TopicStepStart         = "step-start"
	TopicStepEnd           = "step-end"
)

// Subscriber receives a published payload. It must not block for long;
// the bus calls subscribers synchronously in publish order.
type Subscriber func(payload any)

// Bus is a topic-indexed pub/sub bus. Zero value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Subscriber
	log  *slog.Logger
}

// New creates an empty event bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[string][]Subscriber), log: log}
}

// Subscribe registers fn to receive every payload published on topic.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], fn)
	idx := len(b.subs[topic]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

// Publish fans payload out to every subscriber of topic. Subscriber panics
// are recovered and logged; they never propagate to the publisher.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, fn := range subs {
		if fn == nil {
			continue
		}
		b.safeCall(topic, fn, payload)
	}
}

func (b *Bus) safeCall(topic string, fn Subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("eventbus subscriber panic", "topic", topic, "recover", r)
		}
	}()
	fn(payload)
}
