package memory

import "strings"

// DefaultPolicy surfaces reminder-worthy memories with a confident emotion.
type DefaultPolicy struct {
	reminderTypes map[MemoryType]struct{}
	minConfidence float64
}

// DefaultReminderTypes are the tags proactive recall considers.
var DefaultReminderTypes = []MemoryType{TypeBirthday, TypeAnniversary, TypeEvent, TypeReminder}

const defaultProactiveMinConfidence = 0.8

// NewDefaultPolicy builds a policy. Empty reminderTypes uses DefaultReminderTypes;
// minConfidence outside (0,1] uses 0.8.
func NewDefaultPolicy(reminderTypes []string, minConfidence float64) *DefaultPolicy {
	p := &DefaultPolicy{
		reminderTypes: map[MemoryType]struct{}{},
		minConfidence: minConfidence,
	}
	for _, raw := range reminderTypes {
		t, err := ParseMemoryType(raw)
		if err != nil || strings.TrimSpace(raw) == "" {
			continue
		}
		p.reminderTypes[t] = struct{}{}
	}
	if len(p.reminderTypes) == 0 {
		for _, t := range DefaultReminderTypes {
			p.reminderTypes[t] = struct{}{}
		}
	}
	if p.minConfidence <= 0 || p.minConfidence > 1 {
		p.minConfidence = defaultProactiveMinConfidence
	}
	return p
}

func (p *DefaultPolicy) ReminderWorthy(t MemoryType) bool {
	_, ok := p.reminderTypes[t]
	return ok
}

// ShouldSurface requires a strictly greater confidence than the threshold.
func (p *DefaultPolicy) ShouldSurface(rec Record) bool {
	return p.ReminderWorthy(rec.Type) && rec.Emotion.Confidence > p.minConfidence
}
