package memory

// buildProfile groups a user's active records by category. Free-form tags
// only show up in TypeCounts.
func buildProfile(userID string, records []Record) Profile {
	p := Profile{
		UserID:             userID,
		Preferences:        []string{},
		EmotionalArc:       []string{},
		HealthNotes:        []string{},
		InteractionHistory: []string{},
		TypeCounts:         map[string]int{},
		EmotionCounts:      tallyEmotions(records),
		Total:              len(records),
	}
	for _, r := range records {
		p.TypeCounts[string(r.Type)]++
		switch r.Type {
		case TypePreference:
			p.Preferences = append(p.Preferences, r.FullText)
		case TypeEmotionalState:
			p.EmotionalArc = append(p.EmotionalArc, r.FullText)
		case TypeHealth:
			p.HealthNotes = append(p.HealthNotes, r.FullText)
		case TypeConversation:
			p.InteractionHistory = append(p.InteractionHistory, r.FullText)
		}
	}
	return p
}
