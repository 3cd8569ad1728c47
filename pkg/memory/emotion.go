package memory

import (
	"sort"
	"strings"
)

var expressions = map[string]Expression{
	"happy":  {Eyes: "smiling", Mouth: "smile", Eyebrows: "raised"},
	"sad":    {Eyes: "tearful", Mouth: "frown", Eyebrows: "lowered"},
	"angry":  {Eyes: "narrow", Mouth: "tense", Eyebrows: "furrowed"},
	"afraid": {Eyes: "wide", Mouth: "open", Eyebrows: "raised"},
	"calm":   {Eyes: "relaxed", Mouth: "neutral", Eyebrows: "neutral"},
}

// neutralExpression is shown to users the avatar has no memories of yet.
var neutralExpression = Expression{Eyes: "neutral", Mouth: "neutral", Eyebrows: "neutral"}

var empatheticResponses = map[string]string{
	"happy":  "I'm happy to see you smiling!",
	"sad":    "I'm here for you. Do you want to talk about it?",
	"angry":  "Take a deep breath. How can I help?",
	"afraid": "It's okay. I'm right here with you.",
	"calm":   "You seem peaceful. Enjoying the moment?",
}

const (
	ToneSupportive   = "supportive"
	ToneEnthusiastic = "enthusiastic"
	ToneCalm         = "calm"
	ToneFriendly     = "friendly"

	defaultResponse   = "I'm listening."
	noHistoryResponse = "I'm here to listen."
)

func expressionFor(emotion string) Expression {
	if e, ok := expressions[emotion]; ok {
		return e
	}
	return expressions["calm"]
}

// dominantEmotion returns the most frequent label; ties go to the
// alphabetically first label so the result is stable.
func dominantEmotion(tally map[string]int) string {
	labels := make([]string, 0, len(tally))
	for l := range tally {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	best, bestN := "", 0
	for _, l := range labels {
		if tally[l] > bestN {
			best, bestN = l, tally[l]
		}
	}
	return best
}

func toneFor(current string, tally map[string]int) string {
	switch current {
	case "sad":
		return ToneSupportive
	case "happy":
		return ToneEnthusiastic
	case "angry":
		return ToneCalm
	}
	switch dominantEmotion(tally) {
	case "sad", "afraid":
		return ToneSupportive
	}
	return ToneFriendly
}

// synthesizeResponse is a pure function of the current emotion and the user's
// emotion tally.
func synthesizeResponse(current string, tally map[string]int) EmotionalResponse {
	current = strings.ToLower(strings.TrimSpace(current))
	if len(tally) == 0 {
		return EmotionalResponse{
			Expression:        neutralExpression,
			Tone:              ToneFriendly,
			SuggestedResponse: noHistoryResponse,
		}
	}
	resp, ok := empatheticResponses[current]
	if !ok {
		resp = defaultResponse
	}
	return EmotionalResponse{
		Expression:        expressionFor(current),
		Tone:              toneFor(current, tally),
		SuggestedResponse: resp,
		EmotionTally:      tally,
	}
}

func tallyEmotions(records []Record) map[string]int {
	tally := map[string]int{}
	for _, r := range records {
		label := strings.ToLower(strings.TrimSpace(r.Emotion.Label))
		if label == "" {
			continue
		}
		tally[label]++
	}
	return tally
}
