package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSynthesizeResponse_Tone(t *testing.T) {
	cases := []struct {
		name     string
		current  string
		tally    map[string]int
		wantTone string
		wantText string
	}{
		{"sad is supportive", "sad", map[string]int{"happy": 3}, ToneSupportive, empatheticResponses["sad"]},
		{"happy is enthusiastic", "happy", map[string]int{"sad": 3}, ToneEnthusiastic, empatheticResponses["happy"]},
		{"angry is calm", "angry", map[string]int{"happy": 1}, ToneCalm, empatheticResponses["angry"]},
		{"afraid history is supportive", "calm", map[string]int{"afraid": 2, "happy": 1}, ToneSupportive, empatheticResponses["calm"]},
		{"happy history is friendly", "calm", map[string]int{"happy": 2}, ToneFriendly, empatheticResponses["calm"]},
		{"unknown emotion", "bored", map[string]int{"happy": 1}, ToneFriendly, defaultResponse},
		{"case insensitive", " SAD ", map[string]int{"happy": 1}, ToneSupportive, empatheticResponses["sad"]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := synthesizeResponse(tc.current, tc.tally)
			assert.Equal(t, tc.wantTone, got.Tone)
			assert.Equal(t, tc.wantText, got.SuggestedResponse)
		})
	}
}

func TestSynthesizeResponse_Expression(t *testing.T) {
	history := map[string]int{"happy": 1}
	assert.Equal(t, expressions["afraid"], synthesizeResponse("afraid", history).Expression)
	assert.Equal(t, expressions["calm"], synthesizeResponse("confused", history).Expression)
}

func TestSynthesizeResponse_NoHistoryIsNeutral(t *testing.T) {
	for _, current := range []string{"happy", "sad", "confused", ""} {
		got := synthesizeResponse(current, nil)
		assert.Equal(t, neutralExpression, got.Expression, current)
		assert.Equal(t, ToneFriendly, got.Tone, current)
		assert.Equal(t, noHistoryResponse, got.SuggestedResponse, current)
		assert.Empty(t, got.EmotionTally, current)
	}
}

func TestDominantEmotion_TieIsAlphabetical(t *testing.T) {
	assert.Equal(t, "afraid", dominantEmotion(map[string]int{"sad": 2, "afraid": 2, "happy": 1}))
	assert.Equal(t, "", dominantEmotion(nil))
}

func TestTallyEmotions(t *testing.T) {
	got := tallyEmotions([]Record{
		{Emotion: Emotion{Label: "Happy"}},
		{Emotion: Emotion{Label: "happy"}},
		{Emotion: Emotion{Label: ""}},
		{Emotion: Emotion{Label: "sad"}},
	})
	assert.Equal(t, map[string]int{"happy": 2, "sad": 1}, got)
}
