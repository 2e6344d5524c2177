package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStatusForScoreThresholdLaw(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		threshold := rapid.Float64Range(0, 1).Draw(rt, "threshold")
		score := rapid.Float64Range(0, 1).Draw(rt, "score")
		got := StatusForScore(score, threshold)
		if score >= threshold {
			assert.Equal(rt, StatusPending, got)
		} else {
			assert.Equal(rt, StatusRejected, got)
		}
		assert.Equal(rt, StatusPending, StatusForScore(threshold, threshold))
	})
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusMoved.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, CandidateStatus("archived").Valid())
	assert.True(t, ActionApprove.Valid())
	assert.False(t, ReviewAction("skip").Valid())
}

func TestFormatTimeOrdersLexically(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := time.Unix(rapid.Int64Range(0, 4102444800).Draw(rt, "a"), rapid.Int64Range(0, 999999999).Draw(rt, "an"))
		b := time.Unix(rapid.Int64Range(0, 4102444800).Draw(rt, "b"), rapid.Int64Range(0, 999999999).Draw(rt, "bn"))
		fa, fb := FormatTime(a), FormatTime(b)
		assert.Equal(rt, len(fa), len(fb))
		at, bt := a.Truncate(time.Microsecond), b.Truncate(time.Microsecond)
		assert.Equal(rt, at.Before(bt), fa < fb)
	})
}

func TestDecodeCriteriaDefaults(t *testing.T) {
	c, err := DecodeCriteria([]byte(`{"summary":"Billing","includePatterns":{"themes":["billing"]}}`), 0.6)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, c.ConfidenceThreshold, 1e-9)
	assert.Equal(t, []string{"billing"}, c.IncludePatterns.Themes)
	assert.Equal(t, []string{}, c.IncludePatterns.Keywords)
	assert.Equal(t, []string{}, c.ExcludePatterns.Themes)
	assert.Equal(t, []string{}, c.LearnedRules)

	c, err = DecodeCriteria([]byte(`{"summary":"x","includePatterns":{},"confidenceThreshold":0}`), 0.6)
	require.NoError(t, err)
	assert.Equal(t, 0.0, c.ConfidenceThreshold, "an explicit zero is kept")
}

func TestDecodeCriteriaRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"missing summary": `{"includePatterns":{}}`,
		"missing include": `{"summary":"x"}`,
		"threshold high":  `{"summary":"x","includePatterns":{},"confidenceThreshold":1.01}`,
		"threshold low":   `{"summary":"x","includePatterns":{},"confidenceThreshold":-0.1}`,
		"wrong types":     `{"summary":"x","includePatterns":{"themes":"billing"}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCriteria([]byte(doc), 0.6)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCriteria))
		})
	}
}

func TestCriteriaMarshalRoundTrip(t *testing.T) {
	tags := rapid.SliceOfN(rapid.StringMatching(`[a-z ]{1,12}`), 0, 5)
	rapid.Check(t, func(rt *rapid.T) {
		in := SkillCriteria{
			Summary:             rapid.StringMatching(`[A-Za-z ]{0,30}`).Draw(rt, "summary"),
			IncludePatterns:     PatternSet{Themes: tags.Draw(rt, "themes"), Keywords: tags.Draw(rt, "keywords")},
			ExcludePatterns:     PatternSet{TaskCharacteristics: tags.Draw(rt, "chars")},
			ConfidenceThreshold: rapid.Float64Range(0, 1).Draw(rt, "threshold"),
			LearnedRules:        tags.Draw(rt, "rules"),
		}
		payload, err := in.Marshal()
		require.NoError(rt, err)

		var keys map[string]json.RawMessage
		require.NoError(rt, json.Unmarshal(payload, &keys))
		for _, k := range []string{"summary", "includePatterns", "excludePatterns", "confidenceThreshold", "learnedRules"} {
			assert.Contains(rt, keys, k)
		}

		out, err := DecodeCriteria(payload, 0.5)
		require.NoError(rt, err)
		in.Normalize()
		assert.Equal(rt, in, out)
	})
}

func TestValidateRejectsNaN(t *testing.T) {
	err := SkillCriteria{ConfidenceThreshold: math.NaN()}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidCriteria))
}
