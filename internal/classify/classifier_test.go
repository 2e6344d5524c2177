package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tasksift/internal/config"
	"tasksift/internal/credentials"
	"tasksift/internal/domain"
)

type scriptedCompleter struct {
	replies []string
	err     error
	calls   int
	prompts []string
	systems []string
}

func (s *scriptedCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	s.calls++
	s.systems = append(s.systems, system)
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", fmt.Errorf("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func newClassifier(c Completer) *Classifier {
	return New(c, config.Default().Skill)
}

const criteriaReply = `{"summary":"Billing work","includePatterns":{"themes":["billing","invoices","refunds"],"keywords":["stripe","invoice","refund","charge","payout"]},"confidenceThreshold":0.7}`

func TestDecodeJSONShapes(t *testing.T) {
	var obj map[string]any
	require.NoError(t, decodeJSON("Here you go:\n```json\n{\"a\": 1}\n```\nthanks", &obj))
	assert.Equal(t, float64(1), obj["a"])

	obj = nil
	require.NoError(t, decodeJSON(`Sure! {"a": {"b": "}"}} trailing`, &obj))
	assert.Equal(t, map[string]any{"b": "}"}, obj["a"])

	var arr []map[string]any
	require.NoError(t, decodeJSON(`[{"task_gid":"1","score":0.5},{"task_gid":"2","score":0.1}]`, &arr))
	assert.Len(t, arr, 2)

	err := decodeJSON("I could not decide.", &obj)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClassification))

	err = decodeJSON("{not json}", &obj)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClassification))
}

func TestDecodeJSONSkipsUnbalancedProse(t *testing.T) {
	var arr []int
	require.NoError(t, decodeJSON("note [draft\n[1, 2, 3]", &arr))
	assert.Equal(t, []int{1, 2, 3}, arr)
}

func TestDecodeJSONSurroundedByProse(t *testing.T) {
	prose := rapid.StringMatching(`[A-Za-z0-9 .,:!?\n]{0,40}`)
	rapid.Check(t, func(rt *rapid.T) {
		want := rapid.SliceOfN(rapid.IntRange(-1000, 1000), 0, 8).Draw(rt, "values")
		payload, err := json.Marshal(map[string]any{"values": want})
		require.NoError(rt, err)
		text := prose.Draw(rt, "before") + string(payload) + prose.Draw(rt, "after")
		if rapid.Bool().Draw(rt, "fenced") {
			text = prose.Draw(rt, "intro") + "\n```json\n" + string(payload) + "\n```\n"
		}
		var got struct {
			Values []int `json:"values"`
		}
		require.NoError(rt, decodeJSON(text, &got))
		assert.Equal(rt, len(want), len(got.Values))
		for i := range want {
			assert.Equal(rt, want[i], got.Values[i])
		}
	})
}

func TestGenerateSkillSamplesIncompleteTasks(t *testing.T) {
	var tasks []domain.SourceTask
	for i := 0; i < 60; i++ {
		tasks = append(tasks, domain.SourceTask{ID: fmt.Sprint(i), Name: fmt.Sprintf("task-%02d", i), Completed: i%10 == 0})
	}
	tasks[1].Notes = strings.Repeat("n", 800)
	tasks[1].Tags = []string{"billing", "q3"}
	tasks[1].Assignee = "Dana"

	fake := &scriptedCompleter{replies: []string{"```json\n" + criteriaReply + "\n```"}}
	criteria, err := newClassifier(fake).GenerateSkill(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, "Billing work", criteria.Summary)
	assert.InDelta(t, 0.7, criteria.ConfidenceThreshold, 1e-9)
	assert.Equal(t, []string{}, criteria.ExcludePatterns.Themes)

	prompt := fake.prompts[0]
	assert.Contains(t, prompt, "1. Name: task-01")
	assert.Contains(t, prompt, "50. Name: ")
	assert.NotContains(t, prompt, "51. Name: ")
	assert.NotContains(t, prompt, "task-00", "completed tasks are skipped")
	assert.Contains(t, prompt, "Notes: "+strings.Repeat("n", 500)+"\n")
	assert.Contains(t, prompt, "Tags: billing, q3")
	assert.Contains(t, prompt, "Assignee: Dana")
	assert.Contains(t, fake.systems[0], "output only valid JSON")
}

func TestGenerateSkillDefaultsThreshold(t *testing.T) {
	fake := &scriptedCompleter{replies: []string{`{"summary":"x","includePatterns":{"themes":["a"]}}`}}
	criteria, err := newClassifier(fake).GenerateSkill(context.Background(), []domain.SourceTask{{ID: "1", Name: "a"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, criteria.ConfidenceThreshold, 1e-9)
}

func TestGenerateSkillFailures(t *testing.T) {
	ctx := context.Background()
	seed := []domain.SourceTask{{ID: "1", Name: "a"}}

	_, err := newClassifier(&scriptedCompleter{}).GenerateSkill(ctx, []domain.SourceTask{{ID: "1", Completed: true}})
	assert.ErrorIs(t, err, ErrNoSeedTasks)

	_, err = newClassifier(&scriptedCompleter{replies: []string{"no json here"}}).GenerateSkill(ctx, seed)
	assert.True(t, errors.Is(err, ErrClassification))

	_, err = newClassifier(&scriptedCompleter{replies: []string{`{"includePatterns":{}}`}}).GenerateSkill(ctx, seed)
	assert.True(t, errors.Is(err, ErrClassification), "summary is required")

	_, err = newClassifier(&scriptedCompleter{replies: []string{`{"summary":"x","includePatterns":{},"confidenceThreshold":3}`}}).GenerateSkill(ctx, seed)
	assert.True(t, errors.Is(err, ErrClassification))

	_, err = newClassifier(&scriptedCompleter{err: fmt.Errorf("dial tcp: refused")}).GenerateSkill(ctx, seed)
	assert.True(t, errors.Is(err, ErrClassification))
}

func TestEvaluateBatchEmptySkipsBackend(t *testing.T) {
	fake := &scriptedCompleter{}
	res, err := newClassifier(fake).EvaluateBatch(context.Background(), nil, domain.SkillCriteria{})
	require.NoError(t, err)
	assert.Empty(t, res.Evaluations)
	assert.Equal(t, 0, fake.calls)
}

func TestEvaluateBatchCorrelatesByID(t *testing.T) {
	tasks := []domain.SourceTask{{ID: "101", Name: "Refund flow"}, {ID: "102", Name: "Logo"}, {ID: "103", Name: "Invoice PDF"}}
	cases := []struct {
		name      string
		reply     string
		want      []Evaluation
		discarded int
	}{
		{
			name: "unknown and duplicate ids are dropped",
			reply: `[
  {"task_gid": "101", "score": 0.8, "reasoning": "billing"},
  {"task_gid": 102, "score": -0.2, "reasoning": "design"},
  {"task_gid": "999", "score": 0.9, "reasoning": "hallucinated"},
  {"task_gid": "101", "score": 0.1, "reasoning": "duplicate"}
]`,
			want:      []Evaluation{{TaskGID: "101", Score: 0.8, Reasoning: "billing"}, {TaskGID: "102", Score: 0, Reasoning: "design"}},
			discarded: 2,
		},
		{
			name: "an evaluation without a score is not a zero",
			reply: `[
  {"task_gid": "101", "reasoning": "forgot the number"},
  {"task_gid": "103", "score": 1.4, "reasoning": "invoices"}
]`,
			want:      []Evaluation{{TaskGID: "103", Score: 1, Reasoning: "invoices"}},
			discarded: 1,
		},
		{
			name:      "a later scored entry still counts after an unscored one",
			reply:     `[{"task_gid": "101", "reasoning": "?"}, {"task_gid": "101", "score": 0.7, "reasoning": "billing"}]`,
			want:      []Evaluation{{TaskGID: "101", Score: 0.7, Reasoning: "billing"}},
			discarded: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &scriptedCompleter{replies: []string{tc.reply}}
			criteria := domain.SkillCriteria{Summary: "Billing", ConfidenceThreshold: 0.6}
			res, err := newClassifier(fake).EvaluateBatch(context.Background(), tasks, criteria)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Evaluations)
			assert.Equal(t, tc.discarded, res.Discarded)

			prompt := fake.prompts[0]
			assert.Contains(t, prompt, "1. [GID: 101]\nName: Refund flow")
			assert.Contains(t, prompt, `"confidenceThreshold": 0.6`)
			assert.Contains(t, prompt, `"learnedRules": []`)
		})
	}
}

func TestEvaluateBatchMalformedFailsWholeBatch(t *testing.T) {
	fake := &scriptedCompleter{replies: []string{`{"summary": "not an array"}`}}
	_, err := newClassifier(fake).EvaluateBatch(context.Background(), []domain.SourceTask{{ID: "1"}}, domain.SkillCriteria{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClassification))
}

func TestRefineSkillPromptAndFallback(t *testing.T) {
	current := domain.SkillCriteria{Summary: "Billing", ConfidenceThreshold: 0.55}
	feedback := []domain.Feedback{
		{TaskName: "Refund bug", TaskNotes: strings.Repeat("x", 300), Status: domain.StatusMoved, Comment: "yes, payments", Score: 0.4},
		{TaskName: "Logo", Status: domain.StatusRejected, Score: 0.9},
	}
	fake := &scriptedCompleter{replies: []string{`{"summary":"Billing and payments","includePatterns":{"themes":["payments"]},"learnedRules":["refund bugs belong"]}`}}
	refined, err := newClassifier(fake).RefineSkill(context.Background(), current, feedback)
	require.NoError(t, err)
	assert.Equal(t, "Billing and payments", refined.Summary)
	assert.InDelta(t, 0.55, refined.ConfidenceThreshold, 1e-9)
	assert.Equal(t, []string{"refund bugs belong"}, refined.LearnedRules)

	prompt := fake.prompts[0]
	assert.Contains(t, prompt, `1. "Refund bug": APPROVED (AI scored: 0.4)`)
	assert.Contains(t, prompt, "   Notes: "+strings.Repeat("x", 200)+"\n")
	assert.Contains(t, prompt, "   User comment: yes, payments")
	assert.Contains(t, prompt, `2. "Logo": REJECTED (AI scored: 0.9)`)
}

func TestNewCompleterSelectsProvider(t *testing.T) {
	ctx := context.Background()
	llm, err := NewCompleter(ctx, credentials.Classifier{Provider: "ollama"}, BackendOptions{BaseURL: "http://127.0.0.1:11434", MaxTokens: 2048})
	require.NoError(t, err)
	assert.Equal(t, "ollama", llm.Provider())
	assert.Equal(t, "llama3.1", llm.Model())

	llm, err = NewCompleter(ctx, credentials.Classifier{Provider: "deepseek", APIKey: "k"}, BackendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", llm.Model())

	_, err = NewCompleter(ctx, credentials.Classifier{Provider: "anthropic"}, BackendOptions{})
	assert.Error(t, err)
	_, err = NewCompleter(ctx, credentials.Classifier{Provider: "mystery", APIKey: "k"}, BackendOptions{})
	assert.Error(t, err)
}
