// Package classify turns tasks and review feedback into skill criteria and
// scores by prompting a pluggable text-completion backend.
package classify

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/cockroachdb/errors"

	"tasksift/internal/config"
	"tasksift/internal/domain"
)

// ErrClassification marks an unreachable backend or an unusable response.
var ErrClassification = errors.New("classification failed")

// ErrNoSeedTasks reports a bootstrap with nothing to learn from.
var ErrNoSeedTasks = errors.New("no incomplete tasks to learn from")

// Completer is a text-completion backend: system instruction plus prompt in, text out.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Evaluation is one correlated score for a requested task.
type Evaluation struct {
	TaskGID   string  `json:"task_gid"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// BatchResult holds the usable evaluations of a batch. Discarded counts entries
// whose id matched no requested task, repeated an earlier one or carried no score.
type BatchResult struct {
	Evaluations []Evaluation
	Discarded   int
}

type Classifier struct {
	Completer Completer
	Skill     config.SkillConfig
}

func New(c Completer, skill config.SkillConfig) *Classifier {
	return &Classifier{Completer: c, Skill: skill}
}

func (c *Classifier) complete(ctx context.Context, system, prompt string) (string, error) {
	text, err := c.Completer.Complete(ctx, system, prompt)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "classifier backend"), ErrClassification)
	}
	return text, nil
}

// Ping sends a minimal request through c to confirm the backend accepts its credentials.
func Ping(ctx context.Context, c Completer) error {
	if _, err := c.Complete(ctx, pingSystem, "ping"); err != nil {
		return errors.Mark(errors.Wrap(err, "classifier backend"), ErrClassification)
	}
	return nil
}

// GenerateSkill derives initial criteria from the incomplete tasks of a
// destination project. Only the first BootstrapSample tasks are used.
func (c *Classifier) GenerateSkill(ctx context.Context, tasks []domain.SourceTask) (domain.SkillCriteria, error) {
	var seed []domain.SourceTask
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		seed = append(seed, t)
		if len(seed) == c.Skill.BootstrapSample {
			break
		}
	}
	if len(seed) == 0 {
		return domain.SkillCriteria{}, ErrNoSeedTasks
	}
	text, err := c.complete(ctx, bootstrapSystem, bootstrapPrompt(seed, c.Skill.NotesLimit))
	if err != nil {
		return domain.SkillCriteria{}, err
	}
	return c.decodeCriteria(text, c.Skill.DefaultThreshold)
}

// EvaluateBatch scores tasks against criteria. An empty batch returns without
// calling the backend.
func (c *Classifier) EvaluateBatch(ctx context.Context, tasks []domain.SourceTask, criteria domain.SkillCriteria) (BatchResult, error) {
	if len(tasks) == 0 {
		return BatchResult{}, nil
	}
	payload, err := indentCriteria(criteria)
	if err != nil {
		return BatchResult{}, err
	}
	text, err := c.complete(ctx, evaluateSystem, evaluatePrompt(tasks, payload, c.Skill.NotesLimit))
	if err != nil {
		return BatchResult{}, err
	}
	var raw []rawEvaluation
	if err := decodeJSON(text, &raw); err != nil {
		return BatchResult{}, err
	}
	return correlate(tasks, raw), nil
}

// RefineSkill asks for updated criteria given the feedback collected since the
// current version. A response without a threshold keeps the current one.
func (c *Classifier) RefineSkill(ctx context.Context, current domain.SkillCriteria, feedback []domain.Feedback) (domain.SkillCriteria, error) {
	payload, err := indentCriteria(current)
	if err != nil {
		return domain.SkillCriteria{}, err
	}
	text, err := c.complete(ctx, refineSystem, refinePrompt(payload, feedback, c.Skill.FeedbackNotesLimit))
	if err != nil {
		return domain.SkillCriteria{}, err
	}
	return c.decodeCriteria(text, current.ConfidenceThreshold)
}

func (c *Classifier) decodeCriteria(text string, fallback float64) (domain.SkillCriteria, error) {
	var object map[string]json.RawMessage
	if err := decodeJSON(text, &object); err != nil {
		return domain.SkillCriteria{}, err
	}
	payload, err := json.Marshal(object)
	if err != nil {
		return domain.SkillCriteria{}, errors.Mark(err, ErrClassification)
	}
	criteria, err := domain.DecodeCriteria(payload, fallback)
	if err != nil {
		return domain.SkillCriteria{}, errors.Mark(err, ErrClassification)
	}
	return criteria, nil
}

func indentCriteria(c domain.SkillCriteria) (string, error) {
	c.Normalize()
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode criteria")
	}
	return string(out), nil
}

type rawEvaluation struct {
	TaskGID   json.RawMessage `json:"task_gid"`
	Score     *float64        `json:"score"`
	Reasoning string          `json:"reasoning"`
}

// gid accepts both quoted and bare numeric ids.
func (r rawEvaluation) gid() string {
	var s string
	if err := json.Unmarshal(r.TaskGID, &s); err == nil {
		return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "GID:"))
	}
	return strings.TrimSpace(string(r.TaskGID))
}

func correlate(tasks []domain.SourceTask, raw []rawEvaluation) BatchResult {
	requested := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		requested[t.ID] = true
	}
	seen := map[string]bool{}
	var res BatchResult
	for _, r := range raw {
		id := r.gid()
		// Without a score the task stays unscored and is asked about again next poll.
		if !requested[id] || seen[id] || r.Score == nil {
			res.Discarded++
			continue
		}
		seen[id] = true
		res.Evaluations = append(res.Evaluations, Evaluation{
			TaskGID:   id,
			Score:     clampScore(*r.Score),
			Reasoning: r.Reasoning,
		})
	}
	return res
}

func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
