package domain

import (
	"encoding/json"
	"math"

	"github.com/cockroachdb/errors"
)

// PatternSet groups the free-text tags describing one side of the classification.
type PatternSet struct {
	Themes              []string `json:"themes"`
	Keywords            []string `json:"keywords"`
	TaskCharacteristics []string `json:"taskCharacteristics"`
}

// SkillCriteria is the learned classification document stored inside a Skill.
type SkillCriteria struct {
	Summary             string     `json:"summary"`
	IncludePatterns     PatternSet `json:"includePatterns"`
	ExcludePatterns     PatternSet `json:"excludePatterns"`
	ConfidenceThreshold float64    `json:"confidenceThreshold"`
	LearnedRules        []string   `json:"learnedRules"`
}

// ErrInvalidCriteria marks a criteria document that fails structural validation.
var ErrInvalidCriteria = errors.New("invalid skill criteria")

type rawPatternSet struct {
	Themes              []string `json:"themes"`
	Keywords            []string `json:"keywords"`
	TaskCharacteristics []string `json:"taskCharacteristics"`
}

type rawCriteria struct {
	Summary             *string        `json:"summary"`
	IncludePatterns     *rawPatternSet `json:"includePatterns"`
	ExcludePatterns     *rawPatternSet `json:"excludePatterns"`
	ConfidenceThreshold *float64       `json:"confidenceThreshold"`
	LearnedRules        []string       `json:"learnedRules"`
}

// DecodeCriteria parses a criteria document. summary and includePatterns must be
// present; missing lists become empty and a missing threshold takes fallback.
func DecodeCriteria(data []byte, fallbackThreshold float64) (SkillCriteria, error) {
	var raw rawCriteria
	if err := json.Unmarshal(data, &raw); err != nil {
		return SkillCriteria{}, errors.Mark(errors.Wrap(err, "decode criteria"), ErrInvalidCriteria)
	}
	if raw.Summary == nil {
		return SkillCriteria{}, errors.Mark(errors.New("criteria.summary is required"), ErrInvalidCriteria)
	}
	if raw.IncludePatterns == nil {
		return SkillCriteria{}, errors.Mark(errors.New("criteria.includePatterns is required"), ErrInvalidCriteria)
	}
	c := SkillCriteria{
		Summary:             *raw.Summary,
		IncludePatterns:     PatternSet(*raw.IncludePatterns),
		ConfidenceThreshold: fallbackThreshold,
		LearnedRules:        raw.LearnedRules,
	}
	if raw.ExcludePatterns != nil {
		c.ExcludePatterns = PatternSet(*raw.ExcludePatterns)
	}
	if raw.ConfidenceThreshold != nil {
		c.ConfidenceThreshold = *raw.ConfidenceThreshold
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return SkillCriteria{}, err
	}
	return c, nil
}

// Normalize replaces nil lists with empty ones so the stored JSON always carries every key.
func (c *SkillCriteria) Normalize() {
	c.IncludePatterns.normalize()
	c.ExcludePatterns.normalize()
	if c.LearnedRules == nil {
		c.LearnedRules = []string{}
	}
}

func (p *PatternSet) normalize() {
	if p.Themes == nil {
		p.Themes = []string{}
	}
	if p.Keywords == nil {
		p.Keywords = []string{}
	}
	if p.TaskCharacteristics == nil {
		p.TaskCharacteristics = []string{}
	}
}

// Validate checks the structural invariants of a criteria document.
func (c SkillCriteria) Validate() error {
	t := c.ConfidenceThreshold
	if math.IsNaN(t) || t < 0 || t > 1 {
		return errors.Mark(errors.Newf("criteria.confidenceThreshold %v outside [0,1]", t), ErrInvalidCriteria)
	}
	return nil
}

// Marshal encodes normalized criteria for storage.
func (c SkillCriteria) Marshal() ([]byte, error) {
	c.Normalize()
	return json.Marshal(c)
}
