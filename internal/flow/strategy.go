package flow

import (
	"slices"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

// Strategy carries the per-category customization points: skip predicates
// and template wording. Everything else is driven by flow data.
type Strategy interface {
	// ShouldSkip reports whether step is irrelevant given the answers
	// collected so far.
	ShouldSkip(step domain.StepDefinition, s *domain.Session) bool

	// Template returns the base prompt template and contextual defaults.
	Template() (string, map[string]string)
}

// SkipRule skips Step when Field holds one of Values.
type SkipRule struct {
	Step   string   `koanf:"step"`
	Field  string   `koanf:"field"`
	Values []string `koanf:"values"`
}

func (r SkipRule) matches(step domain.StepDefinition, s *domain.Session) bool {
	if r.Step != step.Key {
		return false
	}
	v, ok := s.Value(r.Field)
	if !ok {
		return false
	}
	if len(r.Values) == 0 {
		return v != ""
	}
	return slices.Contains(r.Values, v)
}

// RuleStrategy is a Strategy built from declarative skip rules.
type RuleStrategy struct {
	Rules    []SkipRule
	Text     string
	Defaults map[string]string
}

func (r *RuleStrategy) ShouldSkip(step domain.StepDefinition, s *domain.Session) bool {
	for _, rule := range r.Rules {
		if rule.matches(step, s) {
			return true
		}
	}
	return false
}

func (r *RuleStrategy) Template() (string, map[string]string) {
	return r.Text, r.Defaults
}

// DefaultTemplate is used for categories without their own wording.
const DefaultTemplate = "Create a photorealistic image in {aspect_ratio} aspect ratio using the attached photos."

// ChildStrategy returns the built-in strategy for the child category, where
// choosing a boy or girl already fixes the age group.
func ChildStrategy() *RuleStrategy {
	return &RuleStrategy{
		Rules: []SkipRule{
			{Step: "age", Field: "gender", Values: []string{"boy", "girl"}},
		},
		Text: "Photograph a {gender} model aged {age} wearing the garment from the attached photos, " +
			"size {size}, in {aspect_ratio} format.",
		Defaults: map[string]string{"age": "child"},
	}
}

var defaultStrategy = &RuleStrategy{Text: DefaultTemplate}
