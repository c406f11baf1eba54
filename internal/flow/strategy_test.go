package flow

import (
	"context"
	"testing"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

func TestRuleStrategy_ShouldSkip(t *testing.T) {
	s := &RuleStrategy{Rules: []SkipRule{
		{Step: "age", Field: "gender", Values: []string{"boy", "girl"}},
		{Step: "sleeve", Field: "style"},
	}}
	age := domain.StepDefinition{Key: "age"}
	sleeve := domain.StepDefinition{Key: "sleeve"}

	tests := []struct {
		name    string
		step    domain.StepDefinition
		answers map[string]string
		want    bool
	}{
		{name: "listed value", step: age, answers: map[string]string{"gender": "girl"}, want: true},
		{name: "other value", step: age, answers: map[string]string{"gender": "child"}},
		{name: "field unset", step: age},
		{name: "any non-empty value", step: sleeve, answers: map[string]string{"style": "strapless"}, want: true},
		{name: "empty value", step: sleeve, answers: map[string]string{"style": ""}},
		{name: "unrelated step", step: domain.StepDefinition{Key: "size"}, answers: map[string]string{"gender": "boy"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &domain.Session{}
			for k, v := range tt.answers {
				sess.Set(k, v, "")
			}
			if got := s.ShouldSkip(tt.step, sess); got != tt.want {
				t.Errorf("ShouldSkip() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_CustomStrategy(t *testing.T) {
	custom := &RuleStrategy{
		Rules:    []SkipRule{{Step: "size", Field: "gender", Values: []string{"child"}}},
		Text:     "A {gender} model",
		Defaults: map[string]string{"size": "one size"},
	}
	e := NewEngine(seedChildFlow(t), WithLogger(discardLogger()), WithStrategy("child", custom))

	s, _, err := e.Start(context.Background(), "u1", "child", "en")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// The built-in rule skipping age is replaced, so age is asked.
	wantStep(t, advance(t, e, s, Input{OptionID: "boy"}), "age")

	text, defaults := e.Template("child")
	if text != "A {gender} model" || defaults["size"] != "one size" {
		t.Errorf("Template() = %q, %v", text, defaults)
	}
}

func TestEngine_TemplateFallsBack(t *testing.T) {
	e := NewEngine(seedChildFlow(t), WithStrategy("dress", &RuleStrategy{}))

	if text, _ := e.Template("dress"); text != DefaultTemplate {
		t.Errorf("Template(dress) = %q, want default", text)
	}
	if text, _ := e.Template("unknown"); text != DefaultTemplate {
		t.Errorf("Template(unknown) = %q, want default", text)
	}
	if text, _ := e.Template("child"); text != ChildStrategy().Text {
		t.Errorf("Template(child) = %q, want built-in", text)
	}
}
