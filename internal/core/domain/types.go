// Package domain holds the core model shared by the conversation engine,
// the credential pool and the dispatch controller.
package domain

import "strings"

// InputKind identifies how a step collects its answer.
type InputKind string

const (
	InputSingleChoice InputKind = "single-choice"
	InputFreeText     InputKind = "free-text"
	InputMedia        InputKind = "media"
	InputModelPick    InputKind = "model-pick"
)

// Valid reports whether k is one of the known input kinds.
func (k InputKind) Valid() bool {
	switch k {
	case InputSingleChoice, InputFreeText, InputMedia, InputModelPick:
		return true
	}
	return false
}

// IsChoice reports whether the step is answered by picking an option.
func (k InputKind) IsChoice() bool {
	return k == InputSingleChoice || k == InputModelPick
}

// SkipBehavior declares what a skipped step leaves behind in the session.
type SkipBehavior string

const (
	// SkipOmit leaves the key absent (default).
	SkipOmit SkipBehavior = "omit"
	// SkipEmpty records an empty string under the key.
	SkipEmpty SkipBehavior = "empty"
)

// AspectRatioKey is the universal cross-category field that must be set
// before a session is ready.
const AspectRatioKey = "aspect_ratio"

// DefaultMaxTextLength bounds free-text answers when a step declares no limit.
const DefaultMaxTextLength = 1000

// StepDefinition is one question of a category's wizard.
type StepDefinition struct {
	ID               string            `json:"id" koanf:"id"`
	Category         string            `json:"category" koanf:"category"`
	Key              string            `json:"key" koanf:"key"`
	Prompt           string            `json:"prompt" koanf:"prompt"`
	LocalizedPrompts map[string]string `json:"localized_prompts,omitempty" koanf:"prompts"`
	Kind             InputKind         `json:"kind" koanf:"kind"`
	Optional         bool              `json:"optional,omitempty" koanf:"optional"`
	Order            int               `json:"order" koanf:"order"`
	SkipBehavior     SkipBehavior      `json:"skip_behavior,omitempty" koanf:"skip_behavior"`
	MinLength        int               `json:"min_length,omitempty" koanf:"min_length"`
	MaxLength        int               `json:"max_length,omitempty" koanf:"max_length"`
	MaxItems         int               `json:"max_items,omitempty" koanf:"max_items"`
}

// PromptFor returns the localized prompt, falling back to the default text.
func (s StepDefinition) PromptFor(lang string) string {
	if text, ok := s.LocalizedPrompts[strings.ToLower(lang)]; ok && text != "" {
		return text
	}
	return s.Prompt
}

// RecordsEmptyOnSkip reports whether skipping this step stores an empty value.
func (s StepDefinition) RecordsEmptyOnSkip() bool {
	return s.SkipBehavior == SkipEmpty
}

// TextLimits returns the effective free-text bounds.
func (s StepDefinition) TextLimits() (min, max int) {
	min, max = s.MinLength, s.MaxLength
	if min < 1 {
		min = 1
	}
	if max <= 0 {
		max = DefaultMaxTextLength
	}
	return min, max
}

// OptionDefinition is a selectable choice of a single-choice or model-pick step.
type OptionDefinition struct {
	ID              string            `json:"id" koanf:"id"`
	StepID          string            `json:"step_id" koanf:"step_id"`
	Label           string            `json:"label" koanf:"label"`
	LocalizedLabels map[string]string `json:"localized_labels,omitempty" koanf:"labels"`
	Value           string            `json:"value" koanf:"value"`
	Order           int               `json:"order" koanf:"order"`
	// CustomPrompt, when set, requires a free-text follow-up before the
	// step counts as answered.
	CustomPrompt string `json:"custom_prompt,omitempty" koanf:"custom_prompt"`
}

// LabelFor returns the localized label, falling back to the default label.
func (o OptionDefinition) LabelFor(lang string) string {
	if text, ok := o.LocalizedLabels[strings.ToLower(lang)]; ok && text != "" {
		return text
	}
	if o.Label == "" {
		return o.Value
	}
	return o.Label
}

// HasCustomPrompt reports whether selecting the option opens a free-text branch.
func (o OptionDefinition) HasCustomPrompt() bool {
	return strings.TrimSpace(o.CustomPrompt) != ""
}

// Image is a binary picture plus its MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// Artifact is the single generated image returned by a successful dispatch.
type Artifact struct {
	Ref          string `json:"ref"`
	MIMEType     string `json:"mime_type"`
	CredentialID string `json:"credential_id"`
	Data         []byte `json:"-"`
}
