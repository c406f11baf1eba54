// Package flow implements the conversation engine: a data-driven wizard
// that walks a session through the steps of a category.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
)

// Input is one user event directed at the current step.
type Input struct {
	OptionID string   `json:"option_id,omitempty"`
	Text     string   `json:"text,omitempty"`
	Media    []string `json:"media,omitempty"`
	Skip     bool     `json:"skip,omitempty"`
}

// Choice is a renderable option.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Prompt is what the transport should render next.
type Prompt struct {
	Ready   bool                   `json:"ready,omitempty"`
	Outside bool                   `json:"outside,omitempty"`
	Step    *domain.StepDefinition `json:"step,omitempty"`
	Text    string                 `json:"text,omitempty"`
	Choices []Choice               `json:"choices,omitempty"`
	// Custom is set while a free-text answer for a custom-prompt option is
	// awaited.
	Custom bool `json:"custom,omitempty"`
	// Virtual marks the synthesized aspect-ratio step.
	Virtual bool `json:"virtual,omitempty"`
}

// DefaultAspectRatios are offered when none are configured.
var DefaultAspectRatios = []string{"1:1", "3:4", "4:3", "9:16", "16:9"}

const defaultAspectPrompt = "Choose the output aspect ratio"

// Engine interprets flow definitions for sessions. It holds no session
// state; callers serialize calls per session.
type Engine struct {
	store          ports.FlowStore
	strategies     map[string]Strategy
	aspects        []domain.OptionDefinition
	aspectPrompt   string
	defaultQuality string
	newID          func() string
	logger         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy installs the strategy for a category.
func WithStrategy(category string, s Strategy) Option {
	return func(e *Engine) {
		e.strategies[category] = s
	}
}

// WithAspectRatios sets the values offered by the aspect-ratio step.
func WithAspectRatios(values []string) Option {
	return func(e *Engine) {
		if len(values) > 0 {
			e.aspects = aspectOptions(values)
		}
	}
}

// WithAspectPrompt sets the text of the aspect-ratio step.
func WithAspectPrompt(text string) Option {
	return func(e *Engine) {
		if text != "" {
			e.aspectPrompt = text
		}
	}
}

// WithDefaultQuality sets the tier used until a model-pick step answers.
func WithDefaultQuality(tier string) Option {
	return func(e *Engine) {
		e.defaultQuality = tier
	}
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine over store. The child category strategy is
// installed unless overridden.
func NewEngine(store ports.FlowStore, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		strategies:   map[string]Strategy{"child": ChildStrategy()},
		aspects:      aspectOptions(DefaultAspectRatios),
		aspectPrompt: defaultAspectPrompt,
		newID:        uuid.NewString,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func aspectOptions(values []string) []domain.OptionDefinition {
	opts := make([]domain.OptionDefinition, len(values))
	for i, v := range values {
		opts[i] = domain.OptionDefinition{
			ID:     v,
			StepID: domain.AspectRatioKey,
			Label:  v,
			Value:  v,
			Order:  i,
		}
	}
	return opts
}

func (e *Engine) strategy(category string) Strategy {
	if s, ok := e.strategies[category]; ok {
		return s
	}
	return defaultStrategy
}

// Template returns the base template and defaults for a category.
func (e *Engine) Template(category string) (string, map[string]string) {
	text, defaults := e.strategy(category).Template()
	if text == "" {
		text = DefaultTemplate
	}
	return text, defaults
}

// Steps loads and validates the steps of a category.
func (e *Engine) Steps(ctx context.Context, category string) ([]domain.StepDefinition, error) {
	steps, err := e.store.ListSteps(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for %s: %w", category, err)
	}
	if len(steps) == 0 {
		return nil, domain.NewFlowConfigurationError(category, "no steps defined")
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	for i := 1; i < len(steps); i++ {
		if steps[i].Order == steps[i-1].Order {
			return nil, domain.NewFlowConfigurationError(category,
				fmt.Sprintf("steps %s and %s share order index %d", steps[i-1].ID, steps[i].ID, steps[i].Order))
		}
	}
	return steps, nil
}

// Start creates a session for category positioned at its first relevant
// step.
func (e *Engine) Start(ctx context.Context, userID, category, lang string) (*domain.Session, *Prompt, error) {
	steps, err := e.Steps(ctx, category)
	if err != nil {
		return nil, nil, err
	}

	s := domain.NewSession(e.newID(), userID, category, lang)
	s.QualityTier = e.defaultQuality
	if err := e.settle(ctx, s, steps); err != nil {
		return nil, nil, err
	}

	p, err := e.prompt(ctx, s, steps)
	if err != nil {
		return nil, nil, err
	}
	return s, p, nil
}

// Reset returns s to the start of its category.
func (e *Engine) Reset(ctx context.Context, s *domain.Session) (*Prompt, error) {
	steps, err := e.Steps(ctx, s.Category)
	if err != nil {
		return nil, err
	}

	s.Answers = nil
	s.Trail = nil
	s.Media = nil
	s.Index = 0
	s.AspectRatio = ""
	s.QualityTier = e.defaultQuality
	s.ClearPending()

	if err := e.settle(ctx, s, steps); err != nil {
		return nil, err
	}
	return e.prompt(ctx, s, steps)
}

// Assign stores a value out of order. The matching step is skipped when
// the walk reaches it.
func (e *Engine) Assign(s *domain.Session, key, value, label string) {
	if key == domain.AspectRatioKey {
		s.AspectRatio = value
		return
	}
	s.Set(key, value, label)
}

// Prefill assigns known values before the first answer and repositions
// s so their steps are skipped. Choice values are labelled from their
// options.
func (e *Engine) Prefill(ctx context.Context, s *domain.Session, values map[string]string) (*Prompt, error) {
	if len(s.Trail) > 0 || s.Pending != "" {
		return nil, domain.NewSessionInputError("", "prefill is only allowed before the first answer")
	}
	steps, err := e.Steps(ctx, s.Category)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := values[key]
		label := value
		if idx := indexOfKey(steps, key); idx >= 0 && steps[idx].Kind.IsChoice() {
			opts, err := e.store.ListOptions(ctx, steps[idx].ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load options for %s: %w", steps[idx].ID, err)
			}
			for _, opt := range opts {
				if opt.Value == value {
					label = opt.LabelFor(s.Language)
					break
				}
			}
			if steps[idx].Kind == domain.InputModelPick {
				s.QualityTier = value
			}
		}
		if idx := indexOfKey(steps, key); idx >= 0 && steps[idx].Kind == domain.InputMedia {
			refs, _ := cleanRefs(domain.SplitRefs(value))
			if len(refs) == 0 {
				continue
			}
			e.Assign(s, key, domain.JoinRefs(refs), fmt.Sprintf("%d image(s)", len(refs)))
			s.AttachMedia(refs...)
			continue
		}
		e.Assign(s, key, value, label)
	}

	s.Index = 0
	if err := e.settle(ctx, s, steps); err != nil {
		return nil, err
	}
	return e.prompt(ctx, s, steps)
}

// CurrentPrompt returns the step to render, or the ready/outside signal.
func (e *Engine) CurrentPrompt(ctx context.Context, s *domain.Session) (*Prompt, error) {
	if s.State == domain.StateOutside {
		return &Prompt{Outside: true}, nil
	}
	steps, err := e.Steps(ctx, s.Category)
	if err != nil {
		return nil, err
	}
	return e.prompt(ctx, s, steps)
}

// Advance validates in against the current step and, on success, stores
// the answer and moves on. Invalid input returns a SessionInputError and
// leaves s untouched.
func (e *Engine) Advance(ctx context.Context, s *domain.Session, in Input) (*Prompt, error) {
	switch s.State {
	case domain.StateOutside:
		return nil, domain.NewSessionInputError("", "session is outside the flow")
	case domain.StateReady:
		return nil, domain.NewSessionInputError("", "session is already complete")
	}

	steps, err := e.Steps(ctx, s.Category)
	if err != nil {
		return nil, err
	}

	if s.Pending != "" {
		return e.answerCustom(ctx, s, steps, in)
	}
	if s.Index >= len(steps) {
		return e.answerAspect(ctx, s, steps, in)
	}

	step := steps[s.Index]

	if in.Skip {
		if !step.Optional {
			return nil, domain.NewSessionInputError(step.Key, "this step is required")
		}
		if step.RecordsEmptyOnSkip() {
			s.Set(step.Key, "", "")
		}
		s.PushTrail(s.Index)
		return e.next(ctx, s, steps)
	}

	var custom *domain.OptionDefinition
	switch step.Kind {
	case domain.InputFreeText:
		text, err := validateText(step, in.Text)
		if err != nil {
			return nil, err
		}
		s.Set(step.Key, text, text)

	case domain.InputSingleChoice, domain.InputModelPick:
		opt, err := e.findOption(ctx, step, in.OptionID)
		if err != nil {
			return nil, err
		}
		s.Set(step.Key, opt.Value, opt.LabelFor(s.Language))
		if step.Kind == domain.InputModelPick {
			s.QualityTier = opt.Value
		}
		if opt.HasCustomPrompt() {
			custom = opt
		}

	case domain.InputMedia:
		refs, err := cleanRefs(in.Media)
		if err != nil {
			return nil, domain.NewSessionInputError(step.Key, err.Error())
		}
		if len(refs) == 0 {
			return nil, domain.NewSessionInputError(step.Key, "attach at least one image")
		}
		if step.MaxItems > 0 && len(refs) > step.MaxItems {
			return nil, domain.NewSessionInputError(step.Key, fmt.Sprintf("at most %d images are allowed", step.MaxItems))
		}
		s.Set(step.Key, domain.JoinRefs(refs), fmt.Sprintf("%d image(s)", len(refs)))
		s.AttachMedia(refs...)

	default:
		return nil, domain.NewFlowConfigurationError(s.Category, "unknown input kind "+string(step.Kind)).WithStep(step.ID)
	}

	s.PushTrail(s.Index)

	if custom != nil {
		s.Pending = step.Key
		s.PendingText = custom.CustomPrompt
		return e.prompt(ctx, s, steps)
	}
	return e.next(ctx, s, steps)
}

func (e *Engine) next(ctx context.Context, s *domain.Session, steps []domain.StepDefinition) (*Prompt, error) {
	s.Index++
	if err := e.settle(ctx, s, steps); err != nil {
		return nil, err
	}
	return e.prompt(ctx, s, steps)
}

func (e *Engine) answerCustom(ctx context.Context, s *domain.Session, steps []domain.StepDefinition, in Input) (*Prompt, error) {
	idx := indexOfKey(steps, s.Pending)
	if idx < 0 {
		e.logger.Warn("pending step disappeared from flow",
			slog.String("category", s.Category),
			slog.String("step", s.Pending))
		s.ClearPending()
		if err := e.settle(ctx, s, steps); err != nil {
			return nil, err
		}
		return e.prompt(ctx, s, steps)
	}

	step := steps[idx]
	text, err := validateText(step, in.Text)
	if err != nil {
		return nil, err
	}

	s.Set(step.Key, text, text)
	s.ClearPending()
	s.Index = idx
	return e.next(ctx, s, steps)
}

func (e *Engine) answerAspect(ctx context.Context, s *domain.Session, steps []domain.StepDefinition, in Input) (*Prompt, error) {
	want := strings.TrimSpace(in.OptionID)
	if want == "" {
		want = strings.TrimSpace(in.Text)
	}
	for _, opt := range e.aspects {
		if opt.ID == want || opt.Value == want {
			s.AspectRatio = opt.Value
			s.PushTrail(len(steps))
			if err := e.settle(ctx, s, steps); err != nil {
				return nil, err
			}
			return e.prompt(ctx, s, steps)
		}
	}
	return nil, domain.NewSessionInputError(domain.AspectRatioKey, "unknown aspect ratio")
}

// GoBack returns to the most recently answered step, clearing its value.
// Going back from the first step leaves the flow.
func (e *Engine) GoBack(ctx context.Context, s *domain.Session) (*Prompt, error) {
	if s.State == domain.StateOutside {
		return &Prompt{Outside: true}, nil
	}

	steps, err := e.Steps(ctx, s.Category)
	if err != nil {
		return nil, err
	}

	idx, ok := s.PopTrail()
	if !ok {
		s.ClearPending()
		s.State = domain.StateOutside
		return &Prompt{Outside: true}, nil
	}

	s.ClearPending()
	e.clearFrom(s, steps, idx)
	s.Index = idx

	if err := e.settle(ctx, s, steps); err != nil {
		return nil, err
	}
	return e.prompt(ctx, s, steps)
}

// clearFrom drops the answer at idx and every value skip evaluation wrote
// at or after it.
func (e *Engine) clearFrom(s *domain.Session, steps []domain.StepDefinition, idx int) {
	if idx >= len(steps) {
		s.AspectRatio = ""
		return
	}

	step := steps[idx]
	if removed, ok := s.Delete(step.Key); ok {
		if step.Kind == domain.InputMedia {
			s.DetachMedia(domain.SplitRefs(removed.Value)...)
		}
		if step.Kind == domain.InputModelPick {
			s.QualityTier = e.defaultQuality
		}
	}

	later := make(map[string]bool)
	for _, st := range steps[idx:] {
		later[st.Key] = true
	}
	var auto []string
	for _, a := range s.Answers {
		if a.Auto && later[a.Key] {
			auto = append(auto, a.Key)
		}
	}
	for _, key := range auto {
		s.Delete(key)
	}
}

// settle moves the index forward over skippable steps and updates the
// session state.
func (e *Engine) settle(ctx context.Context, s *domain.Session, steps []domain.StepDefinition) error {
	for s.Index < len(steps) {
		step := steps[s.Index]
		skip, record, err := e.skippable(ctx, s, step)
		if err != nil {
			return err
		}
		if !skip {
			break
		}
		if record && step.RecordsEmptyOnSkip() && !s.Has(step.Key) {
			s.SetAuto(step.Key, "")
		}
		e.logger.Debug("step skipped",
			slog.String("session", s.ID),
			slog.String("step", step.Key))
		s.Index++
	}

	if s.Index >= len(steps) {
		s.Index = len(steps)
		if s.AspectRatio != "" {
			s.State = domain.StateReady
			return nil
		}
	}
	s.State = domain.StateCollecting
	return nil
}

// skippable applies the skip rules. record is true when the skip came from
// a rule rather than an existing value.
func (e *Engine) skippable(ctx context.Context, s *domain.Session, step domain.StepDefinition) (skip, record bool, err error) {
	if e.strategy(s.Category).ShouldSkip(step, s) {
		return true, true, nil
	}
	if s.Has(step.Key) {
		return true, false, nil
	}
	if !step.Kind.Valid() {
		cfgErr := domain.NewFlowConfigurationError(s.Category, "unknown input kind "+string(step.Kind)).WithStep(step.ID)
		e.logger.Warn("skipping misconfigured step", slog.String("error", cfgErr.Error()))
		return true, true, nil
	}
	if step.Kind.IsChoice() {
		opts, err := e.store.ListOptions(ctx, step.ID)
		if err != nil {
			return false, false, fmt.Errorf("failed to load options for %s: %w", step.ID, err)
		}
		if len(opts) == 0 {
			if !step.Optional {
				cfgErr := domain.NewFlowConfigurationError(s.Category, "no options defined").WithStep(step.ID)
				e.logger.Warn("skipping misconfigured step", slog.String("error", cfgErr.Error()))
			}
			return true, true, nil
		}
	}
	return false, false, nil
}

func (e *Engine) prompt(ctx context.Context, s *domain.Session, steps []domain.StepDefinition) (*Prompt, error) {
	if s.State == domain.StateOutside {
		return &Prompt{Outside: true}, nil
	}

	if s.Pending != "" {
		if idx := indexOfKey(steps, s.Pending); idx >= 0 {
			step := steps[idx]
			return &Prompt{Step: &step, Text: s.PendingText, Custom: true}, nil
		}
	}

	if s.Index >= len(steps) {
		if s.AspectRatio != "" {
			return &Prompt{Ready: true}, nil
		}
		step := domain.StepDefinition{
			ID:     domain.AspectRatioKey,
			Key:    domain.AspectRatioKey,
			Prompt: e.aspectPrompt,
			Kind:   domain.InputSingleChoice,
			Order:  len(steps),
		}
		return &Prompt{
			Step:    &step,
			Text:    step.Prompt,
			Choices: choices(e.aspects, s.Language),
			Virtual: true,
		}, nil
	}

	step := steps[s.Index]
	p := &Prompt{Step: &step, Text: step.PromptFor(s.Language)}
	if step.Kind.IsChoice() {
		opts, err := e.store.ListOptions(ctx, step.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load options for %s: %w", step.ID, err)
		}
		p.Choices = choices(opts, s.Language)
	}
	return p, nil
}

func (e *Engine) findOption(ctx context.Context, step domain.StepDefinition, id string) (*domain.OptionDefinition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.NewSessionInputError(step.Key, "choose one of the options")
	}
	opts, err := e.store.ListOptions(ctx, step.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load options for %s: %w", step.ID, err)
	}
	for i := range opts {
		if opts[i].ID == id {
			return &opts[i], nil
		}
	}
	return nil, domain.NewSessionInputError(step.Key, "unknown option "+id)
}

func choices(opts []domain.OptionDefinition, lang string) []Choice {
	out := make([]Choice, len(opts))
	for i, o := range opts {
		out[i] = Choice{ID: o.ID, Label: o.LabelFor(lang)}
	}
	return out
}

func indexOfKey(steps []domain.StepDefinition, key string) int {
	for i, st := range steps {
		if st.Key == key {
			return i
		}
	}
	return -1
}

func cleanRefs(refs []string) ([]string, error) {
	var out []string
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if strings.Contains(r, domain.RefSeparator) {
			return nil, fmt.Errorf("media reference %q is invalid", r)
		}
		out = append(out, r)
	}
	return out, nil
}

func validateText(step domain.StepDefinition, raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", domain.NewSessionInputError(step.Key, "text is required")
	}
	if !utf8.ValidString(text) {
		return "", domain.NewSessionInputError(step.Key, "text is not valid UTF-8")
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return "", domain.NewSessionInputError(step.Key, "text contains control characters")
		}
	}

	min, max := step.TextLimits()
	n := utf8.RuneCountInString(text)
	if n < min {
		return "", domain.NewSessionInputError(step.Key, fmt.Sprintf("text must be at least %d characters", min))
	}
	if n > max {
		return "", domain.NewSessionInputError(step.Key, fmt.Sprintf("text must be at most %d characters", max))
	}
	return text, nil
}
