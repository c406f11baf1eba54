// Package yamlfile serves flow definitions from a YAML file and reloads
// them when the file changes.
package yamlfile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/genflow/internal/adapters/storage/memory"
	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
)

type stepFile struct {
	domain.StepDefinition `koanf:",squash"`
	Options               []domain.OptionDefinition `koanf:"options"`
}

type categoryFile struct {
	Steps []stepFile `koanf:"steps"`
}

// Definitions is the parsed content of a flow file.
type Definitions struct {
	Steps   []domain.StepDefinition
	Options []domain.OptionDefinition
}

// Categories lists the categories in d.
func (d *Definitions) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range d.Steps {
		if !seen[s.Category] {
			seen[s.Category] = true
			out = append(out, s.Category)
		}
	}
	sort.Strings(out)
	return out
}

// Import writes every definition to w.
func (d *Definitions) Import(ctx context.Context, w ports.FlowWriter) error {
	for _, s := range d.Steps {
		if err := w.UpsertStep(ctx, s); err != nil {
			return fmt.Errorf("failed to import step %s: %w", s.ID, err)
		}
	}
	for _, o := range d.Options {
		if err := w.UpsertOption(ctx, o); err != nil {
			return fmt.Errorf("failed to import option %s/%s: %w", o.StepID, o.ID, err)
		}
	}
	return nil
}

// Parse reads and checks a flow file. Categories are keyed by name; a step
// or option without an explicit order takes its position in the list.
func Parse(path string) (*Definitions, error) {
	k := koanf.New("/")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load flow file %s: %w", path, err)
	}

	var cats map[string]categoryFile
	if err := k.Unmarshal("categories", &cats); err != nil {
		return nil, fmt.Errorf("failed to decode flow file %s: %w", path, err)
	}
	if len(cats) == 0 {
		return nil, fmt.Errorf("flow file %s defines no categories", path)
	}

	names := make([]string, 0, len(cats))
	for name := range cats {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := &Definitions{}
	stepIDs := make(map[string]bool)
	for _, name := range names {
		keys := make(map[string]bool)
		for i, sf := range cats[name].Steps {
			step := sf.StepDefinition
			step.Category = name
			if step.Order == 0 {
				step.Order = i + 1
			}
			if step.ID == "" {
				step.ID = name + "-" + step.Key
			}
			if err := checkStep(step, stepIDs, keys); err != nil {
				return nil, err
			}
			stepIDs[step.ID] = true
			keys[step.Key] = true
			defs.Steps = append(defs.Steps, step)

			optIDs := make(map[string]bool)
			for j, opt := range sf.Options {
				opt.StepID = step.ID
				if opt.ID == "" {
					opt.ID = opt.Value
				}
				if opt.Order == 0 {
					opt.Order = j + 1
				}
				if opt.ID == "" || optIDs[opt.ID] {
					return nil, domain.NewFlowConfigurationError(name, fmt.Sprintf("option %d has a missing or duplicate id", j)).WithStep(step.ID)
				}
				optIDs[opt.ID] = true
				defs.Options = append(defs.Options, opt)
			}
		}
	}
	return defs, nil
}

func checkStep(step domain.StepDefinition, ids, keys map[string]bool) error {
	switch {
	case step.Key == "":
		return domain.NewFlowConfigurationError(step.Category, "step has no key").WithStep(step.ID)
	case step.Key == domain.AspectRatioKey:
		return domain.NewFlowConfigurationError(step.Category, "aspect ratio is collected by the engine").WithStep(step.ID)
	case !step.Kind.Valid():
		return domain.NewFlowConfigurationError(step.Category, fmt.Sprintf("unknown kind %q", step.Kind)).WithStep(step.ID)
	case ids[step.ID]:
		return domain.NewFlowConfigurationError(step.Category, "duplicate step id").WithStep(step.ID)
	case keys[step.Key]:
		return domain.NewFlowConfigurationError(step.Category, fmt.Sprintf("duplicate key %q", step.Key)).WithStep(step.ID)
	}
	return nil
}

// Store implements ports.FlowStore over a YAML file.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *memory.Store
	watcher *fsnotify.Watcher
}

var (
	_ ports.FlowStore      = (*Store)(nil)
	_ ports.CategoryLister = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New loads path. A broken file is an error here; later reloads keep the
// previous definitions instead.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("flow path cannot be empty")
	}
	s := &Store{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file and swaps the definitions in.
func (s *Store) Reload(ctx context.Context) error {
	defs, err := Parse(s.path)
	if err != nil {
		return err
	}
	next := memory.New()
	if err := defs.Import(ctx, next); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	s.logger.Info("flow definitions loaded",
		slog.String("path", s.path),
		slog.Int("steps", len(defs.Steps)),
		slog.Int("options", len(defs.Options)))
	return nil
}

func (s *Store) snapshot() *memory.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) ListSteps(ctx context.Context, category string) ([]domain.StepDefinition, error) {
	return s.snapshot().ListSteps(ctx, category)
}

func (s *Store) ListOptions(ctx context.Context, stepID string) ([]domain.OptionDefinition, error) {
	return s.snapshot().ListOptions(ctx, stepID)
}

func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	return s.snapshot().ListCategories(ctx)
}

// Watch reloads the file whenever it is written or replaced until ctx is
// done. The directory is watched so editors that save by rename are seen.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	s.logger.Info("watching flow file for changes", slog.String("path", s.path))

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("flow watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.Reload(ctx); err != nil {
					s.logger.Error("failed to reload flow definitions, keeping previous",
						slog.String("error", err.Error()),
						slog.String("path", s.path))
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("flow watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops watching.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
