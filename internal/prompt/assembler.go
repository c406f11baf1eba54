// Package prompt turns collected session answers into the final request
// text sent to the generation service.
package prompt

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

// DetailsHeading introduces fields the template does not reference.
const DetailsHeading = "Additional details:"

// Built-in placeholders resolved from session fields rather than answers.
const (
	PlaceholderAspectRatio = "aspect_ratio"
	PlaceholderQuality     = "quality"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// Placeholders returns the distinct placeholder names in template, in
// order of first appearance.
func Placeholders(template string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		name := strings.TrimSpace(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Assemble fills every {name} placeholder in template with the session's
// label for name, else defaults[name], else the empty string. Collected
// fields that no placeholder references are appended as key: label lines
// ordered by their step's order index. The output never contains an
// unresolved placeholder.
func Assemble(s *domain.Session, template string, defaults map[string]string, steps []domain.StepDefinition) string {
	referenced := make(map[string]bool)
	out := template
	for placeholderPattern.MatchString(out) {
		out = placeholderPattern.ReplaceAllStringFunc(out, func(token string) string {
			name := strings.TrimSpace(token[1 : len(token)-1])
			referenced[name] = true
			return sanitize(resolve(s, name, defaults))
		})
	}

	details := additionalDetails(s, referenced, steps)
	if len(details) == 0 {
		return out
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(out, "\n"))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(DetailsHeading)
	for _, line := range details {
		b.WriteString("\n- ")
		b.WriteString(line)
	}
	return b.String()
}

func resolve(s *domain.Session, name string, defaults map[string]string) string {
	switch name {
	case PlaceholderAspectRatio:
		if s.AspectRatio != "" {
			return s.AspectRatio
		}
	case PlaceholderQuality:
		if s.QualityTier != "" {
			return s.QualityTier
		}
	}
	if label, ok := s.Label(name); ok && label != "" {
		return label
	}
	return defaults[name]
}

// sanitize strips braces so substituted text can never form a placeholder.
func sanitize(v string) string {
	return strings.NewReplacer("{", "", "}", "").Replace(v)
}

func additionalDetails(s *domain.Session, referenced map[string]bool, steps []domain.StepDefinition) []string {
	type detail struct {
		order int
		known bool
		key   string
		label string
	}

	byKey := make(map[string]domain.StepDefinition, len(steps))
	for _, step := range steps {
		byKey[step.Key] = step
	}

	var details []detail
	for _, a := range s.Answers {
		if referenced[a.Key] || a.Key == domain.AspectRatioKey {
			continue
		}
		label := a.Label
		if label == "" {
			label = a.Value
		}
		if strings.TrimSpace(label) == "" {
			continue
		}
		step, known := byKey[a.Key]
		if known && step.Kind == domain.InputMedia {
			continue
		}
		details = append(details, detail{order: step.Order, known: known, key: a.Key, label: label})
	}

	sort.SliceStable(details, func(i, j int) bool {
		di, dj := details[i], details[j]
		if di.known != dj.known {
			return di.known
		}
		if di.order != dj.order {
			return di.order < dj.order
		}
		return di.key < dj.key
	})

	lines := make([]string, len(details))
	for i, d := range details {
		lines[i] = sanitize(d.key) + ": " + sanitize(d.label)
	}
	return lines
}
