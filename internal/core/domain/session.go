package domain

import (
	"slices"
	"strings"
	"time"
)

// SessionState is the coarse lifecycle position of a session.
type SessionState string

const (
	StateCollecting SessionState = "collecting"
	StateReady      SessionState = "ready"
	StateOutside    SessionState = "outside"
)

// Answer is one collected value. Label is the human-readable form used in
// prompts; Auto marks values written by skip evaluation rather than input.
type Answer struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Label string `json:"label"`
	Auto  bool   `json:"auto,omitempty"`
}

// Session is the state of one user's walk through a category wizard.
// A session has a single writer; callers serialize access.
type Session struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Category    string       `json:"category"`
	Language    string       `json:"language,omitempty"`
	Answers     []Answer     `json:"answers"`
	Index       int          `json:"index"`
	Trail       []int        `json:"trail"`
	Pending     string       `json:"pending_custom,omitempty"`
	PendingText string       `json:"pending_prompt,omitempty"`
	Media       []string     `json:"media,omitempty"`
	AspectRatio string       `json:"aspect_ratio,omitempty"`
	QualityTier string       `json:"quality_tier,omitempty"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// NewSession returns an empty session positioned at the first step.
func NewSession(id, userID, category, lang string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		UserID:    userID,
		Category:  category,
		Language:  lang,
		State:     StateCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) find(key string) int {
	for i := range s.Answers {
		if s.Answers[i].Key == key {
			return i
		}
	}
	return -1
}

// Has reports whether key has a stored value, including an empty one.
func (s *Session) Has(key string) bool {
	return s.find(key) >= 0
}

// Value returns the stored value for key.
func (s *Session) Value(key string) (string, bool) {
	if i := s.find(key); i >= 0 {
		return s.Answers[i].Value, true
	}
	return "", false
}

// Label returns the human-readable label for key, or the value if no label
// was recorded.
func (s *Session) Label(key string) (string, bool) {
	i := s.find(key)
	if i < 0 {
		return "", false
	}
	if s.Answers[i].Label != "" {
		return s.Answers[i].Label, true
	}
	return s.Answers[i].Value, true
}

// Set stores a value. An existing key keeps its collection position.
func (s *Session) Set(key, value, label string) {
	s.set(Answer{Key: key, Value: value, Label: label})
}

// SetAuto stores a value produced by skip evaluation.
func (s *Session) SetAuto(key, value string) {
	s.set(Answer{Key: key, Value: value, Auto: true})
}

func (s *Session) set(a Answer) {
	if i := s.find(a.Key); i >= 0 {
		s.Answers[i] = a
	} else {
		s.Answers = append(s.Answers, a)
	}
	if a.Key == AspectRatioKey {
		s.AspectRatio = a.Value
	}
	s.UpdatedAt = time.Now()
}

// Delete removes key and returns the removed answer.
func (s *Session) Delete(key string) (Answer, bool) {
	i := s.find(key)
	if i < 0 {
		return Answer{}, false
	}
	removed := s.Answers[i]
	s.Answers = slices.Delete(s.Answers, i, i+1)
	if key == AspectRatioKey {
		s.AspectRatio = ""
	}
	s.UpdatedAt = time.Now()
	return removed, true
}

// AttachMedia adds references that are not already attached.
func (s *Session) AttachMedia(refs ...string) {
	for _, ref := range refs {
		if ref != "" && !slices.Contains(s.Media, ref) {
			s.Media = append(s.Media, ref)
		}
	}
}

// DetachMedia removes the given references.
func (s *Session) DetachMedia(refs ...string) {
	s.Media = slices.DeleteFunc(s.Media, func(ref string) bool {
		return slices.Contains(refs, ref)
	})
}

// PushTrail records an index that consumed user input.
func (s *Session) PushTrail(index int) {
	s.Trail = append(s.Trail, index)
}

// PopTrail removes and returns the most recently answered index.
func (s *Session) PopTrail() (int, bool) {
	if len(s.Trail) == 0 {
		return 0, false
	}
	last := s.Trail[len(s.Trail)-1]
	s.Trail = s.Trail[:len(s.Trail)-1]
	return last, true
}

// ClearPending drops the pending custom-answer marker.
func (s *Session) ClearPending() {
	s.Pending = ""
	s.PendingText = ""
}

// Clone returns a deep copy, used to hand a snapshot to callers outside the
// session lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Answers = slices.Clone(s.Answers)
	c.Trail = slices.Clone(s.Trail)
	c.Media = slices.Clone(s.Media)
	return &c
}

// RefSeparator joins media references in a stored step value. A
// reference can never contain it.
const RefSeparator = ","

// JoinRefs encodes media references as a stored step value.
func JoinRefs(refs []string) string {
	return strings.Join(refs, RefSeparator)
}

// SplitRefs decodes a stored media step value.
func SplitRefs(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, RefSeparator)
}
