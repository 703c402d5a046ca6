// Package registry is the static target table: it maps a target ID (one
// external chat system) to the URL substrings that identify its tab and to
// the prioritized selector lists its listener needs. Pure lookup, no state.
//
// Selector lists are data, not code: adding a target or following a site
// redesign is a YAML change, never a new code path.
package registry

import (
	"fmt"
	"strings"
)

// Target identifies one supported external chat system.
type Target string

const (
	TargetClaude   Target = "claude"
	TargetChatGPT  Target = "chatgpt"
	TargetGemini   Target = "gemini"
	TargetDeepSeek Target = "deepseek"
	TargetQwen     Target = "qwen"
	TargetKimi     Target = "kimi"
	TargetDoubao   Target = "doubao"
	TargetChatGLM  Target = "chatglm"
)

// ErrUnknownTarget is returned when a target ID has no profile. This is a
// configuration error, never retried.
type ErrUnknownTarget struct {
	Target Target
}

func (e *ErrUnknownTarget) Error() string {
	return fmt.Sprintf("registry: unknown target: %s", e.Target)
}

// Profile holds everything the broker and the per-target listener need to
// know about one target. All selector lists are evaluated in order; the
// first qualifying match wins (ordered-fallback policy).
type Profile struct {
	Target Target `yaml:"target"`

	// URLPatterns are substrings matched against tab URLs to find this
	// target's tab.
	URLPatterns []string `yaml:"url_patterns"`

	// Home is the chat site's landing URL, used to open a tab when the
	// daemon launched its own browser and none exists yet.
	Home string `yaml:"home"`

	// Input locates the message input (textarea or contenteditable).
	Input []string `yaml:"input"`

	// Send locates the send control, used when the Enter key fails.
	Send []string `yaml:"send"`

	// Streaming are weak in-progress signals: presence of any one means the
	// target is still generating. No single reliable signal exists.
	Streaming []string `yaml:"streaming"`

	// Response locates candidate reply blocks, most specific first.
	Response []string `yaml:"response"`

	// NewChat locates the new-conversation control.
	NewChat []string `yaml:"new_chat"`

	// MinLength is the minimum text length for a response candidate.
	// Default: 20.
	MinLength int `yaml:"min_length"`
}

func (p *Profile) defaults() {
	if p.MinLength <= 0 {
		p.MinLength = 20
	}
}

// MatchURL reports whether the given tab URL belongs to this target.
func (p *Profile) MatchURL(url string) bool {
	for _, pat := range p.URLPatterns {
		if strings.Contains(url, pat) {
			return true
		}
	}
	return false
}

// Registry resolves target IDs to profiles. Read-only after construction.
type Registry struct {
	profiles map[Target]*Profile
	order    []Target
}

// New builds a Registry from profiles. Order is preserved for Targets().
func New(profiles []*Profile) *Registry {
	r := &Registry{profiles: make(map[Target]*Profile, len(profiles))}
	for _, p := range profiles {
		p.defaults()
		if _, dup := r.profiles[p.Target]; dup {
			continue
		}
		r.profiles[p.Target] = p
		r.order = append(r.order, p.Target)
	}
	return r
}

// Resolve returns the profile for a target ID.
func (r *Registry) Resolve(t Target) (*Profile, error) {
	p, ok := r.profiles[t]
	if !ok {
		return nil, &ErrUnknownTarget{Target: t}
	}
	return p, nil
}

// Match finds the target that owns the given tab URL.
func (r *Registry) Match(url string) (Target, bool) {
	if url == "" {
		return "", false
	}
	for _, t := range r.order {
		if r.profiles[t].MatchURL(url) {
			return t, true
		}
	}
	return "", false
}

// Targets returns all registered target IDs in registration order.
func (r *Registry) Targets() []Target {
	out := make([]Target, len(r.order))
	copy(out, r.order)
	return out
}
