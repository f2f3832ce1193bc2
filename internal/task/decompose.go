package task

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Strategy splits a task description into ordered subtask descriptions.
type Strategy interface {
	Name() string
	Applies(t Task) bool
	Decompose(t Task) []string
}

// KeywordStrategy applies when Keyword appears in the task description.
type KeywordStrategy struct {
	Keyword string
	Split   func(description string) []string
}

func (s KeywordStrategy) Name() string { return s.Keyword }

func (s KeywordStrategy) Applies(t Task) bool {
	return s.Keyword != "" && strings.Contains(strings.ToLower(t.Description), strings.ToLower(s.Keyword))
}

func (s KeywordStrategy) Decompose(t Task) []string {
	if s.Split == nil {
		return nil
	}
	return s.Split(t.Description)
}

// Decomposer holds the registered strategies. The first strategy that
// applies wins; without a match the default splitter is used.
type Decomposer struct {
	strategies []Strategy
}

func NewDecomposer(strategies ...Strategy) *Decomposer {
	return &Decomposer{strategies: strategies}
}

func (d *Decomposer) Register(s Strategy) {
	d.strategies = append(d.strategies, s)
}

// Decompose returns the child tasks of parent as a linear chain: the first
// child inherits the parent's dependencies and every later child depends on
// its predecessor. An empty result means the task is atomic.
func (d *Decomposer) Decompose(parent Task) []Task {
	parts := d.split(parent)
	if len(parts) < 2 {
		return nil
	}

	children := make([]Task, 0, len(parts))
	prev := ""
	for i, desc := range parts {
		child := Task{
			ID:           fmt.Sprintf("%s.%d", parent.ID, i+1),
			Description:  desc,
			Parent:       parent.ID,
			Status:       StatusPending,
			Priority:     parent.Priority,
			Capabilities: slices.Clone(parent.Capabilities),
		}
		if prev == "" {
			child.Dependencies = append([]string(nil), parent.Dependencies...)
		} else {
			child.Dependencies = []string{prev}
		}
		prev = child.ID
		children = append(children, child)
	}
	return children
}

func (d *Decomposer) split(t Task) []string {
	for _, s := range d.strategies {
		if s.Applies(t) {
			return clean(s.Decompose(t))
		}
	}
	return SplitDefault(t.Description)
}

var (
	stepMarker = regexp.MustCompile(`(?i)(?:^|\s)(?:step\s+)?\d+\s*[.):]\s+`)
	conjMarker = regexp.MustCompile(`(?i)\s*(?:,\s*and\s+then\s+|,\s*and\s+|\s+and\s+then\s+|\s+and\s+|;\s*|,\s*then\s+|\s+then\s+)`)
)

// SplitDefault splits on numbered-step markers ("1.", "2)", "Step 3:") when
// at least two are present, and on conjunctions otherwise.
func SplitDefault(description string) []string {
	if locs := stepMarker.FindAllStringIndex(description, -1); len(locs) >= 2 {
		var parts []string
		for i, loc := range locs {
			end := len(description)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			parts = append(parts, description[loc[1]:end])
		}
		if p := clean(parts); len(p) >= 2 {
			return p
		}
	}
	return clean(conjMarker.Split(description, -1))
}

func clean(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(p), ".,;"))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) < 2 {
		return nil
	}
	return out
}
