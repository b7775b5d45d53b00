package filter

import (
	"fmt"
	"regexp"
	"strings"
)

type Scope string

const (
	ScopeHeader Scope = "header"
	ScopeBody   Scope = "body"
)

type Mode string

const (
	ModeInclude Mode = "include"
	ModeExclude Mode = "exclude"
)

// Options selects messages by regular expressions over their raw header
// block or body. Include and exclude rules cannot be combined.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Hit reports how many messages a single rule matched.
type Hit struct {
	Mode    Mode
	Scope   Scope
	Pattern string
	Count   int
}

type rule struct {
	scope Scope
	re    *regexp.Regexp
	hits  int
}

// Filter decides which messages an inspection run covers. A nil Filter
// allows everything.
type Filter struct {
	mode  Mode
	rules []*rule
}

func New(opts Options) (*Filter, error) {
	include, err := compileRules(opts.IncludeHeader, opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("include rule: %w", err)
	}
	exclude, err := compileRules(opts.ExcludeHeader, opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("exclude rule: %w", err)
	}

	switch {
	case len(include) > 0 && len(exclude) > 0:
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	case len(include) > 0:
		return &Filter{mode: ModeInclude, rules: include}, nil
	case len(exclude) > 0:
		return &Filter{mode: ModeExclude, rules: exclude}, nil
	}
	return nil, nil
}

// Allows reports whether a message with the given header block and body
// passes. Every matching rule is counted, not only the first.
func (f *Filter) Allows(header, body []byte) bool {
	if f == nil {
		return true
	}
	matched := false
	for _, r := range f.rules {
		text := header
		if r.scope == ScopeBody {
			text = body
		}
		if r.re.Match(text) {
			r.hits++
			matched = true
		}
	}
	if f.mode == ModeInclude {
		return matched
	}
	return !matched
}

// Hits returns the per-rule match counts in declaration order.
func (f *Filter) Hits() []Hit {
	if f == nil {
		return nil
	}
	out := make([]Hit, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, Hit{Mode: f.mode, Scope: r.scope, Pattern: r.re.String(), Count: r.hits})
	}
	return out
}

func compileRules(headers, bodies []string) ([]*rule, error) {
	var rules []*rule
	add := func(scope Scope, patterns []string) error {
		for _, pattern := range patterns {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				continue
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("compile %s pattern %q: %w", scope, pattern, err)
			}
			rules = append(rules, &rule{scope: scope, re: re})
		}
		return nil
	}
	if err := add(ScopeHeader, headers); err != nil {
		return nil, err
	}
	if err := add(ScopeBody, bodies); err != nil {
		return nil, err
	}
	return rules, nil
}
