package supervisor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loykin/keepup/internal/host"
)

// RoleLabel marks auxiliary processes launched by the supervisor itself.
// Processes carrying RoleLabel=RoleDiagnostics never match a signature.
const (
	RoleLabel       = "keepup.role"
	RoleDiagnostics = "diagnostics"
)

// regexPrefix turns a pattern into a regular expression instead of a substring.
const regexPrefix = "re:"

var ErrEmptySignature = errors.New("signature has neither include patterns nor labels")

// Signature positively identifies the supervised service among the host's
// processes. A process matches when its command matches every Include
// pattern, matches no Exclude pattern, and carries every label in Labels.
type Signature struct {
	Include []string          `json:"include,omitempty" mapstructure:"include"`
	Exclude []string          `json:"exclude,omitempty" mapstructure:"exclude"`
	Labels  map[string]string `json:"labels,omitempty" mapstructure:"labels"`
}

// IsZero reports whether no criteria are set.
func (s Signature) IsZero() bool {
	return len(s.Include) == 0 && len(s.Exclude) == 0 && len(s.Labels) == 0
}

// SignatureFor derives the default signature of a launch spec: its full
// command line, plus its labels when it has any.
func SignatureFor(spec host.LaunchSpec) Signature {
	sig := Signature{}
	if cmd := strings.TrimSpace(spec.Command); cmd != "" {
		sig.Include = []string{cmd}
	}
	if len(spec.Labels) > 0 {
		sig.Labels = make(map[string]string, len(spec.Labels))
		for k, v := range spec.Labels {
			sig.Labels[k] = v
		}
	}
	return sig
}

type pattern struct {
	raw string
	re  *regexp.Regexp
}

func (p pattern) match(command string) bool {
	if p.re != nil {
		return p.re.MatchString(command)
	}
	return strings.Contains(command, p.raw)
}

func compilePatterns(raw []string) ([]pattern, error) {
	out := make([]pattern, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(r, regexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", r, err)
			}
			out = append(out, pattern{raw: r, re: re})
			continue
		}
		out = append(out, pattern{raw: r})
	}
	return out, nil
}

// Matcher is a compiled Signature. It is immutable and safe for concurrent use.
type Matcher struct {
	include []pattern
	exclude []pattern
	labels  map[string]string
}

// Compile validates the signature and prepares it for matching.
func (s Signature) Compile() (*Matcher, error) {
	inc, err := compilePatterns(s.Include)
	if err != nil {
		return nil, err
	}
	exc, err := compilePatterns(s.Exclude)
	if err != nil {
		return nil, err
	}
	if len(inc) == 0 && len(s.Labels) == 0 {
		return nil, ErrEmptySignature
	}
	return &Matcher{include: inc, exclude: exc, labels: s.Labels}, nil
}

// Match reports whether info identifies the supervised service.
// Exclusion always takes precedence over inclusion.
func (m *Matcher) Match(info host.Info) bool {
	if info.Labels[RoleLabel] == RoleDiagnostics {
		return false
	}
	if m.Excluded(info.Command) {
		return false
	}
	for _, p := range m.include {
		if !p.match(info.Command) {
			return false
		}
	}
	for k, v := range m.labels {
		if got, ok := info.Labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Excluded reports whether command matches any exclude pattern.
func (m *Matcher) Excluded(command string) bool {
	for _, p := range m.exclude {
		if p.match(command) {
			return true
		}
	}
	return false
}
