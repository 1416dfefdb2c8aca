// Package env composes the environment of launched processes.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env layers variables over a base: OS environment, then global variables,
// then per-launch variables. Values may reference other variables as ${VAR}.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() *Env {
	e.env = parsePairs(os.Environ())
	return e
}

// WithSet returns a copy of e with K=V set, leaving e untouched.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	c.Var[k] = v
	return c
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// LoadFiles reads dotenv files in order into the global variables; later
// files override earlier ones.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		m, err := godotenv.Read(p)
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range m {
			e.Set(k, v)
		}
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc overrides.
// ${VAR} references are expanded once against the composed map; unknown
// references expand to the empty string. The result is sorted by key.
func (e *Env) Merge(perProc map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for _, layer := range []Var{e.env, e.Var, perProc} {
		for k, v := range layer {
			if k == "" {
				continue
			}
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// ParsePairs converts "K=V" entries to a map, skipping malformed ones.
func ParsePairs(kvs []string) map[string]string { return parsePairs(kvs) }

func parsePairs(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${NAME} occurrences in a single left-to-right pass.
// An unterminated "${" is kept verbatim.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
}
