package auth

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ScopeMapping binds an MCP method to the OAuth scope it requires. An
// optional scope is logged when missing but does not deny access.
type ScopeMapping struct {
	Method   string `yaml:"method" mapstructure:"method"`
	Scope    string `yaml:"scope" mapstructure:"scope"`
	Optional bool   `yaml:"optional" mapstructure:"optional"`
}

// DefaultScopeMappings returns the standard method-to-scope table.
func DefaultScopeMappings() []ScopeMapping {
	return []ScopeMapping{
		{Method: "tools/call", Scope: "mcp:tools:execute"},
		{Method: "tools/list", Scope: "mcp:tools:read"},
		{Method: "resources/read", Scope: "mcp:resources:read"},
		{Method: "resources/list", Scope: "mcp:resources:list"},
		{Method: "resources/templates/list", Scope: "mcp:resources:list"},
		{Method: "resources/subscribe", Scope: "mcp:resources:subscribe"},
		{Method: "resources/unsubscribe", Scope: "mcp:resources:subscribe"},
		{Method: "prompts/get", Scope: "mcp:prompts:read"},
		{Method: "prompts/list", Scope: "mcp:prompts:list"},
		{Method: "logging/setLevel", Scope: "mcp:logging:configure"},
		{Method: "completion/complete", Scope: "mcp:completion:read"},
	}
}

// ScopeError reports a principal lacking the scope a method requires.
type ScopeError struct {
	Method   string
	Required string
	Provided []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("insufficient scope for %s: requires %s, have %q",
		e.Method, e.Required, strings.Join(e.Provided, " "))
}

// ScopePolicy decides which scopes each method needs. Methods without a
// mapping are denied unless AllowUnmapped is set.
type ScopePolicy struct {
	mappings      map[string]ScopeMapping
	AllowUnmapped bool
}

// NewScopePolicy builds a policy from mappings. Later mappings for the same
// method replace earlier ones.
func NewScopePolicy(mappings []ScopeMapping) *ScopePolicy {
	p := &ScopePolicy{mappings: make(map[string]ScopeMapping, len(mappings))}
	for _, m := range mappings {
		p.mappings[m.Method] = m
	}
	return p
}

// RequiredScope returns the scope mapped to method.
func (p *ScopePolicy) RequiredScope(method string) (string, bool) {
	m, ok := p.mappings[method]
	return m.Scope, ok
}

// Scopes lists every distinct scope the policy can require.
func (p *ScopePolicy) Scopes() []string {
	seen := make(map[string]struct{})
	var scopes []string
	for _, m := range p.mappings {
		if _, dup := seen[m.Scope]; !dup {
			seen[m.Scope] = struct{}{}
			scopes = append(scopes, m.Scope)
		}
	}
	sort.Strings(scopes)
	return scopes
}

// Check returns a *ScopeError when scopes do not grant method. The second
// result reports an optional scope that was missing but tolerated.
func (p *ScopePolicy) Check(method string, scopes []string) (missingOptional string, err error) {
	m, ok := p.mappings[method]
	if !ok {
		if p.AllowUnmapped {
			return "", nil
		}
		prefix, _, _ := strings.Cut(method, "/")
		return "", &ScopeError{Method: method, Required: "mcp:" + prefix + ":*", Provided: scopes}
	}
	if slices.Contains(scopes, m.Scope) {
		return "", nil
	}
	if m.Optional {
		return m.Scope, nil
	}
	return "", &ScopeError{Method: method, Required: m.Scope, Provided: scopes}
}
