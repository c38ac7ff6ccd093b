package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Scope names.
const (
	ScopeException  = "exception"
	ScopeDomainPack = "domain_pack"
	ScopePolicyPack = "policy_pack"
)

// placeholderPattern matches {scope.path}. Path segments may contain
// letters, digits, underscores and dashes.
var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\.([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\}`)

// Vars maps a scope name to its root value.
type Vars map[string]any

// Resolver resolves placeholders.
//
// Create with NewResolver() and configure with Option functions.
type Resolver struct {
	scopes        []string
	missingAction MissingAction
	fallbacks     map[string]string
}

// NewResolver creates a Resolver.
//
// Default configuration:
//   - Scopes: exception, domain_pack, policy_pack
//   - MissingAction: MissingEmpty
//   - exception paths fall back to exception.context
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		scopes:        []string{ScopeException, ScopeDomainPack, ScopePolicyPack},
		missingAction: MissingEmpty,
		fallbacks:     map[string]string{ScopeException: "context"},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve replaces every placeholder in s.
func (r *Resolver) Resolve(s string, vars Vars) (string, error) {
	if !strings.Contains(s, "{") {
		return s, nil
	}

	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		scope, path := sub[1], sub[2]
		if !slices.Contains(r.scopes, scope) {
			return match
		}
		if v, ok := r.lookup(vars, scope, path); ok {
			return Stringify(v)
		}
		switch r.missingAction {
		case MissingKeep:
			return match
		case MissingError:
			missing = append(missing, scope+"."+path)
			return match
		default:
			return ""
		}
	})

	if len(missing) > 0 {
		return out, &UnresolvedError{Paths: missing}
	}
	return out, nil
}

// ResolveValue resolves placeholders in every string inside v, recursing
// through maps and slices. Other values are returned as-is.
func (r *Resolver) ResolveValue(v any, vars Vars) (any, error) {
	switch val := v.(type) {
	case string:
		return r.Resolve(val, vars)
	case map[string]any:
		return r.ResolveMap(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.ResolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.Resolve(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap resolves a parameter map into a new map.
func (r *Resolver) ResolveMap(m map[string]any, vars Vars) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		resolved, err := r.ResolveValue(v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) lookup(vars Vars, scope, path string) (any, bool) {
	root, ok := vars[scope]
	if !ok {
		return nil, false
	}
	if v, ok := Lookup(root, path); ok {
		return v, true
	}
	if prefix, ok := r.fallbacks[scope]; ok {
		return Lookup(root, prefix+"."+path)
	}
	return nil, false
}

// Lookup walks a dotted path through nested maps and slices. A nil value
// at the end of the path counts as missing.
func Lookup(root any, path string) (any, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Stringify renders a resolved value. Strings are returned unchanged,
// numbers and booleans in their shortest form, everything else as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		// Named string types marshal as JSON strings.
		var str string
		if json.Unmarshal(data, &str) == nil {
			return str
		}
		return string(data)
	}
}

// UnresolvedError is returned under MissingError when placeholders could
// not be resolved.
type UnresolvedError struct {
	Paths []string
}

func (e *UnresolvedError) Error() string {
	if len(e.Paths) == 1 {
		return "unresolved placeholder: " + e.Paths[0]
	}
	return "unresolved placeholders: " + strings.Join(e.Paths, ", ")
}

var defaultResolver = NewResolver()

// Resolve resolves s with the default resolver.
func Resolve(s string, vars Vars) (string, error) {
	return defaultResolver.Resolve(s, vars)
}

// ResolveMap resolves m with the default resolver.
func ResolveMap(m map[string]any, vars Vars) (map[string]any, error) {
	return defaultResolver.ResolveMap(m, vars)
}
