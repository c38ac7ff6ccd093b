/*
Package template resolves {scope.path} placeholders in playbook step
parameters.

# Scopes

Three scopes are recognized:

  - exception: the exception projection; paths that are not projection
    fields fall back to its normalized context
  - domain_pack: the domain pack metadata of the active configuration
  - policy_pack: the policy pack metadata of the active configuration

Braced tokens with any other scope are left untouched.

# Paths

Dotted paths index into nested maps, and numeric segments index into
slices:

	vars := template.Vars{
	    "exception": map[string]any{"severity": "high", "context": map[string]any{"vendor": "acme"}},
	    "domain_pack": map[string]any{"queues": []any{"ap-triage"}},
	}
	s, _ := template.Resolve("{exception.severity} to {domain_pack.queues.0}", vars)
	// s: "high to ap-triage"

Missing paths resolve to the empty string by default. Maps and slices are
serialized as JSON. Scalars use their plain form: 3.0 becomes "3".

# Recursive Resolution

ResolveValue walks maps and slices and resolves every string it finds,
leaving other values untouched. Keys are not resolved.

# Thread Safety

Resolver is safe for concurrent use after construction.
*/
package template
