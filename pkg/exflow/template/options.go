package template

// MissingAction controls how placeholders with missing paths are handled.
type MissingAction int

const (
	// MissingEmpty replaces missing placeholders with "".
	MissingEmpty MissingAction = iota

	// MissingKeep leaves missing placeholders unchanged.
	MissingKeep

	// MissingError leaves them unchanged and returns an UnresolvedError.
	MissingError
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithMissingAction sets how missing paths are handled.
func WithMissingAction(action MissingAction) Option {
	return func(r *Resolver) {
		r.missingAction = action
	}
}

// WithScopes replaces the recognized scopes.
func WithScopes(scopes ...string) Option {
	return func(r *Resolver) {
		r.scopes = scopes
	}
}

// WithFallback makes paths missing under scope retry under scope.prefix.
func WithFallback(scope, prefix string) Option {
	return func(r *Resolver) {
		r.fallbacks[scope] = prefix
	}
}
