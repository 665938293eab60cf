package errortypes

// Scope tells response builders where an error may surface. Debug scoped
// errors only show up when deep debug tracing is on.
type Scope int

const (
	ScopeAny Scope = iota
	ScopeDebug
)

type Scoped interface {
	Scope() Scope
}

// ReadScope returns the scope of an error, defaulting to ScopeAny.
func ReadScope(err error) Scope {
	if e, ok := err.(Scoped); ok {
		return e.Scope()
	}
	return ScopeAny
}
