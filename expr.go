package qenv

import "context"

// LocalFunc is a pre-resolved local computation passed through the
// evaluation entry point in place of a server-side expression.
type LocalFunc func(ctx context.Context, args ...any) (any, error)

// Expr is what Eval evaluates: either a server-side q expression or a local
// invocable. The two are distinct constructors rather than a runtime
// capability probe, so dispatch is explicit and a value is always exactly
// one of the two.
type Expr struct {
	query string
	local LocalFunc
}

// Query wraps q expression text for server-side evaluation.
func Query(q string) Expr {
	return Expr{query: q}
}

// Local wraps a local computation. Evaluating it invokes fn in-process with
// the call's arguments; nothing crosses the wire.
func Local(fn LocalFunc) Expr {
	if fn == nil {
		panic("qenv: Local expression function must not be nil")
	}
	return Expr{local: fn}
}

// IsLocal reports whether the expression dispatches locally.
func (e Expr) IsLocal() bool {
	return e.local != nil
}

// String returns the query text, or a fixed marker for local expressions.
func (e Expr) String() string {
	if e.IsLocal() {
		return "<local>"
	}
	return e.query
}
