// Package sentinel declares a const-able error type.
//
// The error taxonomy of this module (port conflicts, exhausted pools,
// connection failures) is matched with errors.Is, so sentinel values must
// never be reassigned. errors.New yields a mutable var; sentinel.Error is a
// string type whose values are true constants while remaining comparable
// through wrapped error chains.
package sentinel
