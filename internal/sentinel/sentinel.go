package sentinel

var _ error = Error("")

// Error is an immutable error backed by a string constant. Unlike
// errors.New, which returns a pointer that must live in a var, Error values
// can be declared const, preventing reassignment. Because Error is
// comparable, the default == comparison used by errors.Is works through
// wrapped chains.
type Error string

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}
