package backends

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProgrammerError is the panic value raised when the graph build/commit protocol is misused:
// unknown dependency ids, a second Commit, adding nodes after Commit.
//
// It is raised immediately, at the offending call, and is never retried. Use
// exceptions.TryCatch[*ProgrammerError] to recover it, e.g. in tests.
type ProgrammerError struct {
	err error
}

// Error implements error.
func (e *ProgrammerError) Error() string {
	return "programmer error: " + e.err.Error()
}

// Unwrap returns the underlying error, which carries the stack trace of the misuse.
func (e *ProgrammerError) Unwrap() error { return e.err }

// Format implements fmt.Formatter, printing the stack trace with "%+v".
func (e *ProgrammerError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "programmer error: %+v", e.err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Programmerf panics with a *ProgrammerError with the formatted message.
func Programmerf(format string, args ...any) {
	panic(&ProgrammerError{err: errors.Errorf(format, args...)})
}

var (
	// ErrNotSuitable is returned (possibly wrapped) by a provider that declines to build a kernel for
	// the given operands, so the dispatcher tries the next provider.
	ErrNotSuitable = errors.New("provider not suitable for operands")

	// ErrNoProvider is returned when no provider could build a kernel.
	ErrNoProvider = errors.New("no provider for kernel")

	// ErrFinalized is returned when a backend is used after Finalize.
	ErrFinalized = errors.New("backend already finalized")
)
