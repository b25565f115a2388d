package main

import "fmt"

// Exit codes per the CLI's external contract: 0 on normal completion,
// 1 on guest failure, 2 on a configuration error (bad flags, unreadable
// module file, control-plane unreachable before a node ever starts).
const (
	exitNormal       = 0
	exitGuestFailure = 1
	exitConfigError  = 2
)

// configError marks a failure that should map to exitConfigError rather
// than the generic exitGuestFailure a bare urfave/cli error return would
// otherwise produce.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newConfigError(format string, args ...any) error {
	return &configError{err: fmt.Errorf(format, args...)}
}
