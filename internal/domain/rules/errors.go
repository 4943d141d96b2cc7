package rules

import "fmt"

// CompilationError reports a bundle whose rule text failed to compile. It is
// fatal to the sync attempt that produced it and to nothing else.
type CompilationError struct {
	Hash string
	Err  error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compiling rule bundle %s: %v", e.Hash, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }
