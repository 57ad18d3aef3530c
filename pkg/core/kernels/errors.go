package kernels

import "fmt"

// CompileError is returned when a kernel source fails to compile or link.
type CompileError struct {
	Name   string // Kernel requested, if known.
	Digest string
	Err    error
}

// Error implements error.
func (e *CompileError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("failed to compile kernel %q (source %.12s): %v", e.Name, e.Digest, e.Err)
	}
	return fmt.Sprintf("failed to compile kernel source %.12s: %v", e.Digest, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CompileError) Unwrap() error { return e.Err }

// SignatureError is returned when a compiled kernel cannot be bound with the requested signature.
type SignatureError struct {
	Name      string
	Requested Signature
	Compiled  Signature
}

// Error implements error.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("kernel %q was compiled with signature %q, cannot bind it as %q", e.Name, e.Compiled, e.Requested)
}
