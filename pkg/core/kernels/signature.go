// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels builds and caches device functions from kernel source text, and defines
// the Kernel contract graph nodes and queues invoke.
//
// Kernel sources are line oriented, one declaration per kernel:
//
//	// Comments start with "//".
//	kernel axnpby(iiiPPdd) = blasext.axnpby_f64
//
// The signature is a string of argument type codes (see ArgType) and the right-hand side names
// the device implementation the declaration binds to, registered in a Library.
// Sources can be produced from templates with Render.
package kernels

import (
	"strings"

	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
)

// ArgType is the type of one kernel argument.
type ArgType byte

const (
	ArgInt32   ArgType = 'i'
	ArgInt64   ArgType = 'l'
	ArgFloat32 ArgType = 'f'
	ArgFloat64 ArgType = 'd'

	// ArgPtr is a device address (memory.Addr).
	ArgPtr ArgType = 'P'
)

// Signature is the ordered list of argument types of a kernel.
type Signature []ArgType

// ParseSignature converts a string of type codes, e.g. "iiPPd", to a Signature.
func ParseSignature(codes string) (Signature, error) {
	sig := make(Signature, len(codes))
	for i := range len(codes) {
		switch t := ArgType(codes[i]); t {
		case ArgInt32, ArgInt64, ArgFloat32, ArgFloat64, ArgPtr:
			sig[i] = t
		default:
			return nil, errors.Errorf("invalid argument type code %q at position %d of signature %q", codes[i], i, codes)
		}
	}
	return sig, nil
}

// MustParseSignature is like ParseSignature, but panics on error. Use it for static signatures.
func MustParseSignature(codes string) Signature {
	sig, err := ParseSignature(codes)
	if err != nil {
		panic(err)
	}
	return sig
}

// String returns the type codes of the signature.
func (s Signature) String() string {
	var sb strings.Builder
	for _, t := range s {
		sb.WriteByte(byte(t))
	}
	return sb.String()
}

// Equal returns whether both signatures are identical.
func (s Signature) Equal(s2 Signature) bool {
	return s.String() == s2.String()
}

// Check that args have exactly the Go types of the signature:
// int32, int64, float32, float64 or memory.Addr.
func (s Signature) Check(args []any) error {
	if len(args) != len(s) {
		return errors.Errorf("signature %q takes %d arguments, got %d", s, len(s), len(args))
	}
	for i, arg := range args {
		var ok bool
		switch s[i] {
		case ArgInt32:
			_, ok = arg.(int32)
		case ArgInt64:
			_, ok = arg.(int64)
		case ArgFloat32:
			_, ok = arg.(float32)
		case ArgFloat64:
			_, ok = arg.(float64)
		case ArgPtr:
			_, ok = arg.(memory.Addr)
		}
		if !ok {
			return errors.Errorf("argument #%d of signature %q must be of type %q, got %T", i, s, byte(s[i]), arg)
		}
	}
	return nil
}
