// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package comm defines the persistent non-blocking communication requests the execution graphs
// compose by reference, and an in-process transport (World) implementing them between ranks
// living in the same process.
package comm

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Request is a pre-built non-blocking send or receive, reusable across iterations:
// every Start must be matched by a Wait before the request can be started again.
//
// Requests are owned by the subsystem that created them. Graphs and queues only reference them.
type Request interface {
	// Start the request. It returns without waiting for completion.
	Start() error

	// Wait blocks until the started request completes and returns its transport error, if any.
	Wait() error

	// Test reports whether the started request has completed, without blocking.
	Test() (bool, error)
}

// StartAll starts the requests in order, stopping at the first error, which is returned unchanged.
func StartAll(reqs []Request) error {
	for _, req := range reqs {
		if err := req.Start(); err != nil {
			return err
		}
	}
	return nil
}

// WaitAll waits for all requests to complete.
//
// Every request is waited for, even if some fail. The error of the first failing request
// is returned unchanged (not wrapped).
func WaitAll(reqs []Request) error {
	switch len(reqs) {
	case 0:
		return nil
	case 1:
		return reqs[0].Wait()
	}
	var g errgroup.Group
	for _, req := range reqs {
		g.Go(req.Wait)
	}
	return g.Wait()
}

// CommunicationError is a transport-level failure of a request.
type CommunicationError struct {
	Op              string // "send" or "recv".
	Rank, Peer, Tag int
	Err             error
}

// Error implements error.
func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s rank %d <-> %d (tag %d): %v", e.Op, e.Rank, e.Peer, e.Tag, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CommunicationError) Unwrap() error { return e.Err }
