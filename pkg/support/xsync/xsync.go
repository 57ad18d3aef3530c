// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the extra synchronization tools used by the backends:
// single-resolution latches (used as device events and host-callback completions) and
// a wait group that can grow while being waited on.
package xsync

import "sync"

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered. It may be triggered
// with an error, in which case every Wait returns that error.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
	err       error
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch successfully.
func (l *Latch) Trigger() {
	l.TriggerWithError(nil)
}

// TriggerWithError triggers the latch carrying err (which may be nil).
// It returns false if the latch was already triggered, in which case err is discarded.
func (l *Latch) TriggerWithError(err error) bool {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return false
	}
	l.err = err
	close(l.wait)
	return true
}

// Wait waits for the latch to be triggered and returns the error it was triggered with.
func (l *Latch) Wait() error {
	<-l.wait
	return l.err
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// Err returns the error the latch was triggered with, or nil if it hasn't been triggered yet.
func (l *Latch) Err() error {
	if !l.Test() {
		return nil
	}
	return l.err
}

// WaitAll waits for every latch and returns the first error found, in order.
// Nil latches are skipped.
func WaitAll(latches ...*Latch) error {
	var firstErr error
	for _, l := range latches {
		if l == nil {
			continue
		}
		if err := l.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FailPending triggers with err every latch that has not been triggered yet.
func FailPending(err error, latches ...*Latch) {
	for _, l := range latches {
		if l != nil {
			l.TriggerWithError(err)
		}
	}
}
