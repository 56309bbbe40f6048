// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// TimeoutFlag is set by protocol code when a remote operation fails for a
// connection-level reason, and consulted when mapping a generic failure to
// a specific error code. OFF means the failure was not connection related.
type TimeoutFlag int32

// TimeoutFlag values.
const (
	TimeoutOff TimeoutFlag = iota
	TimeoutOn
	TimeoutConReset
	TimeoutPipeClosed
	TimeoutConRefused
)

// EvalTimeout maps the current timeout flag to a specific error code,
// falling back to def when the flag is off. Callers pass the error they
// would otherwise have reported.
func EvalTimeout(def Error, flag TimeoutFlag) Error {
	switch flag {
	case TimeoutOn:
		return ErrTimeout
	case TimeoutConReset:
		return ErrConnectionReset
	case TimeoutPipeClosed:
		return ErrSigPipe
	case TimeoutConRefused:
		return ErrConnectionRefused
	}
	return def
}
