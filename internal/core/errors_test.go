// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"testing"
)

// Worker exit codes must map back to the identical error values, the
// manager does its accounting with the result.
func TestExitCodeRoundTrip(t *testing.T) {
	for _, e := range []Error{NoError, ErrConnect, ErrTimeout, StillFilesToSend, NoFilesToSend, GotKilled} {
		if got := FromExitCode(e.ExitCode()); got != e {
			t.Errorf("exit code round trip: %v became %v", e, got)
		}
	}
}

func TestErrorIs(t *testing.T) {
	if err := NoError.Error(); err != nil {
		t.Fatalf("NoError should convert to nil, got %v", err)
	}
	err := ErrConnect.Error()
	if err == nil {
		t.Fatal("ErrConnect should convert to a non-nil error")
	}
	if !ErrConnect.Is(err) {
		t.Fatal("ErrConnect.Is should recognize its own conversion")
	}
	if ErrTimeout.Is(err) {
		t.Fatal("ErrTimeout.Is should not match ErrConnect")
	}
}

func TestIsRetriable(t *testing.T) {
	for _, e := range []Error{ErrConnect, ErrTimeout, ErrConnectionReset, ErrConnectionRefused, ErrData, ErrNoop, ErrSigPipe} {
		if !IsRetriable(e) {
			t.Errorf("%v should be retriable", e)
		}
	}
	for _, e := range []Error{NoError, ErrOpenRemote, ErrSyntax, ErrNoMessageFile, GotKilled} {
		if IsRetriable(e) {
			t.Errorf("%v should not be retriable", e)
		}
	}
}

func TestEvalTimeout(t *testing.T) {
	if got := EvalTimeout(ErrWriteRemote, TimeoutOff); got != ErrWriteRemote {
		t.Errorf("off flag should keep the default, got %v", got)
	}
	cases := []struct {
		flag TimeoutFlag
		want Error
	}{
		{TimeoutOn, ErrTimeout},
		{TimeoutConReset, ErrConnectionReset},
		{TimeoutPipeClosed, ErrSigPipe},
		{TimeoutConRefused, ErrConnectionRefused},
	}
	for _, c := range cases {
		if got := EvalTimeout(ErrWriteRemote, c.flag); got != c.want {
			t.Errorf("flag %d: got %v, want %v", c.flag, got, c.want)
		}
	}
}
