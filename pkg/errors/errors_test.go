// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Chimera.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("socket closed")
	ce := New(CodeExecution, "skill invocation failed", cause)

	if ce.Code != CodeExecution {
		t.Errorf("expected CodeExecution, got %v", ce.Code)
	}
	if ce.Message != "skill invocation failed" {
		t.Errorf("expected message 'skill invocation failed', got %q", ce.Message)
	}
	if ce.Err != cause {
		t.Errorf("expected cause to be preserved")
	}
	if !errors.Is(ce, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestDefaultRecoverability(t *testing.T) {
	tests := []struct {
		code        ErrorCode
		recoverable bool
	}{
		{CodeExecution, true},
		{CodeTimeout, true},
		{CodeConflict, true},
		{CodeValidation, false},
		{CodeInvalidTransition, false},
		{CodeFederationRejected, false},
		{CodeInternal, false},
		{CodeNotFound, false},
	}
	for _, tt := range tests {
		ce := New(tt.code, "test", nil)
		if ce.Recoverable != tt.recoverable {
			t.Errorf("code %s: expected recoverable=%v, got %v", tt.code, tt.recoverable, ce.Recoverable)
		}
	}
}

func TestWithContext(t *testing.T) {
	ce := New(CodeExecution, "skill failed", nil)
	ce.WithContext("skill", "trend.fetch").
		WithContext("attempt", 2)

	if ce.Context["skill"] != "trend.fetch" {
		t.Errorf("expected context skill to be 'trend.fetch'")
	}
	if ce.Context["attempt"] != 2 {
		t.Errorf("expected context attempt to be set")
	}
}

func TestWithRecoverable(t *testing.T) {
	ce := New(CodeValidation, "bad payload", nil)
	if ce.Recoverable {
		t.Errorf("expected validation errors to be non-recoverable by default")
	}

	ce.WithRecoverable(true)
	if !ce.Recoverable {
		t.Errorf("expected recoverable to be true after WithRecoverable")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *ChimeraError
		expected string
	}{
		{
			name:     "without cause",
			err:      New(CodeTimeout, "stage exceeded bound", nil),
			expected: "[TIMEOUT] stage exceeded bound",
		},
		{
			name:     "with cause",
			err:      New(CodeConflict, "stale revision", errors.New("expected 5, have 6")),
			expected: "[CONFLICT] stale revision: expected 5, have 6",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestCode(t *testing.T) {
	if Code(nil) != "" {
		t.Errorf("expected empty code for nil error")
	}
	if Code(errors.New("plain")) != CodeInternal {
		t.Errorf("expected CodeInternal for untyped error")
	}
	wrapped := fmt.Errorf("outer: %w", New(CodeConflict, "stale", nil))
	if Code(wrapped) != CodeConflict {
		t.Errorf("expected CodeConflict through wrapping, got %v", Code(wrapped))
	}
	if !IsCode(wrapped, CodeConflict) {
		t.Errorf("expected IsCode to match through wrapping")
	}
}

func TestAsChimeraError(t *testing.T) {
	if AsChimeraError(nil) != nil {
		t.Errorf("expected nil for nil error")
	}

	ce := New(CodeValidation, "bad input", nil)
	if got := AsChimeraError(ce); got != ce {
		t.Errorf("expected identity for typed error")
	}

	plain := errors.New("plain failure")
	wrapped := AsChimeraError(plain)
	if wrapped.Code != CodeInternal {
		t.Errorf("expected untyped errors wrapped as internal")
	}
	if !errors.Is(wrapped, plain) {
		t.Errorf("expected cause preserved when wrapping")
	}
}

func TestMarshalJSON(t *testing.T) {
	ce := New(CodeExecution, "skill crashed", errors.New("oom")).
		WithContext("skill", "content.generate")

	data, err := json.Marshal(ce)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["code"] != "EXECUTION_ERROR" {
		t.Errorf("expected code EXECUTION_ERROR, got %v", decoded["code"])
	}
	if decoded["recoverable"] != true {
		t.Errorf("expected recoverable true")
	}
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		code   ErrorCode
		status int
	}{
		{CodeValidation, 400},
		{CodeNotFound, 404},
		{CodeTimeout, 408},
		{CodeConflict, 409},
		{CodeInvalidTransition, 409},
		{CodeFederationRejected, 422},
		{CodeInternal, 500},
	}
	for _, tt := range tests {
		if got := New(tt.code, "test", nil).StatusCode; got != tt.status {
			t.Errorf("code %s: expected status %d, got %d", tt.code, tt.status, got)
		}
	}
}
