// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("connection reset")
	e := New(CodeRemote, "sentinel query failed", cause)

	if e.Code != CodeRemote {
		t.Errorf("expected CodeRemote, got %v", e.Code)
	}
	if e.Err != cause {
		t.Errorf("expected cause to be preserved")
	}
	if !errors.Is(e, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
	if e.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "with cause",
			err:      New(CodeTimeout, "operation timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] operation timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			err:      New(CodeNotFound, "skillset not found", nil),
			expected: "[NOT_FOUND] skillset not found",
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

func TestMissing(t *testing.T) {
	e := Missing("Period")
	if e.Code != CodeMissingInput {
		t.Fatalf("expected CodeMissingInput, got %v", e.Code)
	}
	if e.Context["parameter"] != "Period" {
		t.Fatalf("expected parameter context, got %v", e.Context)
	}
	if e.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", e.StatusCode)
	}
}

func TestRemoteRecoverable(t *testing.T) {
	tests := []struct {
		status      int
		recoverable bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{400, false},
		{404, false},
		{0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			e := Remote("copilot", tt.status, nil)
			if e.Recoverable != tt.recoverable {
				t.Errorf("status %d: expected recoverable=%v", tt.status, tt.recoverable)
			}
		})
	}
}

func TestAs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{"nil error", nil, ""},
		{"typed", New(CodeValidation, "no rows", nil), CodeValidation},
		{"wrapped typed", fmt.Errorf("step: %w", New(CodeRemote, "x", nil)), CodeRemote},
		{"generic", errors.New("generic error"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := As(tt.err)
			if tt.expected == "" {
				if e != nil {
					t.Errorf("expected nil for nil error")
				}
				return
			}
			if e == nil || e.Code != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, e)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("upload: %w", New(CodeUnauthorized, "token", nil))
	if !HasCode(err, CodeUnauthorized) {
		t.Fatal("expected wrapped code to be found")
	}
	if HasCode(errors.New("plain"), CodeUnauthorized) {
		t.Fatal("plain error should not carry a code")
	}
}

func TestMarshalJSON(t *testing.T) {
	e := New(CodeRemote, "upload failed", errors.New("bad gateway")).
		WithContext("skillset", "GetAbnormalSignIns").
		WithRecoverable(true)

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("unexpected error marshaling: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unexpected error unmarshaling: %v", err)
	}
	if result["code"] != "REMOTE_FAILURE" {
		t.Errorf("expected code REMOTE_FAILURE, got %v", result["code"])
	}
	if result["cause"] != "bad gateway" {
		t.Errorf("expected cause, got %v", result["cause"])
	}
	if result["recoverable"] != true {
		t.Errorf("expected recoverable true")
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{CodeNotFound, 404},
		{CodeUnauthorized, 401},
		{CodeInvalidInput, 400},
		{CodeMissingInput, 400},
		{CodeValidation, 422},
		{CodeTimeout, 408},
		{CodeRemote, 502},
		{CodeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "test", nil).StatusCode; got != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestRecoverableString(t *testing.T) {
	if got := Remote("copilot", 503, nil).RecoverableString(); got != "true" {
		t.Errorf("expected true, got %q", got)
	}
	if got := Missing("query").RecoverableString(); got != "false" {
		t.Errorf("expected false, got %q", got)
	}
}
