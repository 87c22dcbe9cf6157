// Copyright 2026 © The secopilot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/jllopis/secopilot/pkg/errors"
)

// CLIError wraps a typed error with a hint for the operator.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

func newCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Err: e, Hint: hint}
}

// Error returns the formatted error message with the hint.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the typed error.
func (e *CLIError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// printError writes err to w in a short human form.
func printError(w io.Writer, err error) {
	var ce *CLIError
	if stderrors.As(err, &ce) && ce.Err != nil {
		msg := ce.Err.Message
		if ce.Err.Err != nil {
			msg += ": " + ce.Err.Err.Error()
		}
		fmt.Fprintf(w, "Error [%s]: %s\n", formatErrorCode(ce.Err.Code), msg)
		if ce.Hint != "" {
			fmt.Fprintf(w, "  Hint: %s\n", ce.Hint)
		}
		return
	}
	fmt.Fprintf(w, "Error: %s\n", err)
}

// exitCode maps error codes to process exit statuses.
func exitCode(err error) int {
	switch errors.As(err).Code {
	case errors.CodeInvalidInput, errors.CodeMissingInput:
		return 2
	case errors.CodeUnauthorized:
		return 3
	default:
		return 1
	}
}

func fatal(err error) {
	printError(os.Stderr, err)
	os.Exit(exitCode(err))
}

func formatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeMissingInput:
		return "Missing Input"
	case errors.CodeNotFound:
		return "Not Found"
	case errors.CodeUnauthorized:
		return "Unauthorized"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeRemote:
		return "Remote Failure"
	case errors.CodeContextLost:
		return "Context Lost"
	default:
		return string(code)
	}
}
