package telemetry

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/jllopis/secopilot/pkg/errors"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordToolCall(context.Background(), "x", 1, nil)
	m.RecordRemoteCall(context.Background(), "copilot", "list", 1, nil)
	m.RecordWorkflowRun(context.Background(), "report", true)
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{errors.Missing("query"), "MISSING_INPUT"},
		{stderrors.New("plain"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Errorf("errorType(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
