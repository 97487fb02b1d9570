package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name         string
		err          error
		isConfig     bool
		isFetch      bool
		isAction     bool
		wantContains string
	}{
		{
			name:         "fetch error",
			err:          &FetchError{Scope: "cluster-a", Err: base},
			isFetch:      true,
			wantContains: `scope "cluster-a"`,
		},
		{
			name:         "wrapped action error",
			err:          fmt.Errorf("run: %w", &ActionError{Verb: "delete", Target: "c/ns/ConfigMap/a", Err: base}),
			isAction:     true,
			wantContains: "failed to delete c/ns/ConfigMap/a",
		},
		{
			name:         "configuration error",
			err:          NewConfigurationError("shard count must be positive, got %d", 0),
			isConfig:     true,
			wantContains: "shard count must be positive",
		},
		{
			name:         "cache error is none of the run-level kinds",
			err:          &CacheUnavailableError{Op: "get", Key: "k", Err: base},
			wantContains: "early-exit cache unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConfiguration(tt.err); got != tt.isConfig {
				t.Errorf("IsConfiguration() = %v, want %v", got, tt.isConfig)
			}
			if got := IsFetch(tt.err); got != tt.isFetch {
				t.Errorf("IsFetch() = %v, want %v", got, tt.isFetch)
			}
			if got := IsAction(tt.err); got != tt.isAction {
				t.Errorf("IsAction() = %v, want %v", got, tt.isAction)
			}
			if msg := tt.err.Error(); !strings.Contains(msg, tt.wantContains) {
				t.Errorf("Error() = %q, want it to contain %q", msg, tt.wantContains)
			}
		})
	}
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	base := errors.New("connection refused")

	wrapped := []error{
		&FetchError{Scope: "s", Err: base},
		&ActionError{Verb: "create", Target: "t", Err: base},
		WrapConfigurationError(base, "bad selector"),
		&CacheUnavailableError{Op: "set", Key: "k", Err: base},
	}

	for _, err := range wrapped {
		if !errors.Is(err, base) {
			t.Errorf("expected %T to unwrap to the base error", err)
		}
	}
}
