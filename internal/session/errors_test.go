package session

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewError(CodeConnection, "link lost", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if got := CodeOf(err); got != CodeConnection {
		t.Errorf("CodeOf = %s, want %s", got, CodeConnection)
	}

	wrapped := fmt.Errorf("during send: %w", err)
	if got := CodeOf(wrapped); got != CodeConnection {
		t.Errorf("CodeOf through wrapping = %s, want %s", got, CodeConnection)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %s, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want bool
	}{
		{CodeConnection, true},
		{CodeRateLimit, true},
		{CodeTimeout, true},
		{CodeAuth, false},
		{CodeNotFound, false},
		{CodeInvalid, false},
		{CodeUnsupported, false},
		{CodeInternal, false},
	}
	for _, tc := range cases {
		err := NewError(tc.code, "x", nil)
		if got := IsRetryable(err); got != tc.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}
