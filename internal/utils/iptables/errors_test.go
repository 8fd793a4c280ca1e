package iptables

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{
			err:  &Error{Kind: KindExitStatus, ExitCode: 1, Cmd: "iptables -t filter -C INPUT -j ACCEPT", Msg: "iptables: Bad rule"},
			want: `command "iptables -t filter -C INPUT -j ACCEPT" failed with exit code 1: iptables: Bad rule`,
		},
		{
			err:  &Error{Kind: KindExitStatus, ExitCode: 4, Cmd: "iptables -F"},
			want: `command "iptables -F" failed with exit code 4`,
		},
		{
			err:  &Error{Kind: KindIO, Msg: "failed to open lock file /x", Err: os.ErrPermission},
			want: "failed to open lock file /x: permission denied",
		},
		{
			err:  &Error{Kind: KindLock, Err: os.ErrInvalid},
			want: "lock error: invalid argument",
		},
		{
			err:  ErrRuleExists,
			want: "the rule exists in the table/chain",
		},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("failed to do things: %w", &Error{Kind: KindIO, Err: os.ErrNotExist})
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected wrapped cause to be reachable through errors.Is")
	}

	if !errors.Is(fmt.Errorf("wrapped: %w", ErrNotBuiltinChain), ErrNotBuiltinChain) {
		t.Error("Expected domain errors to match through wrapping")
	}
}

func TestExitStatus(t *testing.T) {
	exitErr := fmt.Errorf("context: %w", &Error{Kind: KindExitStatus, ExitCode: 2})

	code, ok := ExitStatus(exitErr)
	if !ok || code != 2 {
		t.Errorf("ExitStatus() = %d, %v; want 2, true", code, ok)
	}
	if IsNotExist(exitErr) {
		t.Error("Expected exit code 2 not to be reported as not-exist")
	}
	if !IsNotExist(&Error{Kind: KindExitStatus, ExitCode: 1}) {
		t.Error("Expected exit code 1 to be reported as not-exist")
	}

	if _, ok := ExitStatus(ErrRuleExists); ok {
		t.Error("Expected domain errors to carry no exit status")
	}
	if _, ok := ExitStatus(nil); ok {
		t.Error("Expected nil to carry no exit status")
	}
}

func TestErrorKindString(t *testing.T) {
	for kind, want := range map[ErrorKind]string{
		KindIO:         "io",
		KindPattern:    "pattern",
		KindLock:       "lock",
		KindParse:      "parse",
		KindExitStatus: "exit-status",
		KindOther:      "other",
		ErrorKind(42):  "unknown",
	} {
		if got := kind.String(); !strings.EqualFold(got, want) {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
