package iptables

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindIO         ErrorKind = iota // Spawning the process or touching the lock file failed
	KindPattern                     // Output did not match the expected pattern
	KindLock                        // flock(2) failed with something other than EWOULDBLOCK
	KindParse                       // A numeric field could not be parsed
	KindExitStatus                  // The process exited with a non-zero status
	KindOther                       // Domain errors with a fixed message
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindPattern:
		return "pattern"
	case KindLock:
		return "lock"
	case KindParse:
		return "parse"
	case KindExitStatus:
		return "exit-status"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by this package. Kind tells which of
// the fields are meaningful: ExitCode is only set for KindExitStatus, Err holds
// the underlying cause for KindIO, KindLock and KindParse.
type Error struct {
	Kind     ErrorKind
	ExitCode int
	Cmd      string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindExitStatus:
		if e.Msg != "" {
			return fmt.Sprintf("command %q failed with exit code %d: %s", e.Cmd, e.ExitCode, e.Msg)
		}
		return fmt.Sprintf("command %q failed with exit code %d", e.Cmd, e.ExitCode)
	case KindOther:
		return e.Msg
	}

	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func otherError(msg string) *Error {
	return &Error{Kind: KindOther, Msg: msg}
}

var (
	ErrUnsupportedTable    = otherError("given table is not supported by iptables")
	ErrNotBuiltinChain     = otherError("given chain is not a default chain in the given table")
	ErrRuleExists          = otherError("the rule exists in the table/chain")
	ErrPolicyNotFound      = otherError("could not find the default policy for table and chain")
	ErrInvalidPosition     = otherError("rule position must be a positive index")
	ErrUnsupportedPlatform = otherError("iptables only works on Linux")
)

// ExitStatus returns the exit code carried by err, if err is (or wraps) an
// exit status error.
func ExitStatus(err error) (int, bool) {
	var iptErr *Error
	if errors.As(err, &iptErr) && iptErr.Kind == KindExitStatus {
		return iptErr.ExitCode, true
	}
	return 0, false
}

// IsNotExist reports whether err is the exit status iptables uses for a
// missing chain, rule or target.
func IsNotExist(err error) bool {
	code, ok := ExitStatus(err)
	return ok && code == 1
}

func isExitCode(err error, codes ...int) bool {
	code, ok := ExitStatus(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
