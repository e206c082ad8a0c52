package dumper

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds of dump failure. A *DumpError matches its kind with errors.Is.
var (
	ErrProfileNotFound      = errors.New("profile not found")
	ErrContainerUnreachable = errors.New("container unreachable")
	ErrCommandFailed        = errors.New("dump command failed")
	ErrDiskWriteFailed      = errors.New("disk write failed")
	ErrAlreadyRunning       = errors.New("a backup is already running for this profile")
)

type DumpError struct {
	Kind     error
	ExitCode int
	Stderr   string
	Err      error
}

func (e *DumpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Kind == ErrCommandFailed && e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(lastLine(stderr))
	}
	return b.String()
}

func (e *DumpError) Is(target error) bool {
	return target == e.Kind
}

func (e *DumpError) Unwrap() error {
	return e.Err
}

func commandFailed(exitCode int, stderr string, err error) *DumpError {
	return &DumpError{Kind: ErrCommandFailed, ExitCode: exitCode, Stderr: stderr, Err: err}
}

// lastLine keeps error messages short; verbose pg_dump output puts the
// actual failure at the end.
func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
