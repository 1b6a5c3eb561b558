// Package script implements the script-side APIs the streaming core
// exposes to its (out-of-scope) scripting engine: listen(), read(),
// watch(), exec(), exit(), and fork(). Where the script engine would see
// a promise, the Go surface uses the idiom for the same shape — a
// blocking call for Read, a settled channel for exit callbacks, a plain
// error return elsewhere.
//
// Exec spawns via os/exec, pipes stdout/stderr, waits, and translates the
// exit code, capturing output into ByteBuffers. It runs as the invoking
// user; sandboxing a different uid is out of scope for this core.
package script

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/akitasoftware/pipedge/buffer"
)

// ExecOptions configures one exec() call.
type ExecOptions struct {
	// Stdin, if non-nil, is written to the subprocess's standard input.
	Stdin *buffer.ByteBuffer

	// CaptureStderr routes stderr into the Result instead of discarding it.
	CaptureStderr bool

	// OnExit, if set, is invoked once the process has exited with
	// (exitCode) or (exitCode, stderr) depending on CaptureStderr, mirroring
	// the onExit callback contract.
	OnExit func(exitCode int, stderr *buffer.ByteBuffer)
}

// Result is exec()'s resolved value: {out, err?, exit_code}.
type Result struct {
	Out      *buffer.ByteBuffer
	Err      *buffer.ByteBuffer
	ExitCode int
}

// Exec spawns cmd (already split into argv form) and blocks until it
// exits. POSIX reports the low-8-bit exit code (exec.ExitError.ExitCode()
// already applies that truncation on Unix); Windows reports the raw
// process exit code.
func Exec(ctx context.Context, argv []string, opts ExecOptions) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("script: exec called with an empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin.ToBytes())
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	var stderr bytes.Buffer
	if opts.CaptureStderr {
		cmd.Stderr = &stderr
	} else {
		cmd.Stderr = io.Discard
	}

	runErr := cmd.Run()

	exitCode := exitCodeOf(cmd, runErr)

	res := Result{
		Out:      buffer.NewFromBytes(stdout.Bytes()),
		ExitCode: exitCode,
	}
	if opts.CaptureStderr {
		res.Err = buffer.NewFromBytes(stderr.Bytes())
	}

	if opts.OnExit != nil {
		if opts.CaptureStderr {
			opts.OnExit(exitCode, buffer.NewFromBuffer(res.Err))
		} else {
			opts.OnExit(exitCode, nil)
		}
	}

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); ok {
			// Non-zero exit is a normal exec() outcome, not a Go error:
			// the caller reads Result.ExitCode.
			return res, nil
		}
		return res, errors.Wrap(runErr, "script: failed to run subcommand")
	}
	return res, nil
}

// exitCodeOf reports the process exit code: os.ProcessState.ExitCode()
// already returns the POSIX low-8-bit code on Unix and the raw code on
// Windows, satisfying the platform-specific contract directly.
func exitCodeOf(cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	exitErr, ok := runErr.(*exec.ExitError)
	if !ok {
		return -1
	}
	return exitErr.ExitCode()
}
