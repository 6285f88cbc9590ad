// Package tools provides the gateways the experts act through: the
// allow-listed command executor and the web fetcher.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// DefaultCommandTimeout bounds a single command when the caller passes zero.
const DefaultCommandTimeout = 30 * time.Second

// killGrace is how long Wait may linger after the process was killed.
const killGrace = 2 * time.Second

// ErrorKind classifies a failed gateway result.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindTransport  ErrorKind = "transport"
)

// blockedPattern matches chaining, redirection and substitution on the raw
// command line, so quoting does not make these characters acceptable.
var blockedPattern = regexp.MustCompile("[;&|<>`]|\\$\\(")

// ValidationError reports a command rejected before any process was spawned.
type ValidationError struct {
	Command string
	Reason  string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ExecutionResult is the outcome of one command. Error is set exactly when
// the command did not run to completion; the output fields are then empty.
type ExecutionResult struct {
	Command  string    `json:"command"`
	Stdout   string    `json:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty"`
	ExitCode int       `json:"exitCode"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Kind     ErrorKind `json:"kind,omitempty"`
}

// Failed reports whether the result carries an error instead of output.
func (r ExecutionResult) Failed() bool {
	return r.Error != ""
}

// String renders the result the way experts show it to the user.
func (r ExecutionResult) String() string {
	if r.Failed() {
		return "Error: " + r.Error
	}
	var sb strings.Builder
	if r.Stdout != "" {
		sb.WriteString(r.Stdout)
	}
	if r.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("STDERR:\n")
		sb.WriteString(r.Stderr)
	}
	if !r.Success {
		sb.WriteString(fmt.Sprintf("\nExit code: %d", r.ExitCode))
	}
	if sb.Len() == 0 {
		return "(no output)"
	}
	return sb.String()
}

func failedResult(command string, kind ErrorKind, msg string) ExecutionResult {
	return ExecutionResult{Command: command, Error: msg, Kind: kind}
}

// CommandExecutor runs allow-listed programs without a shell.
type CommandExecutor struct {
	Timeout time.Duration
	WorkDir string
	allow   *AllowList
	logger  *slog.Logger
}

// NewCommandExecutor creates an executor. A nil allow-list means the default
// set; an empty workDir runs commands in the current directory.
func NewCommandExecutor(allow *AllowList, timeout time.Duration, workDir string, logger *slog.Logger) *CommandExecutor {
	if allow == nil {
		allow = DefaultAllowList()
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{
		Timeout: timeout,
		WorkDir: workDir,
		allow:   allow,
		logger:  logger,
	}
}

// AllowList exposes the executor's allow-list.
func (e *CommandExecutor) AllowList() *AllowList {
	return e.allow
}

// Validate runs the safety gate and returns the parsed argv.
func (e *CommandExecutor) Validate(command string) ([]string, error) {
	reject := func(format string, args ...any) ([]string, error) {
		return nil, &ValidationError{Command: command, Reason: fmt.Sprintf(format, args...)}
	}

	if loc := blockedPattern.FindStringIndex(command); loc != nil {
		return reject("command contains blocked shell syntax %q", command[loc[0]:loc[1]])
	}

	argv, err := shellquote.Split(command)
	if err != nil {
		return reject("malformed command: %v", err)
	}
	if len(argv) == 0 {
		return reject("empty command")
	}

	spec, ok := e.allow.Lookup(argv[0])
	if !ok {
		return reject("command %q is not allowed", argv[0])
	}
	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, "-") && !spec.AllowsFlag(arg) {
			return reject("flag %q is not allowed for %s", arg, spec.Name)
		}
	}
	return argv, nil
}

// IsSafe reports whether command passes the safety gate.
func (e *CommandExecutor) IsSafe(command string) bool {
	_, err := e.Validate(command)
	return err == nil
}

// Execute validates and runs command. Failures are returned inside the
// result; a zero timeout uses the executor default.
func (e *CommandExecutor) Execute(ctx context.Context, command string, timeout time.Duration) ExecutionResult {
	command = strings.TrimSpace(command)
	argv, err := e.Validate(command)
	if err != nil {
		e.logger.Warn("Command rejected", "command", command, "reason", err.Error())
		return failedResult(command, ErrorKindValidation, err.Error())
	}

	if timeout <= 0 {
		timeout = e.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if e.WorkDir != "" {
		cmd.Dir = e.WorkDir
	}
	configureKill(cmd)
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("Command timed out", "command", command, "timeout", timeout)
		return failedResult(command, ErrorKindTimeout, fmt.Sprintf("command timed out after %v", timeout))
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return failedResult(command, ErrorKindTransport, "command cancelled")
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			e.logger.Error("Command failed to start", "command", command, "error", err)
			return failedResult(command, ErrorKindTransport, fmt.Sprintf("execute command: %v", err))
		}
		exitCode = exitErr.ExitCode()
	}

	e.logger.Debug("Command finished", "command", command, "exit_code", exitCode, "duration", elapsed)
	return ExecutionResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Success:  exitCode == 0,
	}
}
