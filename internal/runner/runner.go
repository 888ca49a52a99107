// Package runner executes external commands with explicit argument lists.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Cmd describes a single external command invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
}

// String renders the command for logs and error messages.
func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// ExitError reports a command that ran but did not succeed.
type ExitError struct {
	Cmd    Cmd
	Code   int
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, e.Output)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner runs external commands
type Runner interface {
	// Capture runs the command to completion and returns its combined
	// output with trailing whitespace removed.
	Capture(ctx context.Context, cmd Cmd) (string, error)
	// Stream forwards each output line to w as it arrives.
	Stream(ctx context.Context, cmd Cmd, w io.Writer) error
}

// Exec implements Runner with os/exec
type Exec struct{}

// New creates a runner backed by os/exec
func New() *Exec {
	return &Exec{}
}

// Capture implements Runner
func (r *Exec) Capture(ctx context.Context, c Cmd) (string, error) {
	cmd := r.command(ctx, c)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := strings.TrimRight(buf.String(), " \t\r\n")
	if err != nil {
		return output, wrapErr(c, err, output)
	}
	return output, nil
}

// Stream implements Runner
func (r *Exec) Stream(ctx context.Context, c Cmd, w io.Writer) error {
	cmd := r.command(ctx, c)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return wrapErr(c, err, "")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// lines of any length are forwarded as they complete
		reader := bufio.NewReader(pr)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				if line[len(line)-1] != '\n' {
					line = append(line, '\n')
				}
				_, _ = w.Write(line)
			}
			if err != nil {
				return
			}
		}
	}()

	err := cmd.Wait()
	_ = pw.Close()
	wg.Wait()
	_ = pr.Close()

	if err != nil {
		return wrapErr(c, err, "")
	}
	return nil
}

func (r *Exec) command(ctx context.Context, c Cmd) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

func wrapErr(c Cmd, err error, output string) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExitError{Cmd: c, Code: code, Output: output, Err: err}
}

// ExitCode returns the exit code carried by err, or -1 when err did not
// come from a finished command.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}
