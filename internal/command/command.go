// Package command runs user supplied command strings through an interpreter.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
)

// DefaultInterpreter is the interpreter used when none is configured.
func DefaultInterpreter() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"/bin/sh", "-c"}
}

// Runner executes commands. The zero value runs with the default interpreter in the
// provider's working directory.
type Runner struct {
	Interpreter []string
	Dir         string
	// Env is added on top of the provider process environment.
	Env map[string]string
	// Timeout bounds each command. Zero means no limit beyond the caller's context.
	Timeout time.Duration
}

// Result is the outcome of one command that exited 0.
type Result struct {
	Command string
	Stdout  string
	Stderr  string
}

// ResolvedInterpreter is the interpreter the runner will use.
func (r Runner) ResolvedInterpreter() []string {
	if len(r.Interpreter) > 0 {
		return append([]string(nil), r.Interpreter...)
	}
	return DefaultInterpreter()
}

// Render shows how command is invoked, quoted for a POSIX shell.
func (r Runner) Render(command string) string {
	return shellquote.Join(append(r.ResolvedInterpreter(), command)...)
}

// Run executes a single command. A non-zero exit, a failure to start or an interruption
// is returned as a [*failure.CommandFailure].
func (r Runner) Run(ctx context.Context, command string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(r.ResolvedInterpreter(), command)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()
	cmd.WaitDelay = time.Second

	var stdoutbuf, stderrbuf bytes.Buffer
	stdoutr, stdoutw := io.Pipe()
	stderrr, stderrw := io.Pipe()
	cmd.Stdout = io.MultiWriter(&stdoutbuf, stdoutw)
	cmd.Stderr = io.MultiWriter(&stderrbuf, stderrw)

	stdoutch := make(chan struct{})
	stderrch := make(chan struct{})
	go copyOutput(ctx, stdoutr, stdoutch)
	go copyOutput(ctx, stderrr, stderrch)

	logging.V(7).Infof("running %s in %q", r.Render(command), r.Dir)
	p.GetLogger(ctx).InfoStatusf("running %s", command)
	err := cmd.Run()

	stdoutw.Close()
	stderrw.Close()
	<-stdoutch
	<-stderrch

	result := Result{
		Command: command,
		Stdout:  strings.TrimSuffix(stdoutbuf.String(), "\n"),
		Stderr:  strings.TrimSuffix(stderrbuf.String(), "\n"),
	}
	if err == nil {
		return result, nil
	}

	f := &failure.CommandFailure{Command: command, ExitCode: -1, Stderr: result.Stderr}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		f.Err = ctx.Err()
		if errors.Is(f.Err, context.DeadlineExceeded) && r.Timeout > 0 {
			f.Err = fmt.Errorf("timed out after %s: %w", r.Timeout, f.Err)
		}
	case errors.As(err, &exitErr):
		f.ExitCode = exitErr.ExitCode()
	default:
		f.Err = err
	}
	return result, f
}

// RunAll runs commands in order and stops at the first failure.
func (r Runner) RunAll(ctx context.Context, commands []string) ([]Result, error) {
	results := make([]Result, 0, len(commands))
	for _, c := range commands {
		res, err := r.Run(ctx, c)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// RunEach runs every command even when earlier ones fail and returns all failures.
func (r Runner) RunEach(ctx context.Context, commands []string) []failure.CommandFailure {
	var failures []failure.CommandFailure
	for _, c := range commands {
		_, err := r.Run(ctx, c)
		var f *failure.CommandFailure
		switch {
		case err == nil:
		case errors.As(err, &f):
			failures = append(failures, *f)
		default:
			failures = append(failures, failure.CommandFailure{Command: c, ExitCode: -1, Err: err})
		}
	}
	return failures
}

func (r Runner) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+r.Env[k])
	}
	return env
}

func copyOutput(ctx context.Context, r io.Reader, doneCh chan<- struct{}) {
	defer close(doneCh)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.GetLogger(ctx).Debug(scanner.Text())
	}
	// Keep draining so the writer never blocks on a line longer than the scanner buffer.
	_, _ = io.Copy(io.Discard, r)
}
