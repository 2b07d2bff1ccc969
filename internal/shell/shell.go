// Package shell runs command strings on the deployment host.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner executes shell command strings
type Runner interface {
	// Run executes command and returns its trimmed stdout.
	// A non-zero exit status is returned as a *CommandError.
	Run(ctx context.Context, command string, opts ...Option) (string, error)

	// Test reports whether command exits with status 0.
	// It only returns an error when the command could not be run at all.
	Test(ctx context.Context, command string, opts ...Option) (bool, error)
}

// Options for a single command execution
type Options struct {
	Timeout  time.Duration
	Stdin    io.Reader
	Env      []string
	Dir      string
	RealTime bool
}

// Option configures a command execution
type Option func(*Options)

// WithTimeout bounds the command. Zero means the runner default.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithStdin feeds r to the command's standard input
func WithStdin(r io.Reader) Option {
	return func(o *Options) { o.Stdin = r }
}

// WithEnv adds KEY=value pairs to the command environment
func WithEnv(kv ...string) Option {
	return func(o *Options) { o.Env = append(o.Env, kv...) }
}

// WithDir sets the working directory
func WithDir(dir string) Option {
	return func(o *Options) { o.Dir = dir }
}

// WithRealTimeOutput echoes output to the runner's stream while it is captured
func WithRealTimeOutput() Option {
	return func(o *Options) { o.RealTime = true }
}

// Apply folds opts into an Options value
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CommandError is returned when a command exits non-zero or cannot run
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil && e.ExitCode < 0 {
		msg += ": " + e.Err.Error()
	}
	if detail := strings.TrimSpace(e.Stderr); detail != "" {
		msg += ": " + lastLines(detail, 5)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Quote joins args into a single shell-safe string
func Quote(args ...string) string {
	return shellquote.Join(args...)
}

// Local runs commands on this machine through a shell
type Local struct {
	shell   string
	timeout time.Duration
	logger  *zap.Logger
	stream  io.Writer

	// streamMu serializes whole lines from the stdout and stderr pumps
	streamMu sync.Mutex

	mu      sync.RWMutex
	secrets []string
}

// NewLocal creates a runner using shell -c for every command.
// stream receives real-time output; nil discards it.
func NewLocal(shell string, timeout time.Duration, logger *zap.Logger, stream io.Writer) *Local {
	if shell == "" {
		shell = "bash"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if stream == nil {
		stream = io.Discard
	}
	return &Local{
		shell:   shell,
		timeout: timeout,
		logger:  logger,
		stream:  stream,
	}
}

// AddSecret registers a value that must never appear in logs or errors
func (l *Local) AddSecret(secret string) {
	if secret == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.secrets = append(l.secrets, secret)
}

// Mask replaces every registered secret in s
func (l *Local) Mask(s string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, secret := range l.secrets {
		s = strings.ReplaceAll(s, secret, "******")
	}
	return s
}

// Run implements Runner
func (l *Local) Run(ctx context.Context, command string, opts ...Option) (string, error) {
	stdout, _, err := l.exec(ctx, command, Apply(opts...))
	return strings.TrimSpace(stdout), err
}

// Test implements Runner
func (l *Local) Test(ctx context.Context, command string, opts ...Option) (bool, error) {
	_, _, err := l.exec(ctx, command, Apply(opts...))
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 && ctx.Err() == nil {
		return false, nil
	}
	return false, err
}

func (l *Local) exec(ctx context.Context, command string, o Options) (string, string, error) {
	timeout := o.Timeout
	if timeout == 0 {
		timeout = l.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	masked := l.Mask(command)
	log := l.logger.With(zap.String("command", masked))
	if o.Dir != "" {
		log = log.With(zap.String("dir", o.Dir))
	}

	cmd := exec.CommandContext(ctx, l.shell, "-c", command)
	cmd.Dir = o.Dir
	cmd.Stdin = o.Stdin
	if len(o.Env) > 0 {
		cmd.Env = append(os.Environ(), o.Env...)
	}
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", &CommandError{Command: masked, ExitCode: -1, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", &CommandError{Command: masked, ExitCode: -1, Err: err}
	}

	start := time.Now()
	log.Debug("running command")
	if err := cmd.Start(); err != nil {
		return "", "", &CommandError{Command: masked, ExitCode: -1, Err: err}
	}

	var stdout, stderr bytes.Buffer
	var outW, errW io.Writer = &stdout, &stderr
	var outLines, errLines *lineWriter
	if o.RealTime {
		outLines = &lineWriter{mu: &l.streamMu, w: l.stream}
		errLines = &lineWriter{mu: &l.streamMu, w: l.stream}
		outW = io.MultiWriter(&stdout, outLines)
		errW = io.MultiWriter(&stderr, errLines)
	}

	// Both pipes must be drained before Wait
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(outW, stdoutPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(errW, stderrPipe)
		return err
	})
	copyErr := g.Wait()
	waitErr := cmd.Wait()
	if o.RealTime {
		outLines.Flush()
		errLines.Flush()
	}

	elapsed := time.Since(start)
	if waitErr == nil && copyErr != nil {
		waitErr = copyErr
	}
	if waitErr == nil {
		log.Debug("command finished", zap.Duration("duration", elapsed))
		return stdout.String(), stderr.String(), nil
	}

	cmdErr := &CommandError{
		Command:  masked,
		ExitCode: -1,
		Output:   l.Mask(stdout.String()),
		Stderr:   l.Mask(stderr.String()),
		Err:      waitErr,
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && ctx.Err() == nil {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		cmdErr.Err = ctx.Err()
	}

	log.Debug("command failed",
		zap.Duration("duration", elapsed),
		zap.Int("exit_code", cmdErr.ExitCode),
		zap.Error(cmdErr.Err))
	return stdout.String(), stderr.String(), cmdErr
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// lineWriter forwards complete lines to w, one pipe per writer
type lineWriter struct {
	mu  *sync.Mutex
	w   io.Writer
	buf []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	i := bytes.LastIndexByte(lw.buf, '\n')
	if i < 0 {
		return len(p), nil
	}
	lw.mu.Lock()
	_, err := lw.w.Write(lw.buf[:i+1])
	lw.mu.Unlock()
	lw.buf = append(lw.buf[:0], lw.buf[i+1:]...)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush writes a trailing unterminated line
func (lw *lineWriter) Flush() {
	if len(lw.buf) == 0 {
		return
	}
	lw.mu.Lock()
	_, _ = lw.w.Write(append(lw.buf, '\n'))
	lw.mu.Unlock()
	lw.buf = nil
}
