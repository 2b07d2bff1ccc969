// Package console writes the human-facing progress output of a deployment.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Console prints task progress with the usual colour conventions:
// info is green, comments are yellow, errors are red.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer

	info    func(a ...interface{}) string
	comment func(a ...interface{}) string
	errorf  func(a ...interface{}) string
	task    func(a ...interface{}) string
	gray    func(a ...interface{}) string
}

// New creates a Console writing to out and err
func New(out, err io.Writer) *Console {
	return &Console{
		out:     out,
		err:     err,
		info:    color.New(color.FgGreen).SprintFunc(),
		comment: color.New(color.FgYellow).SprintFunc(),
		errorf:  color.New(color.FgRed).SprintFunc(),
		task:    color.New(color.FgCyan, color.Bold).SprintFunc(),
		gray:    color.New(color.FgHiBlack).SprintFunc(),
	}
}

// Std is a Console on stdout/stderr
func Std() *Console {
	return New(os.Stdout, os.Stderr)
}

// Discard drops everything; used by tests
func Discard() *Console {
	return New(io.Discard, io.Discard)
}

func (c *Console) println(w io.Writer, s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(w, s)
}

// Writeln prints a plain line
func (c *Console) Writeln(format string, args ...interface{}) {
	c.println(c.out, fmt.Sprintf(format, args...))
}

// Info prints a success line
func (c *Console) Info(format string, args ...interface{}) {
	c.println(c.out, c.info(fmt.Sprintf(format, args...)))
}

// Comment prints a progress or diagnostic line
func (c *Console) Comment(format string, args ...interface{}) {
	c.println(c.out, c.comment(fmt.Sprintf(format, args...)))
}

// Error prints a failure line to the error stream
func (c *Console) Error(format string, args ...interface{}) {
	c.println(c.err, c.errorf(fmt.Sprintf(format, args...)))
}

// Task prints the header shown before a task runs
func (c *Console) Task(name string) {
	c.println(c.out, fmt.Sprintf("%s %s", c.gray("task"), c.task(name)))
}

// Item prints an indented list entry (e.g. merged .env values)
func (c *Console) Item(format string, args ...interface{}) {
	c.println(c.out, "  - "+fmt.Sprintf(format, args...))
}

// Stream returns a writer that echoes command output line by line, indented
// under the current task.
func (c *Console) Stream() io.Writer {
	return &streamWriter{c: c}
}

type streamWriter struct {
	c       *Console
	pending string
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	s.pending += string(p)
	for {
		i := strings.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := s.pending[:i]
		s.pending = s.pending[i+1:]
		fmt.Fprintln(s.c.out, s.c.gray("│ ")+line)
	}
	return len(p), nil
}
