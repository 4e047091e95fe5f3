// Package agent runs the external program that carries out a task prompt.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// Agent performs a prompt, reporting progress one line at a time through emit,
// and returns its full output. An error means the task failed.
type Agent interface {
	Run(ctx context.Context, prompt string, emit func(line string)) (string, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, prompt string, emit func(line string)) (string, error)

func (f Func) Run(ctx context.Context, prompt string, emit func(line string)) (string, error) {
	return f(ctx, prompt, emit)
}

type CommandConfig struct {
	Command string
	Args    []string
	Workdir string
	Env     []string
	// UsePTY runs the command on a pseudo-terminal, for agents that only
	// stream progress when attached to one.
	UsePTY bool
	Cols   int
	Rows   int
}

// Command runs an executable with the prompt as its last argument.
type Command struct {
	cfg    CommandConfig
	logger *log.Logger
}

func NewCommand(cfg CommandConfig, logger *log.Logger) (*Command, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("agent: command required")
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 200
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 50
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Command{cfg: cfg, logger: logger}, nil
}

func (c *Command) cmd(ctx context.Context, prompt string) *exec.Cmd {
	args := append(append([]string{}, c.cfg.Args...), prompt)
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	cmd.Dir = c.cfg.Workdir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	return cmd
}

func (c *Command) Run(ctx context.Context, prompt string, emit func(line string)) (string, error) {
	if emit == nil {
		emit = func(string) {}
	}
	cmd := c.cmd(ctx, prompt)
	c.logger.Printf("starting %s in %q (pty=%v)", c.cfg.Command, cmd.Dir, c.cfg.UsePTY)
	if c.cfg.UsePTY {
		return c.runPTY(cmd, emit)
	}
	return c.runPipe(cmd, emit)
}

func (c *Command) runPipe(cmd *exec.Cmd, emit func(string)) (string, error) {
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start agent: %w", err)
	}
	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()
	out := collect(pr, emit)
	return out, exitError(<-waitErr)
}

func (c *Command) runPTY(cmd *exec.Cmd, emit func(string)) (string, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(c.cfg.Rows), Cols: uint16(c.cfg.Cols)})
	if err != nil {
		return "", fmt.Errorf("start agent pty: %w", err)
	}
	defer ptmx.Close()
	out := collect(ptyReader{ptmx}, emit)
	return out, exitError(cmd.Wait())
}

// ptyReader reports the EIO a pty master returns after the child exits as EOF.
type ptyReader struct{ r io.Reader }

func (p ptyReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func collect(r io.Reader, emit func(string)) string {
	var all strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		all.WriteString(line)
		all.WriteByte('\n')
		emit(line)
	}
	// Drain anything left after an over-long line so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
	return all.String()
}

func exitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("agent exited with status %d: %w", ee.ExitCode(), err)
	}
	return fmt.Errorf("agent: %w", err)
}
