// Package clipboard mirrors clipboard text between host and guest through
// external clipboard tools (xclip, wl-copy and friends).
package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Source reads the local clipboard.
type Source interface {
	Get(ctx context.Context) (string, error)
}

// Sink replaces the local clipboard.
type Sink interface {
	Set(ctx context.Context, data string) error
}

// Runner runs argv with stdin and returns its stdout.
type Runner interface {
	Run(ctx context.Context, argv []string, stdin io.Reader) ([]byte, error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string, stdin io.Reader) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return out, fmt.Errorf("%s: %w", argv[0], err)
	}
	return out, nil
}

// Command is a Source and Sink backed by a read and a write command.
// The write command receives the data on stdin.
type Command struct {
	Read   []string
	Write  []string
	Runner Runner
}

func (c *Command) runner() Runner {
	if c.Runner == nil {
		return ExecRunner{}
	}
	return c.Runner
}

func (c *Command) Get(ctx context.Context) (string, error) {
	out, err := c.runner().Run(ctx, c.Read, nil)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *Command) Set(ctx context.Context, data string) error {
	_, err := c.runner().Run(ctx, c.Write, strings.NewReader(data))
	return err
}
