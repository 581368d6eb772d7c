// Package console runs the line-oriented command interpreter that drives a
// recording session from a terminal.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/burpheart/proxycord/internal/recording"
)

// TimeFormat is how step timestamps are listed.
const TimeFormat = "2006/01/02-15:04:05.000"

const prompt = "Enter a command> "

// Controller is what the console commands act on.
type Controller interface {
	Mark(label string) recording.Step
	Drop(n int) int
	List(n int) []recording.Step
	Stop()
}

type command func(c *Console, args []string) (done bool)

var commandNames = []string{"drop", "help", "list", "mark", "quit"}

var commands = map[string]command{
	"mark": (*Console).mark,
	"drop": (*Console).drop,
	"list": (*Console).list,
	"quit": (*Console).quit,
	"help": (*Console).help,
}

// Console reads commands line by line.
type Console struct {
	ctrl   Controller
	in     io.Reader
	out    io.Writer
	logger *zap.Logger

	faint *color.Color
}

// New returns a console reading from in and writing to out.
func New(ctrl Controller, in io.Reader, out io.Writer, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		ctrl:   ctrl,
		in:     in,
		out:    out,
		logger: logger,
		faint:  color.New(color.FgHiBlack),
	}
}

// Run interprets commands until quit, the end of the input or ctx is done.
// Only quit stops the controller; reaching the end of the input leaves the
// session running.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(c.out, prompt)

		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			fmt.Fprintln(c.out)
			if err != nil {
				return fmt.Errorf("read command: %w", err)
			}
			c.logger.Debug("console input closed")
			return nil
		case line := <-lines:
			if c.Exec(line) {
				return nil
			}
		}
	}
}

// Exec runs one command line and reports whether the console should end.
// Unknown commands print the help.
func (c *Console) Exec(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	cmd, ok := commands[args[0]]
	if !ok {
		cmd = (*Console).help
	}
	return cmd(c, args)
}

func (c *Console) mark(args []string) bool {
	label := ""
	if len(args) > 1 {
		label = strings.Join(args[1:], " ")
	}
	step := c.ctrl.Mark(label)
	fmt.Fprintln(c.out, step)
	return false
}

func (c *Console) drop(args []string) bool {
	n := 1
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			fmt.Fprintf(c.out, "drop: invalid count %q\n", args[1])
			return false
		}
		n = v
	}
	fmt.Fprintf(c.out, "Dropped %d step(s)\n", c.ctrl.Drop(n))
	return false
}

func (c *Console) list(args []string) bool {
	n := 0
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			fmt.Fprintf(c.out, "list: invalid count %q\n", args[1])
			return false
		}
		n = v
	}
	c.PrintSteps(c.ctrl.List(n))
	return false
}

func (c *Console) quit([]string) bool {
	c.ctrl.Stop()
	return true
}

func (c *Console) help([]string) bool {
	fmt.Fprintf(c.out, "Available commands are: %s\n", strings.Join(commandNames, ", "))
	return false
}

// PrintSteps lists steps with negative indices counting back from the most
// recent one, which is -1.
func (c *Console) PrintSteps(steps []recording.Step) {
	for i, step := range steps {
		fmt.Fprintf(c.out, "%3d (%s): %s\n",
			i-len(steps),
			c.faint.Sprint(step.ObservedAt().Format(TimeFormat)),
			step)
	}
}
