// Package prompt implements console interaction for the interactive
// flows: the MFA code during registration and the first-run room
// assignment.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cms-fleet/cms-agent/internal/statestore"
)

// Console prompts on an interactive terminal.
type Console struct {
	in  *bufio.Reader
	out io.Writer
}

// NewConsole builds a prompter over the given streams, usually stdin and
// stdout.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// PromptMFA asks for a one-time code. An empty line cancels.
func (c *Console) PromptMFA() (string, bool) {
	fmt.Fprint(c.out, "Enter the MFA code for this device (leave blank to cancel): ")
	line, err := c.readLine()
	if err != nil || line == "" {
		return "", false
	}
	return line, true
}

// PromptRoom collects the first-run room assignment: room name and grid
// position. Invalid coordinates are re-prompted.
func (c *Console) PromptRoom() (statestore.RoomAssignment, error) {
	var r statestore.RoomAssignment
	for {
		fmt.Fprint(c.out, "Room name: ")
		name, err := c.readLine()
		if err != nil {
			return r, err
		}
		if name == "" {
			fmt.Fprintln(c.out, "The room name cannot be empty.")
			continue
		}
		r.Room = name
		break
	}

	x, err := c.promptCoordinate("Position X")
	if err != nil {
		return r, err
	}
	y, err := c.promptCoordinate("Position Y")
	if err != nil {
		return r, err
	}
	r.Position = statestore.Position{X: x, Y: y}
	return r, nil
}

// promptCoordinate reads a non-negative integer, re-prompting on bad
// input.
func (c *Console) promptCoordinate(label string) (int, error) {
	for {
		fmt.Fprintf(c.out, "%s: ", label)
		line, err := c.readLine()
		if err != nil {
			return 0, err
		}
		v, convErr := strconv.Atoi(line)
		if convErr != nil || v < 0 {
			fmt.Fprintf(c.out, "%s must be a non-negative integer.\n", label)
			continue
		}
		return v, nil
	}
}

func (c *Console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
