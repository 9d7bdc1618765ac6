package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/user/switchboard/internal/types"
)

// Dispatcher accepts inbound events, normally the orchestrator.
type Dispatcher interface {
	HandleInbound(event *types.InboundEvent, ch types.Channel)
}

// Channel is an interactive REPL surface on stdin/stdout, mainly for local
// use and debugging. All input shares one session.
type Channel struct {
	dispatch Dispatcher
	in       io.Reader
	out      io.Writer
	author   string
}

func New(dispatch Dispatcher) *Channel {
	return &Channel{dispatch: dispatch, in: os.Stdin, out: os.Stdout, author: "local"}
}

func (c *Channel) Name() string { return "terminal" }

// Run reads lines until EOF or ctx cancellation. "exit" and "quit" end the
// loop; everything else, control commands included, goes to the dispatcher.
func (c *Channel) Run(ctx context.Context) error {
	fmt.Fprintln(c.out, "switchboard: type a message, /stop to interrupt, /new for a fresh conversation, exit to quit")
	c.Reprompt()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "exit" || line == "quit" {
				return nil
			}
			if line == "" {
				c.Reprompt()
				continue
			}
			c.dispatch.HandleInbound(&types.InboundEvent{
				SessionKey: types.NewSessionKey("terminal", "local"),
				Channel:    "terminal",
				Target:     "local",
				Author:     c.author,
				At:         time.Now(),
				Content:    line,
			}, c)
		}
	}
}

func (c *Channel) CreateHandler(*types.InboundEvent) types.OutputHandler {
	return &handler{out: c.out}
}

// CustomPrompt tells the model its output lands in a plain terminal.
func (c *Channel) CustomPrompt() string {
	return "You are talking to a terminal. Answer in plain text without markdown tables or embedded images."
}

// Reprompt re-displays the input prompt after a response has been printed.
func (c *Channel) Reprompt() {
	fmt.Fprint(c.out, "> ")
}

// handler prints increments as they arrive; a message boundary becomes a
// blank line.
type handler struct {
	out io.Writer
}

func (h *handler) Relay(_ context.Context, text string) error {
	_, err := fmt.Fprint(h.out, text)
	return err
}

func (h *handler) EndMessage() {
	fmt.Fprintln(h.out)
}
