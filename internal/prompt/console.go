// Package prompt asks the operator for login answers on the console.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

// Console implements relay.Prompter over a line reader. Passwords are read
// without echo when the input is a terminal.
type Console struct {
	in  *bufio.Reader
	out io.Writer
	log logx.Logger

	// termFD is the terminal file descriptor, or -1 when input is not a terminal.
	termFD int

	mu sync.Mutex
}

var _ relay.Prompter = (*Console)(nil)

// NewConsole prompts on stdout and reads stdin.
func NewConsole(log logx.Logger) *Console {
	c := New(os.Stdin, os.Stdout, log)
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		c.termFD = fd
	}
	return c
}

// New builds a prompter over arbitrary streams (no terminal handling).
func New(in io.Reader, out io.Writer, log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{in: bufio.NewReader(in), out: out, log: log, termFD: -1}
}

func (c *Console) Phone(ctx context.Context) (string, error) {
	return c.ask(ctx, "Enter your phone number: ", false)
}

func (c *Console) Code(ctx context.Context) (string, error) {
	return c.ask(ctx, "Enter the code you received: ", false)
}

func (c *Console) Password(ctx context.Context) (string, error) {
	return c.ask(ctx, "Enter your 2FA password: ", true)
}

func (c *Console) LoginError(err error) {
	c.log.Warn("login failed", logx.Err(err))
	c.mu.Lock()
	fmt.Fprintf(c.out, "Login failed: %v\n", err)
	c.mu.Unlock()
}

// ask prints question and returns one line. EOF or a cancelled context
// aborts the login.
func (c *Console) ask(ctx context.Context, question string, secret bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", errors.Join(relay.ErrLoginAborted, err)
	}
	fmt.Fprint(c.out, question)

	type answer struct {
		s   string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		s, err := c.readLine(secret)
		ch <- answer{s, err}
	}()

	select {
	case <-ctx.Done():
		// the pending read is left behind; stdin is only read during login
		return "", errors.Join(relay.ErrLoginAborted, ctx.Err())
	case a := <-ch:
		if a.err != nil {
			if errors.Is(a.err, io.EOF) {
				return "", relay.ErrLoginAborted
			}
			return "", a.err
		}
		return a.s, nil
	}
}

func (c *Console) readLine(secret bool) (string, error) {
	if secret && c.termFD >= 0 {
		b, err := term.ReadPassword(c.termFD)
		fmt.Fprintln(c.out)
		return string(b), err
	}
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
