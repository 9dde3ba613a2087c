package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/marmos91/sharebox/internal/cli/prompt"
	"github.com/marmos91/sharebox/pkg/registry"
	"github.com/marmos91/sharebox/pkg/server"
)

// Controller is the part of server.ShareboxServer driven by the console.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, confirm server.ConfirmFunc) error
	Running() bool
	Addr() net.Addr
	Sessions() []registry.Session
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	infoColor = color.New(color.FgCyan)
)

const consoleHelp = `Commands:
  start    Start accepting connections
  stop     Stop the server and drop every session
  status   Show the listener address and connected users
  quit     Stop the server and exit
  help     Show this help`

// Console is the interactive operator prompt of "sharebox start --console".
type Console struct {
	srv     Controller
	in      io.Reader
	out     io.Writer
	confirm server.ConfirmFunc
}

// NewConsole creates a console reading commands from in and writing to out.
// confirm is asked before stop or quit drops active sessions, and with 0
// before quit when nobody is connected.
func NewConsole(srv Controller, in io.Reader, out io.Writer, confirm server.ConfirmFunc) *Console {
	return &Console{srv: srv, in: in, out: out, confirm: confirm}
}

// Run reads commands until quit, end of input or ctx is cancelled.
//
// The reader goroutine waits for each command to finish before reading the
// next line, so a confirmation prompt owns the terminal while it runs.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	next := make(chan struct{})

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
			select {
			case <-next:
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if c.execute(ctx, strings.TrimSpace(line)) {
				return nil
			}
			select {
			case next <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *Console) execute(ctx context.Context, line string) bool {
	switch strings.ToLower(line) {
	case "":
	case "start":
		c.start(ctx)
	case "stop":
		c.stop(ctx)
	case "status":
		c.status()
	case "quit", "exit":
		return c.quit(ctx)
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	default:
		errColor.Fprintf(c.out, "Unknown command %q (type help)\n", line)
	}
	return false
}

func (c *Console) start(ctx context.Context) {
	if err := c.srv.Start(ctx); err != nil {
		if errors.Is(err, server.ErrAlreadyRunning) {
			warnColor.Fprintln(c.out, "Server is already running")
			return
		}
		errColor.Fprintf(c.out, "Start failed: %v\n", err)
		return
	}
	okColor.Fprintf(c.out, "Server listening on %s\n", c.srv.Addr())
}

// stop reports whether the server was stopped.
func (c *Console) stop(ctx context.Context) bool {
	if !c.srv.Running() {
		warnColor.Fprintln(c.out, "Server is not running")
		return true
	}

	err := c.srv.Stop(ctx, c.confirm)
	switch {
	case errors.Is(err, server.ErrStopCancelled):
		warnColor.Fprintln(c.out, "Stop cancelled")
		return false
	case err != nil:
		errColor.Fprintf(c.out, "Stop failed: %v\n", err)
		return false
	}
	okColor.Fprintln(c.out, "Server stopped")
	return true
}

// quit reports whether the console may exit. Quitting always asks once:
// with users connected the stop confirmation asks, otherwise confirm(0) does.
func (c *Console) quit(ctx context.Context) bool {
	if len(c.srv.Sessions()) == 0 && c.confirm != nil && !c.confirm(0) {
		warnColor.Fprintln(c.out, "Quit cancelled")
		return false
	}
	if !c.srv.Running() {
		return true
	}
	return c.stop(ctx)
}

func (c *Console) status() {
	if !c.srv.Running() {
		warnColor.Fprintln(c.out, "Server is stopped")
		return
	}

	okColor.Fprintf(c.out, "Server listening on %s\n", c.srv.Addr())
	sessions := c.srv.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No users connected")
		return
	}

	infoColor.Fprintf(c.out, "%d user(s) connected:\n", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(c.out, "  %-20s %-22s since %s\n",
			s.Username, s.RemoteAddr, s.ConnectedAt.Format(time.DateTime))
	}
}

// confirmStop asks the operator on the terminal before dropping sessions.
func confirmStop(activeSessions int) bool {
	label := "Are you sure"
	if activeSessions > 0 {
		label = fmt.Sprintf("%d user(s) connected. Stop anyway", activeSessions)
	}
	ok, err := prompt.Confirm(label, false)
	if err != nil {
		return false
	}
	return ok
}
