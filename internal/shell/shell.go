// Package shell is the interactive taskmasterctl client.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/CZERTAINLY/taskmaster/internal/control"
	"github.com/CZERTAINLY/taskmaster/internal/service"
)

const Prompt = "taskmaster> "

// Doer sends one request and waits for its response. *control.Client is one.
type Doer interface {
	Do(ctx context.Context, req control.Request) (control.Response, error)
}

type command struct {
	name        string
	arg         string
	description string
}

var commands = []command{
	{"status", "", "Show status of all services"},
	{"start", "<service>", "Start a service"},
	{"stop", "<service>", "Stop a service"},
	{"restart", "<service>", "Restart a service"},
	{"reload", "", "Reload configuration"},
	{"exit", "", "Shutdown the server"},
	{"help", "", "Show this help"},
	{"quit", "", "Exit the client"},
}

// Help lists the available commands.
func Help() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range commands {
		usage := c.name
		if c.arg != "" {
			usage += " " + c.arg
		}
		fmt.Fprintf(&b, "  %-20s- %s\n", usage, c.description)
	}
	return b.String()
}

// Parse turns a line into a request for the daemon. Local commands (help,
// quit), unknown commands and missing service names are not requests.
func Parse(input string) (control.Request, bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return control.Request{}, false
	}
	req := control.Request{Type: control.Command(strings.ToLower(fields[0]))}
	if req.Type.NeedsService() {
		if len(fields) < 2 {
			return control.Request{}, false
		}
		req.Service = fields[1]
	}
	return req, req.Type.Valid()
}

// Format renders a response for a human.
func Format(resp control.Response) string {
	if !resp.Success {
		return "Error: " + resp.Error
	}

	var err error
	switch resp.Type {
	case control.CommandStart, control.CommandRestart:
		var s service.Summary
		if s, err = control.Decode[service.Summary](resp); err == nil {
			return fmt.Sprintf("Service '%s' (%d instance(s))", s.Name, s.Instances)
		}
	case control.CommandStop:
		var name string
		if name, err = control.Decode[string](resp); err == nil {
			return fmt.Sprintf("Service '%s' stopped", name)
		}
	case control.CommandReload:
		var r service.ReloadResult
		if r, err = control.Decode[service.ReloadResult](resp); err == nil {
			return formatReload(r)
		}
	case control.CommandStatus, control.CommandExit:
		var s string
		if s, err = control.Decode[string](resp); err == nil {
			return strings.TrimRight(s, "\n")
		}
	default:
		return string(resp.Data)
	}
	return "Error: " + err.Error()
}

func formatReload(r service.ReloadResult) string {
	if r.Empty() {
		return "No changes"
	}
	var lines []string
	if len(r.Removed) > 0 {
		lines = append(lines, "Removed: "+strings.Join(r.Removed, ", "))
	}
	if len(r.Modified) > 0 {
		lines = append(lines, "Modified: "+strings.Join(r.Modified, ", "))
	}
	if len(r.Added) > 0 {
		lines = append(lines, "Added: "+strings.Join(r.Added, ", "))
	}
	return strings.Join(lines, "\n")
}

// Shell executes operator commands against a daemon.
type Shell struct {
	client Doer
	out    io.Writer
	// History is an optional file keeping the line history between sessions.
	History string

	mx       sync.Mutex
	services []string
}

func New(client Doer, out io.Writer) *Shell {
	return &Shell{client: client, out: out}
}

// Exec runs one line. It reports whether the client should end, which is
// after quit or after the daemon acknowledged exit. An error means the
// connection is gone.
func (s *Shell) Exec(ctx context.Context, input string) (bool, error) {
	input = strings.TrimSpace(input)
	switch strings.ToLower(input) {
	case "":
		return false, nil
	case "help":
		fmt.Fprint(s.out, Help())
		return false, nil
	case "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true, nil
	}

	req, ok := Parse(input)
	if !ok {
		fmt.Fprintf(s.out, "Unknown command: %s. Type 'help' for available commands.\n", input)
		return false, nil
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return true, err
	}
	fmt.Fprintln(s.out, Format(resp))

	switch {
	case req.Type == control.CommandExit && resp.Success:
		return true, nil
	case req.Type == control.CommandStatus && resp.Success:
		if report, err := control.Decode[string](resp); err == nil {
			s.learn(ctx, report)
		}
	case req.Type == control.CommandReload && resp.Success:
		s.Refresh(ctx)
	}
	return false, nil
}

// Refresh asks the daemon for its services, used for completion.
func (s *Shell) Refresh(ctx context.Context) {
	resp, err := s.client.Do(ctx, control.Request{Type: control.CommandStatus})
	if err != nil {
		slog.DebugContext(ctx, "refreshing services failed", "error", err)
		return
	}
	report, err := control.Decode[string](resp)
	if err != nil {
		slog.DebugContext(ctx, "refreshing services failed", "error", err)
		return
	}
	s.learn(ctx, report)
}

func (s *Shell) learn(ctx context.Context, report string) {
	states, err := service.ParseStatus(report)
	if err != nil {
		slog.DebugContext(ctx, "unexpected status report", "error", err)
		return
	}
	var names []string
	for _, st := range states {
		if !slices.Contains(names, st.Service) {
			names = append(names, st.Service)
		}
	}
	s.mx.Lock()
	s.services = names
	s.mx.Unlock()
}

// Complete returns candidate lines for line: command names for the first
// word, service names for the argument of start, stop and restart.
func (s *Shell) Complete(line string) []string {
	fields := strings.Fields(line)
	trailing := strings.HasSuffix(line, " ")

	var ret []string
	switch {
	case len(fields) == 0 || (len(fields) == 1 && !trailing):
		prefix := ""
		if len(fields) == 1 {
			prefix = strings.ToLower(fields[0])
		}
		for _, c := range commands {
			if strings.HasPrefix(c.name, prefix) {
				ret = append(ret, c.name)
			}
		}
	case len(fields) == 1 || (len(fields) == 2 && !trailing):
		if !control.Command(strings.ToLower(fields[0])).NeedsService() {
			return nil
		}
		prefix := ""
		if len(fields) == 2 {
			prefix = fields[1]
		}
		s.mx.Lock()
		defer s.mx.Unlock()
		for _, name := range s.services {
			if strings.HasPrefix(name, prefix) {
				ret = append(ret, fields[0]+" "+name)
			}
		}
	}
	return ret
}

// Run is the read-eval-print loop on the terminal. It returns nil after quit,
// exit, Ctrl-C or end of input.
func (s *Shell) Run(ctx context.Context) error {
	s.Refresh(ctx)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(s.Complete)
	s.readHistory(line)
	defer s.writeHistory(line)

	for {
		input, err := line.Prompt(Prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			return err
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		quit, err := s.Exec(ctx, input)
		if err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}
		if quit {
			return nil
		}
	}
}

func (s *Shell) readHistory(line *liner.State) {
	if s.History == "" {
		return
	}
	f, err := os.Open(s.History)
	if err != nil {
		return
	}
	defer func() {
		_ = f.Close()
	}()
	_, _ = line.ReadHistory(f)
}

func (s *Shell) writeHistory(line *liner.State) {
	if s.History == "" {
		return
	}
	f, err := os.Create(s.History)
	if err != nil {
		slog.Debug("writing shell history failed", "error", err)
		return
	}
	defer func() {
		_ = f.Close()
	}()
	_, _ = line.WriteHistory(f)
}
