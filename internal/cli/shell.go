package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

const shellPrompt = "docdb> "

var errShellFailures = errors.New("shell: commands failed")

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	cmd := &Command{
		Usage: "shell",
		Short: "Run commands interactively",
		Long: "Read commands line by line and run them against the same store.\n" +
			"On a terminal this is a line editor with history and tab completion;\n" +
			"otherwise commands are read from stdin and the exit code reports failures.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) > 0 {
			return cmd.usageErrorf("unexpected argument: %s", args[0])
		}

		if f, ok := a.in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return interactiveShell(ctx, a, o)
		}

		return scriptShell(ctx, a, o)
	}

	return cmd
}

// shellLine runs one line. It reports whether the shell should exit and
// whether the command failed.
func shellLine(ctx context.Context, a *app, o *IO, line string) (exit bool, failed bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return false, false
	}

	switch fields[0] {
	case "exit", "quit", "q":
		return true, false
	case "help", "?":
		for _, c := range shellCommands(a) {
			o.Println(c.HelpLine())
		}

		return false, false
	}

	// Fresh commands per line, so flag values do not leak between lines.
	cmd := findCommand(shellCommands(a), fields[0])
	if cmd == nil {
		o.ErrPrintln("error: unknown command:", fields[0])

		return false, true
	}

	return false, cmd.Run(ctx, o, fields[1:]) != 0
}

func shellCommands(a *app) []*Command {
	var cmds []*Command

	for _, c := range a.commands() {
		if c.Name() != "shell" {
			cmds = append(cmds, c)
		}
	}

	return cmds
}

func scriptShell(ctx context.Context, a *app, o *IO) error {
	if a.in == nil {
		return errNoInput
	}

	failures := 0
	scanner := bufio.NewScanner(a.in)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		exit, failed := shellLine(ctx, a, o, scanner.Text())
		if failed {
			failures++
		}

		if exit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	if failures > 0 {
		return fmt.Errorf("%w: %d", errShellFailures, failures)
	}

	return nil
}

func interactiveShell(ctx context.Context, a *app, o *IO) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var out []string

		for _, c := range shellCommands(a) {
			if strings.HasPrefix(c.Name(), prefix) {
				out = append(out, c.Name())
			}
		}

		return out
	})

	history := historyFile(a.env)
	if f, err := os.Open(history); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	defer saveHistory(line, history)

	o.Println("docdb shell on " + a.cfg.PathAbs + ". Type 'help' for commands.")

	for ctx.Err() == nil {
		input, err := line.Prompt(shellPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				o.Println()

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		if exit, _ := shellLine(ctx, a, o, input); exit {
			return nil
		}
	}

	return nil
}

// historyFile returns the path to the history file, or "" without a home.
func historyFile(env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".docdb_history")
}

func saveHistory(line *liner.State, path string) {
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = line.WriteHistory(f)
	_ = f.Close()
}
