package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/calvinalkan/docdb/internal/config"

	flag "github.com/spf13/pflag"
)

var errDBEmpty = errors.New("--db cannot be empty")

// Run is the main entry point. Returns exit code.
//
// A signal on sigCh cancels the running command; lock waits return early
// and a held lock is released before exit.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := newGlobalFlags()

	// Commands read a.cfg and a.log only when they execute.
	a := &app{in: in, env: env}
	commands := a.commands()

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.fs.Parse(args)
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals.fs, commands)

		return 1
	}

	if errors.Is(err, flag.ErrHelp) || globals.help {
		printUsage(out, globals.fs, commands)

		return 0
	}

	if globals.fs.Changed("db") && globals.db == "" {
		fprintln(errOut, "error:", errDBEmpty)
		fprintln(errOut)
		printUsage(errOut, globals.fs, commands)

		return 1
	}

	cfg, err := config.Load(config.Input{
		WorkDirOverride: globals.workDir,
		ConfigPath:      globals.configPath,
		Overrides:       config.Config{Path: globals.db, Stale: config.Duration(globals.stale)},
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	a.cfg = cfg
	a.log = newLogger(errOut, globals.level())

	rest := globals.fs.Args()
	if len(rest) == 0 || rest[0] == "help" {
		printUsage(out, globals.fs, commands)

		return 0
	}

	cmd := findCommand(commands, rest[0])
	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		fprintln(errOut)
		printUsage(errOut, globals.fs, commands)

		return 1
	}

	o := NewIO(out, errOut)

	code := cmd.Run(ctx, o, rest[1:])

	// Warnings are printed even when the command failed.
	if finish := o.Finish(); code == 0 {
		code = finish
	}

	return code
}

type globalFlags struct {
	fs         *flag.FlagSet
	workDir    string
	configPath string
	db         string
	stale      time.Duration
	verbose    bool
	quiet      bool
	help       bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{fs: flag.NewFlagSet("docdb", flag.ContinueOnError)}

	g.fs.SetInterspersed(false)
	g.fs.SetOutput(&strings.Builder{})
	g.fs.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	g.fs.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	g.fs.StringVar(&g.db, "db", "", "Document `path` (overrides config)")
	g.fs.DurationVar(&g.stale, "stale", 0, "Lock staleness threshold (default 30s)")
	g.fs.BoolVarP(&g.verbose, "verbose", "v", false, "Log lock and store activity")
	g.fs.BoolVarP(&g.quiet, "quiet", "q", false, "Log errors only")
	g.fs.BoolVarP(&g.help, "help", "h", false, "Show help")

	return g
}

func (g *globalFlags) level() slog.Level {
	switch {
	case g.verbose:
		return slog.LevelDebug
	case g.quiet:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// newLogger logs to errOut through tint, coloured only on a terminal.
func newLogger(errOut io.Writer, level slog.Level) *slog.Logger {
	w, noColor := errOut, true

	if f, ok := errOut.(*os.File); ok {
		w, noColor = colorable.NewColorable(f), !isatty.IsTerminal(f.Fd())
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Drop empty values.
			if len(groups) == 0 && a.Value.Kind() == slog.KindString && a.Value.String() == "" {
				return slog.Attr{}
			}

			return a
		},
	}))
}

func findCommand(commands []*Command, name string) *Command {
	for _, c := range commands {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	fprintln(w, `docdb - shared JSON document store

Usage: docdb [global flags] <command> [args]

Global flags:`)

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}

	fprintln(w)
	fprintln(w, `Run "docdb <command> --help" for command flags.`)
}
