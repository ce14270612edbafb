package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command defines a CLI command with unified help generation.
type Command struct {
	// Flags defines command-specific flags.
	// The FlagSet name is not used - command identity comes from Usage.
	Flags *flag.FlagSet

	// Usage is the freeform usage string shown after "docdb" in help.
	// Includes the command name and arguments/flags.
	// Examples: "read [flags]", "user add <username> [flags]", "status"
	Usage string

	// Short is a one-line description for the global help listing.
	Short string

	// Long is the full description shown in command help.
	// If empty, Short is used instead.
	Long string

	// Exec runs the command after flags are parsed.
	Exec func(ctx context.Context, o *IO, args []string) error

	// parent is the group name for subcommands ("user" for "user add").
	parent string
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine returns the short help line for the main usage display.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-30s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help output for "docdb <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	usage := c.Usage
	if c.parent != "" {
		usage = c.parent + " " + usage
	}

	o.Println("Usage: docdb", usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command. Returns exit code.
// Handles error printing internally for consistent output ordering.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	err := c.exec(ctx, o, args)
	if err == nil {
		return 0
	}

	o.ErrPrintln("error:", err)

	var uerr *usageError
	if errors.As(err, &uerr) {
		o.ErrPrintln()
		uerr.cmd.PrintHelp(o.stderr())
	}

	return 1
}

// usageError is a flag or argument error; its command's help is printed
// after the message.
type usageError struct {
	cmd *Command
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func (c *Command) exec(ctx context.Context, o *IO, args []string) error {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}

	c.Flags.SetOutput(&strings.Builder{}) // discard pflag output

	err := c.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)
			return nil
		}

		return &usageError{cmd: c, err: err}
	}

	return c.Exec(ctx, o, c.Flags.Args())
}

// usageErrorf returns an error that prints c's help after the message.
func (c *Command) usageErrorf(format string, a ...any) error {
	return &usageError{cmd: c, err: fmt.Errorf(format, a...)}
}

// Group returns a command that dispatches its first argument to one of subs.
func Group(name, short string, subs ...*Command) *Command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetInterspersed(false)

	var long strings.Builder

	long.WriteString(short)
	long.WriteString("\n\nCommands:")

	names := make([]string, 0, len(subs))

	for _, sub := range subs {
		sub.parent = name
		names = append(names, sub.Name())
		long.WriteString("\n" + sub.HelpLine())
	}

	group := &Command{
		Flags: fs,
		Usage: name + " <" + strings.Join(names, "|") + ">",
		Short: short,
		Long:  long.String(),
	}

	group.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) == 0 {
			return group.usageErrorf("%s: subcommand required", name)
		}

		for _, sub := range subs {
			if sub.Name() == args[0] {
				return sub.exec(ctx, o, args[1:])
			}
		}

		return group.usageErrorf("%s: unknown subcommand: %s", name, args[0])
	}

	return group
}
