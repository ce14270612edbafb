package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/calvinalkan/docdb/internal/records"

	flag "github.com/spf13/pflag"
)

var errNoInput = errors.New("no input on stdin")

// UserCmd returns the user command group.
func UserCmd(a *app) *Command {
	return Group("user", "Manage user accounts",
		userAddCmd(a),
		userUpdateCmd(a),
		userDeleteCmd(a),
		userApproveCmd(a),
		userRejectCmd(a),
		userListCmd(a),
	)
}

func userAddCmd(a *app) *Command {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.StringP("password", "p", "", "Password (or use --password-stdin)")
	fs.Bool("password-stdin", false, "Read the password from the first line of stdin")
	fs.StringP("role", "r", records.RoleUser, "Role")
	fs.String("as", "", "Acting user (default $DOCDB_USER or $USER)")

	cmd := &Command{
		Flags: fs,
		Usage: "add <username> [flags]",
		Short: "Create an account",
		Long: "Create an account. Accounts created by an administrator (--as) are\n" +
			"active immediately; all others wait for approval and notify the administrators.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return cmd.usageErrorf("expected exactly one username")
		}

		password, err := passwordFlag(a, fs)
		if err != nil {
			return err
		}

		hash, err := records.HashPassword(password)
		if err != nil {
			return err
		}

		role, _ := fs.GetString("role")

		req := records.NewUser{
			Username:     args[0],
			PasswordHash: hash,
			Role:         role,
			CreatedBy:    actor(a, fs),
		}

		if _, err := a.update(ctx, records.CreateUser(req, a.now())); err != nil {
			return err
		}

		doc, err := a.read(ctx)
		if err != nil {
			return err
		}

		if u := doc.FindUser(req.Username); u != nil {
			o.Printf("%s %s %s\n", u.Username, u.Role, u.Status)
		}

		return nil
	}

	return cmd
}

func userUpdateCmd(a *app) *Command {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	fs.StringP("password", "p", "", "New password")
	fs.Bool("password-stdin", false, "Read the new password from the first line of stdin")
	fs.StringP("role", "r", "", "New role (default: unchanged)")
	fs.String("as", "", "Acting user (default $DOCDB_USER or $USER)")

	cmd := &Command{
		Flags: fs,
		Usage: "update <username> [flags]",
		Short: "Change an account's role or password",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return cmd.usageErrorf("expected exactly one username")
		}

		username := args[0]

		var hash string

		if fs.Changed("password") || fs.Changed("password-stdin") {
			password, err := passwordFlag(a, fs)
			if err != nil {
				return err
			}

			hash, err = records.HashPassword(password)
			if err != nil {
				return err
			}
		}

		role, _ := fs.GetString("role")
		by := actor(a, fs)

		// An empty role keeps the current one, looked up in the same transaction.
		update := func(d *records.Document) (bool, error) {
			r := role
			if r == "" {
				u := d.FindUser(username)
				if u == nil {
					return false, fmt.Errorf("%w: %s", records.ErrUserNotFound, username)
				}

				r = u.Role
			}

			return records.UpdateUser(by, username, r, hash, a.now())(d)
		}

		changed, err := a.update(ctx, update)
		if err != nil {
			return err
		}

		printChanged(o, changed, "updated "+username)

		return nil
	}

	return cmd
}

func userDeleteCmd(a *app) *Command {
	return userActionCmd(a, "delete", "Delete an account", "deleted", records.DeleteUser)
}

func userApproveCmd(a *app) *Command {
	return userActionCmd(a, "approve", "Activate a pending account", "approved", records.ApproveUser)
}

func userRejectCmd(a *app) *Command {
	return userActionCmd(a, "reject", "Reject a pending account", "rejected", records.RejectUser)
}

// userActionCmd builds a command applying mutator to one username.
func userActionCmd(a *app, name, short, done string, mutator func(actor, username string, now time.Time) records.Mutator) *Command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("as", "", "Acting user (default $DOCDB_USER or $USER)")

	cmd := &Command{
		Flags: fs,
		Usage: name + " <username> [flags]",
		Short: short,
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return cmd.usageErrorf("expected exactly one username")
		}

		changed, err := a.update(ctx, mutator(actor(a, fs), args[0], a.now()))
		if err != nil {
			return err
		}

		printChanged(o, changed, done+" "+args[0])

		return nil
	}

	return cmd
}

func userListCmd(a *app) *Command {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.Bool("pending", false, "Only accounts waiting for approval")

	return &Command{
		Flags: fs,
		Usage: "list [flags]",
		Short: "List accounts",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			doc, err := a.read(ctx)
			if err != nil {
				return err
			}

			users := doc.Users
			if pending, _ := fs.GetBool("pending"); pending {
				users = doc.PendingUsers()
			}

			for _, u := range users {
				o.Printf("%s %s %s\n", u.Username, u.Role, u.Status)
			}

			return nil
		},
	}
}

func actor(a *app, fs *flag.FlagSet) string {
	if as, _ := fs.GetString("as"); as != "" {
		return as
	}

	return a.defaultActor()
}

func passwordFlag(a *app, fs *flag.FlagSet) (string, error) {
	fromStdin, _ := fs.GetBool("password-stdin")
	if !fromStdin {
		password, _ := fs.GetString("password")

		return password, nil
	}

	return readLine(a.in)
}

func readLine(in io.Reader) (string, error) {
	if in == nil {
		return "", errNoInput
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading stdin: %w", err)
	}

	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errNoInput
	}

	return line, nil
}

// printChanged reports a mutation, or that the document already matched.
func printChanged(o *IO, changed bool, msg string) {
	if changed {
		o.Println(msg)

		return
	}

	o.Println("unchanged")
}
