package cli

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/calvinalkan/docdb/internal/records"

	flag "github.com/spf13/pflag"
)

// NotifyCmd returns the notify command.
func NotifyCmd(a *app) *Command {
	fs := flag.NewFlagSet("notify", flag.ContinueOnError)
	fs.StringP("type", "t", "", "Notification type")
	fs.String("exclude", "", "Skip this administrator when fanning out")

	cmd := &Command{
		Flags: fs,
		Usage: "notify <user> <message...> [flags]",
		Short: "Send a notification",
		Long: "Send a notification to a user. The target \"Administrator\" sends it to\n" +
			"every administrator.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) < 2 {
			return cmd.usageErrorf("expected a user and a message")
		}

		typ, _ := fs.GetString("type")
		exclude, _ := fs.GetString("exclude")
		message := strings.Join(args[1:], " ")

		changed, err := a.update(ctx, records.Notify(args[0], typ, message, exclude, a.now()))
		if err != nil {
			return err
		}

		if !changed {
			o.Warn("notification not delivered", "no administrator to send it to")

			return nil
		}

		o.Println("sent")

		return nil
	}

	return cmd
}

// InboxCmd returns the inbox command.
func InboxCmd(a *app) *Command {
	fs := flag.NewFlagSet("inbox", flag.ContinueOnError)
	fs.String("read", "", "Mark notification `id` as read")
	fs.Bool("read-all", false, "Mark all notifications as read")
	fs.String("delete", "", "Delete notification `id`")
	fs.Bool("unread", false, "Only list unread notifications")

	cmd := &Command{
		Flags: fs,
		Usage: "inbox <user> [flags]",
		Short: "List or update a user's notifications",
		Long:  "List a user's notifications, newest first, or mark and delete them.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return cmd.usageErrorf("expected exactly one user")
		}

		user := args[0]
		readID, _ := fs.GetString("read")
		readAll, _ := fs.GetBool("read-all")
		deleteID, _ := fs.GetString("delete")

		var m records.Mutator

		switch {
		case readID != "":
			m = records.MarkNotificationRead(readID, user)
		case readAll:
			m = records.MarkAllNotificationsRead(user)
		case deleteID != "":
			m = records.DeleteNotification(deleteID)
		}

		if m != nil {
			changed, err := a.update(ctx, m)
			if err != nil {
				return err
			}

			printChanged(o, changed, "updated")

			return nil
		}

		doc, err := a.read(ctx)
		if err != nil {
			return err
		}

		unread, _ := fs.GetBool("unread")

		for _, n := range doc.NotificationsFor(user) {
			if unread && n.Read {
				continue
			}

			mark := " "
			if !n.Read {
				mark = "*"
			}

			ts := time.UnixMilli(n.Timestamp).UTC().Format(time.RFC3339)
			o.Printf("%s %s %s %s %s\n", mark, n.ID, ts, n.Type, n.Message)
		}

		return nil
	}

	return cmd
}

// LogCmd returns the log command.
func LogCmd(a *app) *Command {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.String("as", "", "Acting user (default $DOCDB_USER or $USER)")
	fs.IntP("tail", "n", 0, "Print the last `n` entries instead of logging")

	cmd := &Command{
		Flags: fs,
		Usage: "log <action> [details...] [flags]",
		Short: "Append to or print the activity log",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if fs.Changed("tail") {
			n, _ := fs.GetInt("tail")
			if n < 0 {
				return errors.New("--tail must be non-negative")
			}

			doc, err := a.read(ctx)
			if err != nil {
				return err
			}

			entries := doc.ActivityLog[max(0, len(doc.ActivityLog)-n):]
			for _, e := range entries {
				ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
				o.Printf("%s %s %s: %s\n", ts, e.User, e.Action, e.Details)
			}

			return nil
		}

		if len(args) == 0 {
			return cmd.usageErrorf("expected an action")
		}

		details := strings.Join(args[1:], " ")
		who, now := actor(a, fs), a.now()

		m := records.Chain(
			records.LogActivity(who, args[0], details, now),
			records.Touch(who, now),
		)

		if _, err := a.update(ctx, m); err != nil {
			return err
		}

		o.Println("logged")

		return nil
	}

	return cmd
}

// LoginCmd returns the login command.
func LoginCmd(a *app) *Command {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.StringP("password", "p", "", "Password")
	fs.Bool("password-stdin", false, "Read the password from the first line of stdin")

	cmd := &Command{
		Flags: fs,
		Usage: "login <username> [flags]",
		Short: "Make a user the active user",
		Long: "Make a user the active user. Fails while another user was active within\n" +
			"the configured max_idle.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return cmd.usageErrorf("expected exactly one username")
		}

		password, err := passwordFlag(a, fs)
		if err != nil {
			return err
		}

		maxIdle := time.Duration(a.cfg.MaxIdle)

		if _, err := a.update(ctx, records.Login(args[0], password, maxIdle, a.now())); err != nil {
			return err
		}

		o.Println("logged in " + args[0])

		return nil
	}

	return cmd
}

// LogoutCmd returns the logout command.
func LogoutCmd(a *app) *Command {
	cmd := &Command{
		Usage: "logout <username>",
		Short: "Clear the active user",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return cmd.usageErrorf("expected exactly one username")
		}

		changed, err := a.update(ctx, records.Logout(args[0]))
		if err != nil {
			return err
		}

		printChanged(o, changed, "logged out "+args[0])

		return nil
	}

	return cmd
}
