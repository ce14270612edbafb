package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/calvinalkan/docdb/internal/records"

	flag "github.com/spf13/pflag"
)

// RoleCmd returns the role command group.
func RoleCmd(a *app) *Command {
	add := actorCmd(a, "add <role>", "Create a role", 1, func(actor string, args []string, now time.Time) (records.Mutator, string, error) {
		return records.CreateRole(actor, args[0], now), "created role " + args[0], nil
	})

	rename := actorCmd(a, "rename <old> <new>", "Rename a role and move its users", 2, func(actor string, args []string, now time.Time) (records.Mutator, string, error) {
		return records.RenameRole(actor, args[0], args[1], now), "renamed role " + args[0] + " to " + args[1], nil
	})

	del := actorCmd(a, "delete <role>", "Delete a role no user has", 1, func(actor string, args []string, now time.Time) (records.Mutator, string, error) {
		return records.DeleteRole(actor, args[0], now), "deleted role " + args[0], nil
	})

	list := &Command{
		Usage: "list",
		Short: "List roles",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			doc, err := a.read(ctx)
			if err != nil {
				return err
			}

			for _, r := range doc.Roles {
				o.Println(r)
			}

			return nil
		},
	}

	return Group("role", "Manage roles", add, rename, del, list)
}

// PatientCmd returns the patient command group.
func PatientCmd(a *app) *Command {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.String("name", "", "Patient name (required)")
	fs.String("contact", "", "Contact number (required)")
	fs.String("history", "", "Medical history (required)")
	fs.String("ward", "", "Ward (required)")
	fs.String("as", "", "Acting user (default $DOCDB_USER or $USER)")

	add := &Command{
		Flags: fs,
		Usage: "add [flags]",
		Short: "Admit a patient",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			name, _ := fs.GetString("name")
			contact, _ := fs.GetString("contact")
			history, _ := fs.GetString("history")
			ward, _ := fs.GetString("ward")

			req := records.NewPatient{Name: name, ContactNumber: contact, MedicalHistory: history, Ward: ward}

			var id int

			if _, err := a.update(ctx, records.CreatePatient(actor(a, fs), req, a.now(), &id)); err != nil {
				return err
			}

			o.Printf("%d\n", id)

			return nil
		},
	}

	del := actorCmd(a, "delete <id>", "Discharge a patient", 1, func(actor string, args []string, now time.Time) (records.Mutator, string, error) {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, "", fmt.Errorf("invalid patient id: %s", args[0])
		}

		return records.DeletePatient(actor, id, now), "deleted patient " + args[0], nil
	})

	list := &Command{
		Usage: "list",
		Short: "List patients",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			doc, err := a.read(ctx)
			if err != nil {
				return err
			}

			for _, p := range doc.Patients {
				o.Printf("%d\t%s\t%s\t%s\n", p.ID, p.Name, p.Ward, p.ContactNumber)
			}

			return nil
		},
	}

	return Group("patient", "Manage patients", add, del, list)
}

// FileCmd returns the file command group.
func FileCmd(a *app) *Command {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.String("title", "", "Title (required)")
	fs.String("desc", "", "Description")
	fs.String("as", "", "Uploader (default $DOCDB_USER or $USER)")

	add := &Command{
		Flags: fs,
		Usage: "add <filename> [flags]",
		Short: "Record an uploaded file",
		Long:  "Record an uploaded file and notify the administrators. The content is not stored.",
	}

	add.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return add.usageErrorf("expected exactly one filename")
		}

		title, _ := fs.GetString("title")
		desc, _ := fs.GetString("desc")

		req := records.NewFile{Title: title, Desc: desc, Filename: args[0], Uploader: actor(a, fs)}

		var f records.File

		if _, err := a.update(ctx, records.AddFile(req, a.now(), &f)); err != nil {
			return err
		}

		o.Println(f.ID)

		return nil
	}

	del := &Command{
		Usage: "delete <id>",
		Short: "Remove a file record",
	}

	del.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return del.usageErrorf("expected exactly one id")
		}

		var f records.File

		if _, err := a.update(ctx, records.DeleteFile(args[0], &f)); err != nil {
			return err
		}

		o.Println("deleted " + f.Filename)

		return nil
	}

	listFlags := flag.NewFlagSet("list", flag.ContinueOnError)
	listFlags.IntP("limit", "n", 10, "Maximum files to show")

	list := &Command{
		Flags: listFlags,
		Usage: "list [flags]",
		Short: "List files, newest first",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			limit, _ := listFlags.GetInt("limit")
			if limit < 0 {
				return errors.New("--limit must be non-negative")
			}

			doc, err := a.read(ctx)
			if err != nil {
				return err
			}

			for _, f := range doc.RecentFiles(limit) {
				o.Printf("%s\t%s\t%s\t%s\n", f.ID, f.Filename, f.Title, f.Uploader)
			}

			return nil
		},
	}

	return Group("file", "Manage file records", add, del, list)
}

// actorCmd builds a command that takes nargs positional arguments and an
// --as flag, and applies the mutator returned by build. build also returns
// the message printed on change.
func actorCmd(a *app, usage, short string, nargs int, build func(actor string, args []string, now time.Time) (records.Mutator, string, error)) *Command {
	fs := flag.NewFlagSet(usage, flag.ContinueOnError)
	fs.String("as", "", "Acting user (default $DOCDB_USER or $USER)")

	cmd := &Command{
		Flags: fs,
		Usage: usage + " [flags]",
		Short: short,
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != nargs {
			return cmd.usageErrorf("expected %d argument(s), got %d", nargs, len(args))
		}

		m, done, err := build(actor(a, fs), args, a.now())
		if err != nil {
			return err
		}

		changed, err := a.update(ctx, m)
		if err != nil {
			return err
		}

		printChanged(o, changed, done)

		return nil
	}

	return cmd
}
