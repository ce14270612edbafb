package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/calvinalkan/docdb/internal/records"

	flag "github.com/spf13/pflag"
)

// WatchCmd returns the watch command.
func WatchCmd(a *app) *Command {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.IntP("count", "n", 0, "Exit after `n` changes (0 = until interrupted)")

	cmd := &Command{
		Flags: fs,
		Usage: "watch [flags]",
		Short: "Print a summary whenever the document changes",
		Long: "Print a one-line summary of the document, then another one each time\n" +
			"another process commits a change. Stops on interrupt.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) > 0 {
			return cmd.usageErrorf("unexpected argument: %s", args[0])
		}

		count, _ := fs.GetInt("count")
		if count < 0 {
			return errors.New("--count must be non-negative")
		}

		return watch(ctx, a, o, count)
	}

	return cmd
}

func watch(ctx context.Context, a *app, o *IO, count int) error {
	st, err := a.store(ctx)
	if err != nil {
		return err
	}

	doc, err := st.Read(ctx)
	if err != nil {
		return err
	}

	last, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}

	o.Println(summary(doc))

	// Commits replace the file, so watch the directory rather than the inode.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	path := filepath.Clean(st.Path())

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	a.log.DebugContext(ctx, "Watching document", "path", path)

	seen := 0

	for count == 0 || seen < count {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != path || (!event.Has(fsnotify.Create) && !event.Has(fsnotify.Write)) {
				continue
			}

			doc, err := st.Read(ctx)
			if err != nil {
				a.log.WarnContext(ctx, "Reading changed document failed", "path", path, "error", err)

				continue
			}

			cur, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("encoding json: %w", err)
			}

			// One commit can raise several events.
			if string(cur) == string(last) {
				continue
			}

			last = cur
			seen++

			o.Println(summary(doc))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			a.log.WarnContext(ctx, "Error watching document", "path", path, "error", err)
		}
	}

	return nil
}

func summary(doc records.Document) string {
	active := "-"
	if doc.ActiveUser != nil {
		active = *doc.ActiveUser
	}

	return fmt.Sprintf("users=%d roles=%d patients=%d notifications=%d files=%d activity=%d active=%s",
		len(doc.Users), len(doc.Roles), len(doc.Patients), len(doc.Notifications),
		len(doc.Files), len(doc.ActivityLog), active)
}
