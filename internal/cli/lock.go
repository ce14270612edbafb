package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calvinalkan/docdb/pkg/lockfile"
)

var errRecoveryFailed = errors.New("recovery failed")

// StatusCmd returns the status command.
func StatusCmd(a *app) *Command {
	cmd := &Command{
		Usage: "status",
		Short: "Show the lock state of the document",
		Long: "Show whether the document lock is held, by whom and for how long.\n" +
			"Does not acquire the lock or run recovery.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) > 0 {
			return cmd.usageErrorf("unexpected argument: %s", args[0])
		}

		st, err := a.rawStore(ctx)
		if err != nil {
			return err
		}

		info, err := st.LockStatus()
		if err != nil {
			return err
		}

		opts := st.LockOptions()

		o.Println("path=" + st.Path())
		o.Println("lock=" + info.State.String())

		if info.State != lockfile.StateAbsent {
			o.Println("age=" + info.Age.Round(time.Millisecond).String())
			o.Println("stale_after=" + opts.Stale.String())
		}

		if info.Owner != nil {
			o.Printf("owner_pid=%d\n", info.Owner.PID)
			o.Println("owner_host=" + info.Owner.Hostname)
			o.Println("owner_since=" + info.Owner.CreatedAt.Format(time.RFC3339))
		}

		if info.State == lockfile.StateStale {
			o.Warn("lock marker is stale", "run 'docdb recover' or let the next writer reclaim it")
		}

		return nil
	}

	return cmd
}

// RecoverCmd returns the recover command.
func RecoverCmd(a *app) *Command {
	cmd := &Command{
		Usage: "recover",
		Short: "Clear a lock left by a crashed process",
		Long: "Run startup recovery: a stale or unreadable lock marker is removed,\n" +
			"a fresh one is left alone. Every other command does this on first use.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) > 0 {
			return cmd.usageErrorf("unexpected argument: %s", args[0])
		}

		st, err := a.rawStore(ctx)
		if err != nil {
			return err
		}

		outcome := st.Recover(ctx)
		a.recovered = true

		o.Println("recovery=" + outcome.String())

		switch outcome {
		case lockfile.OutcomeFailed:
			return fmt.Errorf("%w: see log for details", errRecoveryFailed)
		case lockfile.OutcomeHeld:
			o.Warn("lock is held by a live process", "retry once it finishes, or wait until the lock goes stale")
		case lockfile.OutcomeForced:
			o.Warn("removed a lock marker in an unknown state", "check the document with 'docdb read'")
		}

		return nil
	}

	return cmd
}
