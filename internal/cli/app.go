package cli

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/calvinalkan/docdb/internal/config"
	"github.com/calvinalkan/docdb/internal/records"
	"github.com/calvinalkan/docdb/pkg/docdb"
)

// app is the state shared by the commands of one invocation (or one shell
// session).
type app struct {
	cfg config.Config
	log *slog.Logger
	in  io.Reader
	env map[string]string

	st        *docdb.Store[records.Document]
	recovered bool
}

func (a *app) commands() []*Command {
	return []*Command{
		ReadCmd(a),
		StatusCmd(a),
		RecoverCmd(a),
		UserCmd(a),
		RoleCmd(a),
		PatientCmd(a),
		FileCmd(a),
		NotifyCmd(a),
		InboxCmd(a),
		LogCmd(a),
		LoginCmd(a),
		LogoutCmd(a),
		WatchCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a),
	}
}

// rawStore opens the store without startup recovery, so lock diagnostics see
// the marker as it was left.
func (a *app) rawStore(ctx context.Context) (*docdb.Store[records.Document], error) {
	if a.st != nil {
		return a.st, nil
	}

	st, err := docdb.Open(ctx, docdb.Options[records.Document]{
		Path:         a.cfg.PathAbs,
		Default:      records.Default,
		Lock:         a.cfg.LockOptions(),
		Logger:       a.log,
		SkipRecovery: true,
	})
	if err != nil {
		return nil, err
	}

	a.st = st

	return st, nil
}

// store opens the store and runs startup recovery once per app.
func (a *app) store(ctx context.Context) (*docdb.Store[records.Document], error) {
	st, err := a.rawStore(ctx)
	if err != nil {
		return nil, err
	}

	if !a.recovered {
		a.recovered = true
		st.Recover(ctx)
	}

	return st, nil
}

// update runs m in a transaction on the store.
func (a *app) update(ctx context.Context, m records.Mutator) (bool, error) {
	st, err := a.store(ctx)
	if err != nil {
		return false, err
	}

	return st.Update(ctx, m)
}

func (a *app) read(ctx context.Context) (records.Document, error) {
	st, err := a.store(ctx)
	if err != nil {
		return records.Document{}, err
	}

	return st.Read(ctx)
}

// defaultActor is the name recorded in the activity log when --as is not
// given.
func (a *app) defaultActor() string {
	if u := a.env["DOCDB_USER"]; u != "" {
		return u
	}

	if u := a.env["USER"]; u != "" {
		return u
	}

	return "docdb"
}

func (a *app) now() time.Time {
	return time.Now()
}
