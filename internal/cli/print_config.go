package cli

import "context"

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			execPrintConfig(o, a)

			return nil
		},
	}
}

func execPrintConfig(o *IO, a *app) {
	cfg := a.cfg
	lock := cfg.LockOptions()

	o.Println("effective_cwd=" + cfg.EffectiveCwd)
	o.Println("path=" + cfg.PathAbs)

	if cfg.Stale != 0 {
		o.Println("stale=" + cfg.Stale.String())
	}

	if cfg.Update != 0 {
		o.Println("update=" + cfg.Update.String())
	}

	o.Printf("retries=%d\n", lock.Retry.Retries)
	o.Printf("retry_factor=%g\n", lock.Retry.Factor)
	o.Println("retry_min_wait=" + lock.Retry.MinWait.String())

	if lock.Retry.MaxWait != 0 {
		o.Println("retry_max_wait=" + lock.Retry.MaxWait.String())
	}

	o.Println("max_idle=" + cfg.MaxIdle.String())

	o.Println("")
	o.Println("# sources")

	src := cfg.Sources
	if src.Global == "" && src.Project == "" && src.DotEnv == "" {
		o.Println("(defaults only)")

		return
	}

	if src.Global != "" {
		o.Println("global_config=" + src.Global)
	}

	if src.Project != "" {
		o.Println("project_config=" + src.Project)
	}

	if src.DotEnv != "" {
		o.Println("dotenv=" + src.DotEnv)
	}
}
