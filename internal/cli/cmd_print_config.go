package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tasksync/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd() *Command {
	fs := flag.NewFlagSet("print-config", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, env *Env, _ []string) error {
			return execPrintConfig(env.IO, env.Config)
		},
	}
}

func execPrintConfig(io *IO, cfg *config.Config) error {
	io.Println("effective_cwd=" + cfg.EffectiveCwd)
	io.Println("data_dir=" + cfg.DataDirAbs)
	io.Println("queue_backend=" + cfg.QueueBackend)
	io.Println("queue_path=" + cfg.LogPath())
	io.Println("collection=" + cfg.Collection)

	if cfg.Scope != "" {
		io.Println("scope=" + cfg.Scope)
	}

	io.Println("max_attempts=" + strconv.Itoa(cfg.MaxAttempts))
	io.Println("subscription_max_retries=" + strconv.Itoa(cfg.SubscriptionMaxRetries))
	io.Println("subscription_base_delay=" + cfg.SubscriptionBaseDelay.Std().String())
	io.Println("probe_interval=" + cfg.ProbeInterval.Std().String())

	if cfg.ProbeURL != "" {
		io.Println("probe_url=" + cfg.ProbeURL)
	}

	io.Println("failure_retention=" + strconv.Itoa(cfg.FailureRetention))

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			io.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
