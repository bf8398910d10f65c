package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tasksync/internal/clock"
	"github.com/calvinalkan/tasksync/internal/connectivity"
)

// ErrNoProbeURL is returned by probe when no URL is configured or given.
var ErrNoProbeURL = errors.New("no probe URL (set probe_url or pass --url)")

// ProbeCmd returns the probe command.
func ProbeCmd() *Command {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.String("url", "", "Probe this `url` instead of probe_url")

	return &Command{
		Flags: fs,
		Usage: "probe [--url <url>]",
		Short: "Check whether the remote store is reachable",
		Long: `Run the reachability probe a sync client uses while offline, once.
Exits 1 when the remote store is unreachable.`,
		Exec: func(ctx context.Context, env *Env, _ []string) error {
			url, _ := fs.GetString("url")

			c := *env.Config
			if url != "" {
				c.ProbeURL = url
			}

			prober := c.Prober()
			if prober == nil {
				return ErrNoProbeURL
			}

			monitor := connectivity.New(connectivity.Options{
				Clock:    clock.NewReal(),
				Logger:   env.Logger,
				Prober:   prober,
				Interval: c.ProbeInterval.Std(),
			})

			if !monitor.Probe(ctx) {
				return fmt.Errorf("%s: %w", c.ProbeURL, connectivity.ErrUnreachable)
			}

			env.IO.Println("reachable", c.ProbeURL)

			return nil
		},
	}
}
