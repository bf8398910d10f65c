package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tasksync/internal/queue"
)

// ErrCompactUnsupported is returned by compact for a backend without
// compaction.
var ErrCompactUnsupported = errors.New("queue backend does not support compaction")

// CompactCmd returns the compact command.
func CompactCmd() *Command {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)

	return &Command{
		Flags:    fs,
		OpensLog: true,
		Usage:    "compact",
		Short:    "Reclaim space held by replayed mutations",
		Long: `Rewrite the durable queue so it holds only pending mutations. The file
backend also compacts on its own once removed records outnumber live ones.`,
		Exec: func(_ context.Context, env *Env, _ []string) error {
			c, ok := env.Log.(queue.Compacter)
			if !ok {
				return fmt.Errorf("%s: %w", env.Config.QueueBackend, ErrCompactUnsupported)
			}

			err := c.Compact()
			if err != nil {
				return err
			}

			env.IO.Println("Compacted", env.Config.LogPath())

			return nil
		},
	}
}
