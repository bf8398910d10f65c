package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"
)

// ErrMutationIDRequired is returned by drop without arguments.
var ErrMutationIDRequired = errors.New("mutation ID is required")

// DropCmd returns the drop command.
func DropCmd() *Command {
	fs := flag.NewFlagSet("drop", flag.ContinueOnError)

	return &Command{
		Flags:    fs,
		OpensLog: true,
		Usage:    "drop <mutation-id>...",
		Short: "Remove mutations without replaying them",
		Long: `Remove one or more mutations from the queue. They are never sent to the
remote store. Local state already shows them, so the next snapshot from the
remote store reverts them.`,
		Exec: func(_ context.Context, env *Env, args []string) error {
			if len(args) == 0 {
				return ErrMutationIDRequired
			}

			for _, id := range args {
				err := env.Log.Remove(id)
				if err != nil {
					return fmt.Errorf("drop %s: %w", id, err)
				}

				env.IO.Println("Dropped", id)
			}

			return nil
		},
	}
}
