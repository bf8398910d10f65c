package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"
)

// ErrConfirmRequired is returned by clear without --yes.
var ErrConfirmRequired = errors.New("refusing to clear the queue without --yes")

// ClearCmd returns the clear command.
func ClearCmd() *Command {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	fs.BoolP("yes", "y", false, "Confirm removing every queued mutation")

	return &Command{
		Flags:    fs,
		OpensLog: true,
		Usage:    "clear --yes",
		Short:    "Remove every queued mutation",
		Exec: func(_ context.Context, env *Env, _ []string) error {
			yes, _ := fs.GetBool("yes")
			if !yes {
				return ErrConfirmRequired
			}

			pending, err := env.Log.List()
			if err != nil {
				return err
			}

			err = env.Log.Clear()
			if err != nil {
				return err
			}

			env.IO.Printf("Cleared %d mutation(s)\n", len(pending))

			return nil
		},
	}
}
