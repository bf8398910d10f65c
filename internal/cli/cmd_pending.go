package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tasksync/internal/mutation"
	"github.com/calvinalkan/tasksync/internal/queue"
)

// PendingCmd returns the pending command.
func PendingCmd() *Command {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.Bool("json", false, "Print one JSON object per mutation")

	return &Command{
		Flags:    fs,
		OpensLog: true,
		Usage:    "pending [--json]",
		Short: "List queued mutations in replay order",
		Long: `List the mutations waiting in the durable queue, oldest first.

Mutations that already failed at least once are flagged with a warning.`,
		Exec: func(_ context.Context, env *Env, _ []string) error {
			asJSON, _ := fs.GetBool("json")

			return execPending(env.IO, env.Log, asJSON)
		},
	}
}

func execPending(o *IO, log queue.Log, asJSON bool) error {
	pending, err := log.List()
	if err != nil {
		return err
	}

	for _, m := range pending {
		if m.Attempts > 0 {
			o.Warn(
				fmt.Sprintf("mutation %s failed %d of %d attempts (%s)", m.ID, m.Attempts, m.MaxAttempts, m.LastError),
				"restore connectivity or remove it with 'tasksync drop "+m.ID+"'",
			)
		}
	}

	if asJSON {
		for _, m := range pending {
			line, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", m.ID, err)
			}

			o.Println(string(line))
		}

		return nil
	}

	if len(pending) == 0 {
		o.Println("No pending mutations")

		return nil
	}

	for _, m := range pending {
		o.Println(formatPending(m))
	}

	return nil
}

func formatPending(m mutation.Mutation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %-6s %s/%s attempts=%d/%d enqueued=%s",
		m.ID, m.Kind, m.Collection, m.Target(), m.Attempts, m.MaxAttempts, m.EnqueuedAt.UTC().Format(time.RFC3339))

	if m.Payload.Title != nil {
		fmt.Fprintf(&b, " title=%q", *m.Payload.Title)
	}

	return b.String()
}
