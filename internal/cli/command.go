package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tasksync/internal/config"
	"github.com/calvinalkan/tasksync/internal/queue"
)

// Env is what a command executes against.
type Env struct {
	IO     *IO
	Config *config.Config
	Logger *slog.Logger

	// Log is the configured mutation log. It is set only for commands with
	// [Command.OpensLog], and is closed once Exec returns.
	Log queue.Log
}

// Command is one tasksync subcommand.
type Command struct {
	Flags *flag.FlagSet

	// Usage starts with the command name, followed by its arguments:
	// "drop <mutation-id>...".
	Usage string
	Short string
	// Long is shown by "<command> --help". Short is used when empty.
	Long string

	// OpensLog makes Run open the configured mutation log for Exec.
	OpensLog bool

	Exec func(ctx context.Context, env *Env, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's row in the global usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-22s %s", c.Usage, c.Short)
}

// PrintHelp writes the help for "tasksync <command> --help".
func (c *Command) PrintHelp(o *IO) {
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Printf("Usage: tasksync %s\n\n%s\n", c.Usage, desc)

	if c.Flags.HasFlags() {
		o.Printf("\nFlags:\n%s", c.Flags.FlagUsages())
	}

	if c.OpensLog {
		o.Println()
		o.Println("Operates on the queue selected by queue_backend and data_dir.")
	}
}

// Run parses args, opens the mutation log when the command needs it and
// executes the command. It returns the process exit code.
func (c *Command) Run(ctx context.Context, env *Env, args []string) int {
	o := env.IO

	c.Flags.SetOutput(io.Discard)

	err := c.Flags.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		c.PrintHelp(o)

		return 0
	}

	if err != nil {
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(NewIO(o.errOut, o.errOut))

		return 1
	}

	err = c.exec(ctx, env)
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}

func (c *Command) exec(ctx context.Context, env *Env) (err error) {
	if !c.OpensLog {
		return c.Exec(ctx, env, c.Flags.Args())
	}

	cfg := env.Config

	log, err := config.OpenLog(ctx, *cfg, env.Logger)
	if err != nil {
		return fmt.Errorf("opening %s queue at %s: %w", cfg.QueueBackend, cfg.LogPath(), err)
	}

	defer func() {
		closeErr := log.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("closing queue: %w", closeErr)
		}
	}()

	withLog := *env
	withLog.Log = log

	return c.Exec(ctx, &withLog, c.Flags.Args())
}
