// Package cli implements the tasksync operator commands. They inspect and
// manage the durable mutation log a sync client leaves behind.
package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tasksync/internal/config"
)

// Run is the main entry point. Returns exit code.
//
// A signal on sigCh cancels the running command's context. sigCh may be nil.
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	o := NewIO(out, errOut)

	globals := flag.NewFlagSet("tasksync", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	dataDir := globals.String("data-dir", "", "Override the data `dir`")
	backend := globals.String("backend", "", "Override the queue `backend` (file, badger, sqlite)")
	verbose := globals.BoolP("verbose", "v", false, "Log debug output to stderr")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.Parse(args)
	if err != nil {
		o.ErrPrintln("error:", err)
		printUsage(o.errOut, globals)

		return 1
	}

	rest := globals.Args()
	if *help || len(rest) == 0 {
		printUsage(out, globals)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: *workDir,
		ConfigPath:      *configPath,
		DataDirOverride: *dataDir,
		BackendOverride: *backend,
		Env:             env,
	})
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	cmd := lookup(commands(), rest[0])
	if cmd == nil {
		o.ErrPrintln("error:", ErrUnknownCommand.Error()+":", rest[0])
		printUsage(o.errOut, globals)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, &Env{IO: o, Config: &cfg, Logger: logger}, rest[1:])
}

// ErrUnknownCommand is reported for a command name that does not exist.
var ErrUnknownCommand = errors.New("unknown command")

func commands() []*Command {
	return []*Command{
		PendingCmd(),
		DropCmd(),
		ClearCmd(),
		CompactCmd(),
		ProbeCmd(),
		PrintConfigCmd(),
	}
}

func lookup(cmds []*Command, name string) *Command {
	for _, c := range cmds {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

func printUsage(w io.Writer, globals *flag.FlagSet) {
	o := NewIO(w, w)

	o.Println("tasksync - inspect and manage the offline mutation queue")
	o.Println()
	o.Println("Usage: tasksync [options] <command> [args]")
	o.Println()
	o.Println("Options:")

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	o.Printf("%s", buf.String())

	o.Println()
	o.Println("Commands:")

	for _, c := range commands() {
		o.Println(c.HelpLine())
	}
}
