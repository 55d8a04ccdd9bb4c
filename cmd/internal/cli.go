package internal

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
)

// ErrInvalidUsage when returned by a Handler the usage message is
// already displayed, callers only need a non-zero exit.
var ErrInvalidUsage = errors.New("invalid usage")

// Command is a cli subcommand.
type Command struct {
	Name      string
	Help      string
	Desc      string
	Handler   HandlerFunc
	ParseFunc func(*flag.FlagSet)
}

// HandlerFunc is a subcommand handler.
type HandlerFunc func(context.Context, *flag.FlagSet) error

// Run runs one of the given commands based on argv.
func Run(ctx context.Context, desc string, cmds []*Command, argv []string, fn func(*flag.FlagSet)) error {
	if len(argv) == 0 {
		panic("empty argv")
	}

	sort.Slice(cmds, func(i, j int) bool {
		return cmds[i].Name < cmds[j].Name
	})

	sm := flag.NewFlagSet(argv[0], flag.ContinueOnError)
	if fn != nil {
		fn(sm)
	}
	sm.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [FLAGS...] {COMMAND} [FLAGS...] [ARGS]...\n\n%s\n\ncommands:\n", argv[0], desc)
		for _, cmd := range cmds {
			fmt.Fprintf(os.Stderr, "  %-16s %s\n", cmd.Name, cmd.Desc)
		}
		fmt.Fprintln(os.Stderr, "\ncommon flags:")
		sm.PrintDefaults()
	}
	if err := sm.Parse(argv[1:]); err != nil {
		if err == flag.ErrHelp {
			return ErrInvalidUsage
		}
		return err
	}
	if sm.NArg() == 0 {
		sm.Usage()
		return ErrInvalidUsage
	}

	var cmd *Command
	for _, c := range cmds {
		if c.Name == sm.Arg(0) {
			cmd = c
			break
		}
	}
	if cmd == nil {
		sm.Usage()
		return ErrInvalidUsage
	}

	sc := flag.NewFlagSet(sm.Arg(0), flag.ContinueOnError)
	sc.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [FLAGS...] %s [FLAGS...] %s\n\nflags:\n",
			argv[0], cmd.Name, cmd.Help)
		sc.PrintDefaults()
	}
	if cmd.ParseFunc != nil {
		cmd.ParseFunc(sc)
	}
	if err := sc.Parse(sm.Args()[1:]); err != nil {
		if err == flag.ErrHelp {
			return ErrInvalidUsage
		}
		return err
	}
	if err := cmd.Handler(ctx, sc); err != nil {
		if err == ErrInvalidUsage {
			sc.Usage()
		}
		return err
	}
	return nil
}
