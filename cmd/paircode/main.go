// paircode is a terminal client for paircode sessions: it creates and
// inspects sessions, follows a session live, pushes a file as an edit and
// asks for completions.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"paircode/internal/api"
	"paircode/internal/config"
	"paircode/internal/observability"
	"paircode/internal/session"
)

type command struct {
	name    string
	usage   string
	summary string
	run     func(env *cliEnv, fs *pflag.FlagSet, args []string) error
	flags   func(fs *pflag.FlagSet)
}

var commands = []command{
	{name: "create", usage: "create [--language L]", summary: "create a session and print its id", run: runCreate, flags: createFlags},
	{name: "show", usage: "show <id>", summary: "print a session as JSON", run: runShow},
	{name: "watch", usage: "watch <id>", summary: "follow a session and print every remote change", run: runWatch},
	{name: "push", usage: "push <id> <file>", summary: "replace a session's buffer with a file", run: runPush},
	{name: "complete", usage: "complete <id> --cursor N", summary: "request one completion", run: runComplete, flags: completeFlags},
	{name: "discover", usage: "discover [--timeout D]", summary: "list servers advertised on the local network", run: runDiscover, flags: discoverFlags},
}

// cliEnv carries what every command needs after flags are resolved.
type cliEnv struct {
	cfg    *config.Config
	client *api.Client
	logger *slog.Logger
	out    io.Writer
}

func (e *cliEnv) deps() session.Deps {
	return session.Deps{
		BaseURL:        e.cfg.Client.ServerURL,
		Fetcher:        e.client,
		Completer:      e.client.WithTimeout(e.cfg.Client.CompletionTimeout),
		UserID:         e.cfg.Client.UserID,
		ConnectTimeout: e.cfg.Client.ConnectTimeout,
		ReconnectDelay: e.cfg.Client.ReconnectDelay,
		MaxRetries:     e.cfg.Client.MaxRetries,
		Debounce:       e.cfg.Client.Debounce,
		Logger:         e.logger,
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(out)
		return nil
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}

	fs := pflag.NewFlagSet("paircode "+cmd.name, pflag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	flagged := config.Default()
	config.BindClientFlags(fs, flagged)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.ApplyFlags(fs, flagged)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Client.UserID == "" {
		cfg.Client.UserID = uuid.NewString()
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	observability.SetLogger(logger)

	env := &cliEnv{
		cfg:    cfg,
		client: api.New(cfg.Client.ServerURL),
		logger: logger,
		out:    out,
	}
	return cmd.run(env, fs, fs.Args())
}

func printUsage(w io.Writer) {
	var b strings.Builder
	b.WriteString("usage: paircode <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-28s %s\n", c.usage, c.summary)
	}
	b.WriteString("\nflags common to all commands: --server, --user, --connect-timeout, --debounce, --config, --log-level, --log-format\n")
	io.WriteString(w, b.String())
}
