// Command agentvault is the operator CLI for the agent platform's security
// core: identities, ceilings, tenant secrets, agent credentials and
// group-gated secrets.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/config"
	"github.com/avaropoint/agentvault/internal/platform"
	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/version"
)

const usage = `usage: agentvault [flags] <command> [args]

commands:
  identity   show | init | rotate | history
  ceiling    set | get | list | remove | check | request | resolve | requests | roles
  vault      put | get | list | delete
  cred       put | get | list | rm
  group      create | approve | status | reveal | list | delete
  version

Subcommand flags such as -as may appear before or after positional
arguments. Secret values are read from stdin when -value is empty.
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "agentvault:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("agentvault", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage); fs.PrintDefaults() }
	configPath := fs.String("config", "", "YAML config file (defaults are used when empty)")
	dataDir := fs.String("data", "", "Data directory (overrides config)")
	backend := fs.String("backend", "", "Storage backend: file, sqlite, badger, redis, memory (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Backend.Kind = *backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := cfg.NewLogger()
	log.SetOutput(os.Stderr)
	log.WithFields(logrus.Fields{
		"version":  version.Version,
		"data_dir": cfg.DataDir,
	}).Debug("Starting")

	p, err := platform.Open(ctx, cfg, security.Env{Logger: log})
	if err != nil {
		return err
	}
	defer p.Close() //nolint:errcheck

	c := &cli{p: p, stdin: stdin, out: stdout}
	switch cmd {
	case "identity":
		return c.identity(ctx, rest)
	case "ceiling":
		return c.ceiling(ctx, rest)
	case "vault":
		return c.vault(ctx, rest)
	case "cred":
		return c.cred(ctx, rest)
	case "group":
		return c.group(ctx, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
