package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// Env holds what commands need from the outside world
type Env struct {
	Out        io.Writer
	LoadConfig func() (*config.Config, error)
	// OpenDB returns the primary database and a func that releases it
	OpenDB     func(ctx context.Context, cfg *config.Config) (*sql.DB, func(), error)
	HTTPClient *http.Client
	Logger     *observability.Logger
}

// DefaultEnv reads configuration from the environment and connects to
// PostgreSQL
func DefaultEnv() *Env {
	return &Env{
		Out:        os.Stdout,
		LoadConfig: config.LoadConfig,
		OpenDB: func(ctx context.Context, cfg *config.Config) (*sql.DB, func(), error) {
			conns, err := postgres.NewConnectionManager(cfg.Database.ConnectionConfig, nil)
			if err != nil {
				return nil, nil, err
			}
			return conns.Primary(), func() { conns.Close() }, nil
		},
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     observability.NewLogger(observability.InfoLevel, os.Stderr),
	}
}

// NewRootCommand creates the root command
func NewRootCommand(env *Env) *Command {
	if env == nil {
		env = DefaultEnv()
	}
	root := &Command{
		Name:        "gatekeeper-admin",
		Description: "Gatekeeper - access control administration",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("gatekeeper-admin", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		newMigrateCommand(env),
		newNormalizeCommand(env),
		newReconcileTrialsCommand(env),
		newEntitlementCommand(env),
		newIssueTokenCommand(env),
		newIssueSessionCommand(env),
		newCatalogCommand(env),
		newCheckCommand(env),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the command with the process arguments
func (c *Command) Execute() error {
	return c.ExecuteArgs(os.Args[1:])
}

// ExecuteArgs runs the command with args, the first being the subcommand
func (c *Command) ExecuteArgs(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	// Check for help flag
	switch strings.ToLower(args[0]) {
	case "-h", "--help", "help":
		return c.usage()
	}

	// Check for subcommand
	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Printf("Usage: %s <command> [args]\n\n", c.Name)
	fmt.Printf("Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-22s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
