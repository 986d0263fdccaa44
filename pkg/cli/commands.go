package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/permsync"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// adminActor attributes CLI changes in the audit trail
const adminActor = "cli:gatekeeper-admin"

// session is an open configuration and database for one command
type session struct {
	cfg      *config.Config
	db       *sql.DB
	registry *catalog.Registry
	close    func()
}

func (e *Env) open(ctx context.Context) (*session, error) {
	cfg, err := e.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	modules := catalog.Default()
	if cfg.Catalog.Path != "" {
		if modules, err = catalog.LoadFile(cfg.Catalog.Path); err != nil {
			return nil, err
		}
	}
	db, closeDB, err := e.OpenDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &session{cfg: cfg, db: db, registry: catalog.NewRegistry(modules), close: closeDB}, nil
}

// users returns the rbac store for the session
func (s *session) users(e *Env) *rbac.Store {
	return rbac.NewStore(s.db, rbac.NewValidator(s.registry), nil, e.Logger)
}

// entitlements returns an entitlement store with synchronous permission sync,
// so a command only returns once permissions are materialized
func (s *session) entitlements(e *Env) *entitlements.Store {
	events := audit.NewEventStore(s.db, nil)
	store := entitlements.NewStore(s.db, s.registry, events, entitlements.Options{Logger: e.Logger})
	store.SetSyncTrigger(permsync.NewEngine(s.users(e), events, s.registry, permsync.Options{
		Workers: s.cfg.Sync.Workers,
		Timeout: s.cfg.Sync.Timeout,
		Logger:  e.Logger,
	}))
	return store
}

func (e *Env) printJSON(v interface{}) error {
	enc := json.NewEncoder(e.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply database migrations",
		Flags:       flag.NewFlagSet("migrate", flag.ContinueOnError),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		ctx := context.Background()
		s, err := env.open(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := postgres.RunMigrations(ctx, s.db, env.Logger); err != nil {
			return err
		}
		fmt.Fprintln(env.Out, "Migrations applied")
		return nil
	}
	return cmd
}

func newNormalizeCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "normalize-permissions",
		Description: "Rewrite legacy permission keys in roles and users",
		Flags:       flag.NewFlagSet("normalize-permissions", flag.ContinueOnError),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		ctx := context.Background()
		s, err := env.open(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		report, err := s.users(env).NormalizeLegacyPermissions(ctx)
		if err != nil {
			return err
		}
		return env.printJSON(report)
	}
	return cmd
}

func newReconcileTrialsCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "reconcile-trials",
		Description: "Disable lapsed trials and revoke their permissions",
		Flags:       flag.NewFlagSet("reconcile-trials", flag.ContinueOnError),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		ctx := context.Background()
		s, err := env.open(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		n, err := s.entitlements(env).ReconcileExpiredTrials(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "Expired %d trial(s)\n", n)
		return nil
	}
	return cmd
}

func newEntitlementCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "set-entitlement",
		Description: "Set an organization's module or submodule status",
		Flags:       flag.NewFlagSet("set-entitlement", flag.ContinueOnError),
	}
	orgID := cmd.Flags.Int64("org-id", 0, "Organization id")
	module := cmd.Flags.String("module", "", "Module key")
	submodule := cmd.Flags.String("submodule", "", "Submodule key (optional)")
	status := cmd.Flags.String("status", "", "enabled, disabled or trial")
	trialDays := cmd.Flags.Int("trial-days", 14, "Trial length in days when status is trial")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *orgID <= 0 || *module == "" || *status == "" {
			return errors.New("org-id, module and status are required")
		}
		mutation := entitlements.Mutation{
			OrganizationID: *orgID,
			Module:         *module,
			Submodule:      *submodule,
			Status:         entitlements.Status(*status),
			Actor:          adminActor,
		}
		if mutation.Status == entitlements.StatusTrial {
			expires := time.Now().UTC().AddDate(0, 0, *trialDays)
			mutation.TrialExpiresAt = &expires
		}

		ctx := context.Background()
		s, err := env.open(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		change, err := s.entitlements(env).SetModuleStatus(ctx, mutation)
		if err != nil {
			return err
		}
		return env.printJSON(change)
	}
	return cmd
}

func newIssueTokenCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "issue-token",
		Description: "Create an API token for a user",
		Flags:       flag.NewFlagSet("issue-token", flag.ContinueOnError),
	}
	userID := cmd.Flags.Int64("user-id", 0, "Owning user id")
	name := cmd.Flags.String("name", "", "Token name")
	ttl := cmd.Flags.Duration("ttl", 0, "Token lifetime (0 never expires)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *userID <= 0 || *name == "" {
			return errors.New("user-id and name are required")
		}

		ctx := context.Background()
		s, err := env.open(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		user, err := s.users(env).GetUser(ctx, *userID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return fmt.Errorf("user %d is inactive", user.ID)
		}

		var expiresAt *time.Time
		if *ttl > 0 {
			t := time.Now().UTC().Add(*ttl)
			expiresAt = &t
		}
		token, plaintext, err := auth.NewTokenStore(s.db, nil).Create(ctx, user.ID, *name, expiresAt)
		if err != nil {
			return err
		}
		return env.printJSON(map[string]interface{}{
			"token":     plaintext,
			"api_token": token,
		})
	}
	return cmd
}

func newIssueSessionCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "issue-session",
		Description: "Sign a session token for a user",
		Flags:       flag.NewFlagSet("issue-session", flag.ContinueOnError),
	}
	userID := cmd.Flags.Int64("user-id", 0, "User id")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *userID <= 0 {
			return errors.New("user-id is required")
		}
		cfg, err := env.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg.Auth.JWT.Secret == "" {
			return errors.New("session tokens are disabled: no JWT secret configured")
		}
		verifier, err := auth.NewJWTVerifier(cfg.Auth.JWT, nil)
		if err != nil {
			return err
		}
		token, expires, err := verifier.IssueSession(*userID)
		if err != nil {
			return err
		}
		return env.printJSON(map[string]interface{}{
			"token":      token,
			"expires_at": expires,
		})
	}
	return cmd
}

func newCatalogCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "catalog",
		Description: "Validate a catalog file and list its modules",
		Flags:       flag.NewFlagSet("catalog", flag.ContinueOnError),
	}
	file := cmd.Flags.String("file", "", "Catalog file (default: built in catalog)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		c := catalog.Default()
		if *file != "" {
			var err error
			if c, err = catalog.LoadFile(*file); err != nil {
				return err
			}
		}
		for _, m := range c.Modules() {
			kind := "licensed"
			switch {
			case m.AlwaysOn:
				kind = "always_on"
			case m.RBACOnly:
				kind = "rbac_only"
			}
			fmt.Fprintf(env.Out, "%-16s %-10s %d submodule(s)\n", m.Key, kind, len(m.Submodules))
		}
		fmt.Fprintf(env.Out, "%d module(s), %d categories\n", len(c.ModuleKeys()), len(c.Categories()))
		return nil
	}
	return cmd
}
