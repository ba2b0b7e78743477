package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"incidentdesk/config"
	"incidentdesk/core/appbootstrap"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadRuntime reads the config and builds the logger the commands share.
func loadRuntime() (*config.AppConfig, *utils.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := utils.NewLoggerWithOptions(utils.LogOptions{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		logger = utils.NewLogger()
		logger.Errorf("log file unavailable, logging to stderr: %v", err)
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context) (*store.DB, *utils.Logger, error) {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return nil, nil, err
	}
	db, err := appbootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return db, logger, nil
}

var rootCmd = &cobra.Command{
	Use:           "incidentdesk",
	Short:         "Security incident reporting service",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return appbootstrap.Run(ctx, cfg, logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, logger, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Printf("migrations applied (%s)", db.Dialect())
		return nil
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Describe the environment variables",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
	},
}

// roles command
var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Manage role assignments from the host",
}

var rolesGrantCmd = &cobra.Command{
	Use:   "grant <email> <role>",
	Short: "Grant a role to a registered identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, logger, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		ident, role, err := resolveRoleArgs(ctx, db, args[0], args[1])
		if err != nil {
			return err
		}
		a := &store.RoleAssignment{UserID: ident.ID, Role: role}
		if err := store.NewRolesStore(db).Grant(ctx, a); err != nil {
			return fmt.Errorf("granting %s: %w", role, err)
		}
		audit := store.NewAuditEntry("", "role.grant", "role_assignment", a.ID, map[string]string{"user_id": ident.ID, "role": string(role), "via": "cli"})
		if err := store.NewAuditStore(db).Append(ctx, audit); err != nil {
			logger.Errorf("audit role grant: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s (%s)\n", role, ident.Email, a.ID)
		return nil
	},
}

var rolesRevokeCmd = &cobra.Command{
	Use:   "revoke <email> <role>",
	Short: "Revoke a role from an identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, logger, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		ident, role, err := resolveRoleArgs(ctx, db, args[0], args[1])
		if err != nil {
			return err
		}
		roles := store.NewRolesStore(db)
		items, err := roles.ListForUser(ctx, ident.ID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Role != role {
				continue
			}
			if err := roles.Revoke(ctx, it.ID); err != nil {
				return fmt.Errorf("revoking %s: %w", role, err)
			}
			audit := store.NewAuditEntry("", "role.revoke", "role_assignment", it.ID, map[string]string{"user_id": ident.ID, "role": string(role), "via": "cli"})
			if err := store.NewAuditStore(db).Append(ctx, audit); err != nil {
				logger.Errorf("audit role revoke: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s from %s\n", role, ident.Email)
			return nil
		}
		return fmt.Errorf("%s does not hold %s", ident.Email, role)
	},
}

var rolesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every role assignment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		items, err := store.NewRolesStore(db).List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, it := range items {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", it.ID, it.UserID, it.Role, it.AssignedAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
		return nil
	},
}

func resolveRoleArgs(ctx context.Context, db *store.DB, email, rawRole string) (*store.Identity, store.AppRole, error) {
	role, err := store.ParseRole(rawRole)
	if err != nil {
		return nil, "", fmt.Errorf("unknown role %q", rawRole)
	}
	ident, err := store.NewIdentitiesStore(db).GetByEmail(ctx, utils.NormalizeEmail(email))
	if err != nil {
		return nil, "", err
	}
	if ident == nil {
		return nil, "", errors.New("no identity registered for " + email)
	}
	return ident, role, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("INCIDENTDESK_CONFIG"), "path to the YAML config file")

	rolesCmd.AddCommand(rolesGrantCmd)
	rolesCmd.AddCommand(rolesRevokeCmd)
	rolesCmd.AddCommand(rolesListCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(rolesCmd)
}
