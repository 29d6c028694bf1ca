package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/commhub/communication-server/internal/app"
	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/migrate"
	"github.com/commhub/communication-server/internal/registration"
	"github.com/commhub/communication-server/internal/router"
	"github.com/commhub/communication-server/internal/tenantctx"
)

func parseClientID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("client id must be a positive integer, got %q", s)
	}
	return id, nil
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		req      registration.Request
		password string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a tenant database",
		Long: `Register a tenant database: check the host, test the credentials,
persist the record, register the alias and apply the tenant schema.
Any failure after the record is stored is rolled back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				cipher, err := a.Vault.Encrypt(password)
				if err != nil {
					return describe(err)
				}
				req.DBPassword = cipher

				res, err := a.Workflow.Register(cmd.Context(), req)
				if err != nil {
					return describe(err)
				}
				return rootOpts.print(cmd.OutOrStdout(), res,
					fmt.Sprintf("registered %s (record %s)", res.Alias, res.RecordID))
			})
		},
	}

	cmd.Flags().Int64Var(&req.ClientID, "client-id", 0, "tenant id")
	cmd.Flags().StringVar(&req.Username, "username", "", "tenant username")
	cmd.Flags().StringVar(&req.DBName, "db-name", "", "database name")
	cmd.Flags().StringVar(&req.DBUser, "db-user", "", "database user")
	cmd.Flags().StringVar(&password, "db-password", "", "database password (plaintext, encrypted before use)")
	cmd.Flags().StringVar(&req.DBHost, "db-host", "", "database host")
	cmd.Flags().IntVar(&req.DBPort, "db-port", 5432, "database port")
	cmd.Flags().StringVar(&req.DBType, "db-type", "self_hosted", "self_hosted or client_hosted")
	for _, f := range []string{"client-id", "db-name", "db-user", "db-password", "db-host"} {
		_ = cmd.MarkFlagRequired(f)
	}

	return cmd
}

// NewOffboardCommand creates the offboard command.
func NewOffboardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "offboard <client-id>",
		Short: "Soft-delete a tenant and drop its alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClientID(args[0])
			if err != nil {
				return err
			}
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Workflow.Offboard(cmd.Context(), id); err != nil {
					return describe(err)
				}
				return rootOpts.print(cmd.OutOrStdout(), map[string]interface{}{"client_id": id, "offboarded": true},
					fmt.Sprintf("offboarded tenant %d", id))
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <client-id>",
		Short: "Permanently remove an offboarded tenant's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClientID(args[0])
			if err != nil {
				return err
			}
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Workflow.Purge(cmd.Context(), id); err != nil {
					return describe(err)
				}
				return rootOpts.print(cmd.OutOrStdout(), map[string]interface{}{"client_id": id, "purged": true},
					fmt.Sprintf("purged tenant %d", id))
			})
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		tenant string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply pending migrations. Without flags the master set is applied to
the shared database; --tenant migrates one tenant and --all every active one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant != "" && all {
				return fmt.Errorf("--tenant and --all are mutually exclusive")
			}
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				ctx := cmd.Context()
				switch {
				case tenant != "":
					alias, err := a.Workflow.Attach(ctx, directory.ParseTenant(tenant), true)
					if err != nil {
						return describe(err)
					}
					return rootOpts.print(cmd.OutOrStdout(), map[string]string{"alias": alias},
						fmt.Sprintf("migrated %s", alias))
				case all:
					return migrateAll(cmd, rootOpts, a)
				default:
					if err := migrate.Master(ctx, a.Store.DB()); err != nil {
						return describe(err)
					}
					return rootOpts.print(cmd.OutOrStdout(), map[string]string{"set": string(migrate.SetMaster)},
						"master schema is up to date")
				}
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id or username")
	cmd.Flags().BoolVar(&all, "all", false, "migrate every active tenant")

	return cmd
}

func migrateAll(cmd *cobra.Command, rootOpts *RootOptions, a *app.App) error {
	const page = 100
	ctx := cmd.Context()

	var migrated, failed []string
	for offset := 0; ; offset += page {
		records, total, err := a.Store.ListActiveTenantRecords(ctx, page, offset)
		if err != nil {
			return err
		}
		for _, rec := range records {
			alias, err := a.Workflow.Attach(ctx, directory.Lookup{ClientID: rec.ClientID}, true)
			if err != nil {
				failed = append(failed, rec.Alias)
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", rec.Alias, describe(err))
				continue
			}
			migrated = append(migrated, alias)
		}
		if len(records) == 0 || int64(offset+page) >= total {
			break
		}
	}

	err := rootOpts.print(cmd.OutOrStdout(), map[string]interface{}{"migrated": migrated, "failed": failed},
		fmt.Sprintf("migrated %d tenant(s), %d failed", len(migrated), len(failed)))
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d tenant migration(s) failed", len(failed))
	}
	return nil
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <tenant>",
		Short: "Show where a tenant's requests are routed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				rec, err := a.Directory.Resolve(cmd.Context(), directory.ParseTenant(args[0]))
				if err != nil {
					return describe(err)
				}

				ctx := tenantctx.WithTenant(cmd.Context(), rec.Alias)
				alias, err := a.Router.DatabaseFor(ctx, router.CategoryCommunication)
				if err != nil {
					return describe(err)
				}

				out := map[string]interface{}{
					"tenant":  args[0],
					"alias":   alias,
					"db_host": rec.DBHost,
					"db_port": rec.DBPort,
					"db_name": rec.DBName,
					"db_user": rec.DBUser,
				}
				return rootOpts.print(cmd.OutOrStdout(), out,
					fmt.Sprintf("%s -> %s (%s@%s:%d/%s)", args[0], alias, rec.DBUser, rec.DBHost, rec.DBPort, rec.DBName))
			})
		},
	}
}
