package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fenceauth/fence/internal/application/services"
	"github.com/fenceauth/fence/internal/bootstrap"
	"github.com/fenceauth/fence/internal/config"
	"github.com/fenceauth/fence/internal/infrastructure/database"
	"github.com/fenceauth/fence/internal/observability"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cliEnv bundles everything a subcommand needs. Built lazily so commands
// like --help never touch the database.
type cliEnv struct {
	cfg *config.Config
	db  *database.PostgresConnection
	svc *services.ServiceManager
}

func (e *cliEnv) close() {
	if e.db != nil {
		e.db.Close()
	}
}

func buildEnv(needServices bool) (*cliEnv, error) {
	cfg, err := config.Load(os.Getenv("FENCE_CONFIG"))
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	env := &cliEnv{cfg: cfg, db: db}
	if needServices {
		logger, err := observability.NewLogger()
		if err != nil {
			db.Close()
			return nil, err
		}
		svc, err := services.NewServiceManager(cfg, db, logger.Sugar())
		if err != nil {
			db.Close()
			return nil, err
		}
		env.svc = svc
	}
	return env, nil
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fencectl",
		Short:         "Administrative CLI for the fence auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newVisaCommand())

	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(false)
			if err != nil {
				return err
			}
			defer env.close()

			if !env.cfg.EnableDBMigration {
				return fmt.Errorf("migrations are disabled (set ENABLE_DB_MIGRATION=true)")
			}
			if err := bootstrap.InitializeSchema(env.db.DB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered OAuth2 clients",
	}

	var redirectURIs, scopes, grantTypes []string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a client; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(true)
			if err != nil {
				return err
			}
			defer env.close()

			client, secret, err := env.svc.Clients.CreateClient(
				context.Background(), args[0], redirectURIs, scopes, grantTypes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client_id:     %s\n", client.ClientID)
			fmt.Fprintf(cmd.OutOrStdout(), "client_secret: %s\n", secret)
			fmt.Fprintln(cmd.OutOrStdout(), "Store the secret now; it cannot be shown again.")
			return nil
		},
	}
	create.Flags().StringSliceVar(&redirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	create.Flags().StringSliceVar(&scopes, "scope", nil, "allowed scope (repeatable, defaults to all)")
	create.Flags().StringSliceVar(&grantTypes, "grant-type", nil, "allowed grant type (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(true)
			if err != nil {
				return err
			}
			defer env.close()

			clients, err := env.svc.Clients.ListClients(context.Background())
			if err != nil {
				return err
			}
			for _, c := range clients {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
					c.ClientID, c.Name, strings.Join(c.RedirectURIs, ","))
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a client by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(true)
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.svc.Clients.DeleteClient(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted client %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage issued tokens",
	}

	revoke := &cobra.Command{
		Use:   "revoke <jwt>",
		Short: "Blacklist a refresh token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(true)
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.svc.Auth.Revoke(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token revoked")
			return nil
		},
	}

	cmd.AddCommand(revoke)
	return cmd
}

func newVisaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visa",
		Short: "GA4GH visa maintenance",
	}

	update := &cobra.Command{
		Use:   "update",
		Short: "Run one visa update pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(true)
			if err != nil {
				return err
			}
			defer env.close()

			env.svc.Scheduler.RunOnce()
			return nil
		},
	}

	cmd.AddCommand(update)
	return cmd
}
