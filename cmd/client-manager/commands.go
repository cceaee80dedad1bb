package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/startup"
)

// registryOpener connects to the client catalog. The returned func releases
// the connections.
type registryOpener func(ctx context.Context) (*auth.ClientRegistry, func(), error)

// clientView is the printable form of a client; the secret hash is never shown.
type clientView struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	AuthMethod   string   `json:"token_endpoint_auth_method"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"allowed_scopes"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	RequirePKCE  bool     `json:"require_pkce"`
	ClientSecret string   `json:"client_secret,omitempty"`
}

func newClientView(c *models.Client, secret string) clientView {
	grants := make([]string, 0, len(c.GrantTypes))
	for _, g := range c.GrantTypes {
		grants = append(grants, string(g))
	}
	return clientView{
		ID:           c.ID,
		Name:         c.Name,
		Status:       string(c.Status),
		AuthMethod:   string(c.TokenEndpointAuthMethod),
		GrantTypes:   grants,
		Scopes:       c.AllowedScopes,
		RedirectURIs: c.RedirectURIs,
		RequirePKCE:  c.RequirePKCE,
		ClientSecret: secret,
	}
}

type cli struct {
	open       registryOpener
	jsonOutput bool
	timeout    time.Duration
}

func newRootCmd(open registryOpener) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:          "client-manager",
		Short:        "Manage OAuth2 clients of the authorization server",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "Output command results in JSON format")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Timeout for each command")

	root.AddCommand(
		c.registerCmd(),
		c.seedCmd(),
		c.listCmd(),
		c.getCmd(),
		c.rotateSecretCmd(),
		c.statusCmd("suspend", models.ClientStatusSuspended),
		c.statusCmd("activate", models.ClientStatusActive),
		c.deleteCmd(),
	)
	return root
}

// withRegistry runs fn against an open registry with the command timeout.
func (c *cli) withRegistry(cmd *cobra.Command, fn func(ctx context.Context, reg *auth.ClientRegistry) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, reg)
}

func (c *cli) registerCmd() *cobra.Command {
	var spec auth.ClientSpec

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new client and print its secret once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec.CreatedBy = "client-manager"
			return c.withRegistry(cmd, func(ctx context.Context, reg *auth.ClientRegistry) error {
				client, secret, err := reg.Register(ctx, spec)
				if err != nil {
					return err
				}
				return c.printClient(cmd.OutOrStdout(), newClientView(client, secret))
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&spec.ID, "id", "", "Client ID (generated when empty)")
	flags.StringVar(&spec.Name, "name", "", "Human-readable client name")
	flags.StringSliceVar(&spec.RedirectURIs, "redirect-uri", nil, "Registered redirect URI (repeatable)")
	flags.StringSliceVar(&spec.AllowedScopes, "scope", nil, "Allowed scope (repeatable)")
	flags.StringSliceVar(&spec.GrantTypes, "grant-type", nil, "Allowed grant type (repeatable)")
	flags.StringVar(&spec.AuthMethod, "auth-method", string(models.AuthMethodSecretBasic),
		"Token endpoint auth method: client_secret_basic, client_secret_post or none")
	flags.BoolVar(&spec.RequirePKCE, "require-pkce", false, "Require PKCE on every authorization request")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func (c *cli) seedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register the clients of a YAML file that do not exist yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRegistry(cmd, func(ctx context.Context, reg *auth.ClientRegistry) error {
				log := logrus.New()
				log.SetOutput(cmd.ErrOrStderr())
				created, err := startup.NewClientSeeder(reg, true, log).SeedFile(ctx, file)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d client(s) created\n", created)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "configs/clients.yaml", "Clients YAML file")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRegistry(cmd, func(ctx context.Context, reg *auth.ClientRegistry) error {
				clients, err := reg.List(ctx)
				if err != nil {
					return err
				}
				views := make([]clientView, 0, len(clients))
				for _, client := range clients {
					views = append(views, newClientView(client, ""))
				}
				return c.printClients(cmd.OutOrStdout(), views)
			})
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get CLIENT_ID",
		Short: "Show one client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRegistry(cmd, func(ctx context.Context, reg *auth.ClientRegistry) error {
				client, err := reg.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return c.printClient(cmd.OutOrStdout(), newClientView(client, ""))
			})
		},
	}
}

func (c *cli) rotateSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret CLIENT_ID",
		Short: "Replace a confidential client's secret and print the new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRegistry(cmd, func(ctx context.Context, reg *auth.ClientRegistry) error {
				secret, err := reg.RotateSecret(ctx, args[0])
				if err != nil {
					return err
				}
				if c.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"id": args[0], "client_secret": secret})
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), secret)
				return err
			})
		},
	}
}

func (c *cli) statusCmd(use string, status models.ClientStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " CLIENT_ID",
		Short: "Set the client status to " + string(status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRegistry(cmd, func(ctx context.Context, reg *auth.ClientRegistry) error {
				if err := reg.SetStatus(ctx, args[0], status); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "client %s is %s\n", args[0], status)
				return err
			})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete CLIENT_ID",
		Short: "Delete a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRegistry(cmd, func(ctx context.Context, reg *auth.ClientRegistry) error {
				if err := reg.Delete(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "client %s deleted\n", args[0])
				return err
			})
		},
	}
}

func (c *cli) printClient(w io.Writer, view clientView) error {
	if c.jsonOutput {
		return writeJSON(w, view)
	}
	return c.printTable(w, []clientView{view})
}

func (c *cli) printClients(w io.Writer, views []clientView) error {
	if c.jsonOutput {
		return writeJSON(w, views)
	}
	return c.printTable(w, views)
}

func (c *cli) printTable(w io.Writer, views []clientView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tAUTH METHOD\tGRANTS\tSCOPES")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.Name, v.Status, v.AuthMethod, strings.Join(v.GrantTypes, ","), strings.Join(v.Scopes, " "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, v := range views {
		if v.ClientSecret != "" {
			_, err := fmt.Fprintf(w, "\nclient_secret for %s (shown once): %s\n", v.ID, v.ClientSecret)
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
