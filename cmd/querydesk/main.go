package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mistakeknot/querydesk/client"
	"github.com/mistakeknot/querydesk/internal/auth"
	"github.com/mistakeknot/querydesk/internal/cli"
	"github.com/mistakeknot/querydesk/internal/config"
	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/logging"
	"github.com/mistakeknot/querydesk/pkg/embedded"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:           "querydesk",
		Short:         "Support query claim and transfer coordination",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			_, err = logging.Setup(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return err
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file")
	if err := config.RegisterFlags(a.v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(serveCmd(a), initCmd(a), tokenCmd(a), queriesCmd(a), transfersCmd(a))
	return root
}

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the querydesk server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if res, err := auth.BootstrapDevKey(cfg.KeysFile, ""); err != nil {
				return err
			} else if res.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s with admin key %s\n", res.KeysFile, res.Key)
			}

			db := cfg.DB
			if db == ":memory:" {
				db = ""
			}
			srv, err := embedded.New(embedded.Config{
				Addr:          cfg.Addr,
				SocketPath:    cfg.Socket,
				DBPath:        db,
				KeysFile:      cfg.KeysFile,
				WatchKeys:     true,
				JWTSecret:     cfg.JWTSecret,
				NATSURL:       cfg.NATSURL,
				TransferTTL:   cfg.TransferTTL,
				PendingTTL:    cfg.PendingTTL,
				SweepInterval: cfg.SweepInterval,
				FanoutBuffer:  cfg.FanoutBuffer,
			})
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}

func initCmd(a *app) *cobra.Command {
	var staffID, role, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Add an API key for a staff member to the keys file",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cli.InitKeysFile(a.cfg.KeysFile, staffID, core.Role(role), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key for %s written to %s\n%s\n", staffID, a.cfg.KeysFile, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&staffID, "staff", "", "staff id")
	cmd.Flags().StringVar(&role, "role", string(core.RoleAgent), "staff role")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("staff")
	return cmd
}

func tokenCmd(a *app) *cobra.Command {
	var id core.Identity
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			id.Role = core.Role(role)
			if !id.Role.Valid() {
				return fmt.Errorf("%w: %q", core.ErrInvalidRole, role)
			}
			tok, err := auth.IssueToken(a.cfg.JWTSecret, id, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.UserID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&role, "role", string(core.RoleCustomer), "user role")
	cmd.Flags().StringVar(&id.Name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// remote holds the flags of commands that talk to a running server.
type remote struct {
	url   string
	token string
	user  string
	role  string
	json  bool
}

func (r *remote) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.url, "url", "", "server URL (default http://<addr>)")
	cmd.Flags().StringVar(&r.token, "token", os.Getenv("QUERYDESK_TOKEN"), "API key or session token")
	cmd.Flags().StringVar(&r.user, "as", "", "user id sent on localhost without a token")
	cmd.Flags().StringVar(&r.role, "role", string(core.RoleAdmin), "role sent with --as")
	cmd.Flags().BoolVar(&r.json, "json", false, "output JSON")
}

func (r *remote) client(a *app) *client.Client {
	base := r.url
	if base == "" {
		base = "http://" + a.cfg.Addr
	}
	opts := []client.Option{client.WithToken(r.token)}
	if r.user != "" {
		opts = append(opts, client.WithSession(client.Session{UserID: r.user, Role: r.role}))
	}
	return client.New(base, opts...)
}

func queriesCmd(a *app) *cobra.Command {
	parent := &cobra.Command{Use: "queries", Short: "Inspect support queries"}
	var r remote
	var status, owner, category, customer string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := client.QueryFilter{Owner: owner, Category: category, Customer: customer}
			if status != "" {
				filter.Status = strings.Split(status, ",")
			}
			qs, err := r.client(a).ListAllQueries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if r.json {
				return printJSON(cmd.OutOrStdout(), qs)
			}
			cli.RenderQueries(cmd.OutOrStdout(), qs)
			return nil
		},
	}
	r.register(list)
	list.Flags().StringVar(&status, "status", "", "comma-separated statuses")
	list.Flags().StringVar(&owner, "owner", "", "owner filter")
	list.Flags().StringVar(&category, "category", "", "category filter")
	list.Flags().StringVar(&customer, "customer", "", "customer filter")
	parent.AddCommand(list)
	return parent
}

func transfersCmd(a *app) *cobra.Command {
	parent := &cobra.Command{Use: "transfers", Short: "Inspect transfer requests"}
	var r remote
	var f client.TransferFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List transfer requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := r.client(a).ListTransfers(cmd.Context(), f)
			if err != nil {
				return err
			}
			if r.json {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			cli.RenderTransfers(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	r.register(list)
	list.Flags().StringVar(&f.QueryID, "query", "", "query id")
	list.Flags().StringVar(&f.Candidate, "candidate", "", "candidate staff id")
	list.Flags().StringVar(&f.From, "from", "", "requesting owner")
	list.Flags().StringVar(&f.Status, "status", "", "requested, accepted or declined")
	parent.AddCommand(list)
	return parent
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
