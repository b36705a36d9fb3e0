package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/deemkeen/tusk/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           util.Name,
		Short:         "A small federated microblogging server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		useraddCmd(),
		postCmd(),
		followCmd(),
		unfollowCmd(),
		deadLettersCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads the configuration, builds the components and runs fn. The
// context is cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	logger, err := util.NewLogger(verbose)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	conf, err := util.ReadConf(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation server",
		Long:  `Serve the HTTP endpoints and process inbound and outbound activities until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.log.Info("Starting "+util.GetNameAndVersion(),
					zap.String("domain", a.conf.Conf.SslDomain),
					zap.String("db", a.conf.Conf.DbPath))
				return a.serve(ctx)
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// newApp migrates
			return withApp(cmd, func(ctx context.Context, a *app) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", a.conf.Conf.DbPath)
				return nil
			})
		},
	}
}

func useraddCmd() *cobra.Command {
	var displayName string

	cmd := &cobra.Command{
		Use:   "useradd <name>",
		Short: "Create a local user with a fresh keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				actor, err := a.service.CreateLocalActor(ctx, args[0], displayName)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", actor.Handle, actor.ActorURI)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "name shown to other servers")
	return cmd
}

func postCmd() *cobra.Command {
	var (
		attachments []string
		inReplyTo   string
	)

	cmd := &cobra.Command{
		Use:   "post <name> <text>...",
		Short: "Publish a post as a local user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args[1:], " ")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				post, err := a.service.Reply(ctx, args[0], content, attachments, inReplyTo)
				if post == nil {
					return err
				}
				if err != nil {
					// the post is stored; only propagation failed
					a.log.Warn("Post stored but not fully published", zap.Error(err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published %s\n", post.ObjectURI)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, "attachment URL, repeatable")
	cmd.Flags().StringVar(&inReplyTo, "reply-to", "", "object URI of the post replied to")
	return cmd
}

func followCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow <name> <handle>",
		Short: "Follow a local or remote account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				f, err := a.service.Follow(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now follows %s\n", f.Follower, f.Followee)
				return nil
			})
		},
	}
}

func unfollowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unfollow <name> <handle>",
		Short: "Stop following an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.service.Unfollow(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s no longer follows %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func deadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List inbound activities that could not be processed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				letters, err := a.db.ReadDeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, l := range letters {
					fmt.Fprintf(out, "%s  %s  receives=%d  %s\n  %s\n",
						l.CreatedAt.Format("2006-01-02 15:04:05"), l.Id, l.ReceiveCount, l.Reason, l.Body)
				}
				if len(letters) == 0 {
					fmt.Fprintln(out, "No dead letters")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), util.GetNameAndVersion())
		},
	}
}
