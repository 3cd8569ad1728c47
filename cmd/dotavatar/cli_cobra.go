package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/gateway"
	"github.com/dotsetgreg/dotavatar/pkg/logger"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

type cliOptions struct {
	configPath string
	logLevel   string
}

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "dotavatar",
		Short: "Long-term memory service for AI avatars",
		Long: strings.TrimSpace(`dotavatar stores what users tell their avatar, recalls it by meaning
and recency, surfaces reminders, merges near-duplicates, and suggests an
emotional response.

Run the HTTP server with "serve" or work on the configured store directly
with the one-shot commands.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logLevel != "" {
				if _, ok := logger.ParseLevel(opts.logLevel); !ok {
					return fmt.Errorf("unknown log level %q", opts.logLevel)
				}
				logger.SetLevel(opts.logLevel)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Config file (JSON, or YAML for .yaml/.yml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newStoreCommand(opts))
	root.AddCommand(newGetCommand(opts))
	root.AddCommand(newRecallCommand(opts))
	root.AddCommand(newProactiveCommand(opts))
	root.AddCommand(newConsolidateCommand(opts))
	root.AddCommand(newRespondCommand(opts))
	root.AddCommand(newProfileCommand(opts))
	root.AddCommand(newShellCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand())
	}

	return root
}

// withEngine opens the configured store for one command and closes it after.
func (o *cliOptions) withEngine(fn func(ctx context.Context, engine *memory.Engine) error) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	svc, err := openService(cfg, false)
	if err != nil {
		return err
	}
	runErr := fn(context.Background(), svc.Engine())
	if err := svc.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newServeCommand(opts *cliOptions) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP memory API with background consolidation",
		Example: "  dotavatar serve --log-level debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Log.Level != "" && opts.logLevel == "" {
				logger.SetLevel(cfg.Log.Level)
			}
			svc, err := openService(cfg, true)
			if err != nil {
				return err
			}

			srv := gateway.NewServer(cfg.ListenAddr(), svc.Engine())
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Memory API listening on http://%s\n", cfg.ListenAddr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var serveErr error
			select {
			case <-ctx.Done():
				fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			case serveErr = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.WarnCF("cli", "HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
			}
			if err := svc.Close(); err != nil && serveErr == nil {
				serveErr = err
			}
			return serveErr
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for in-flight requests")
	return cmd
}

func newStoreCommand(opts *cliOptions) *cobra.Command {
	var (
		memType    string
		emotion    string
		confidence float64
		importance float64
		metadata   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "store <user-id> <text...>",
		Short: "Store a memory for a user",
		Example: strings.Join([]string{
			"  dotavatar store alice \"Loves pizza with extra basil\" --type preference",
			"  dotavatar store alice \"Mom's birthday is June 5\" --type birthday --emotion happy --confidence 0.9",
		}, "\n"),
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := memory.StoreRequest{
				UserID:   args[0],
				Text:     strings.Join(args[1:], " "),
				Type:     memory.MemoryType(memType),
				Metadata: metadata,
			}
			if emotion != "" {
				req.Emotion = &memory.Emotion{Label: emotion, Confidence: confidence}
			}
			if cmd.Flags().Changed("importance") {
				req.Importance = &importance
			}
			return opts.withEngine(func(ctx context.Context, engine *memory.Engine) error {
				rec, err := engine.Store(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVarP(&memType, "type", "t", "", "Memory type tag (default note)")
	cmd.Flags().StringVar(&emotion, "emotion", "", "Emotion label; detected from the text when empty")
	cmd.Flags().Float64Var(&confidence, "confidence", 1.0, "Confidence for --emotion")
	cmd.Flags().Float64Var(&importance, "importance", 0.5, "Importance score in [0,1]")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata key=value pairs")
	return cmd
}

func newGetCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <user-id> <memory-id>",
		Short: "Show one memory, including retired ones",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(ctx context.Context, engine *memory.Engine) error {
				rec, err := engine.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newRecallCommand(opts *cliOptions) *cobra.Command {
	var (
		topK       int
		timeWeight float64
		memType    string
	)

	cmd := &cobra.Command{
		Use:     "recall <user-id> <query...>",
		Short:   "Rank a user's memories against a query",
		Example: "  dotavatar recall alice what food do I like --top-k 3",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := memory.RecallRequest{
				UserID: args[0],
				Query:  strings.Join(args[1:], " "),
				TopK:   topK,
				Type:   memory.MemoryType(memType),
			}
			if cmd.Flags().Changed("time-weight") {
				req.TimeWeight = &timeWeight
			}
			return opts.withEngine(func(ctx context.Context, engine *memory.Engine) error {
				hits, err := engine.Recall(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), hits)
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Number of memories to return")
	cmd.Flags().Float64Var(&timeWeight, "time-weight", 0.1, "Recency decay per day in [0,1]")
	cmd.Flags().StringVarP(&memType, "type", "t", "", "Only consider memories with this type")
	return cmd
}

func newProactiveCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proactive <user-id>",
		Short: "List reminder-worthy memories to bring up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(ctx context.Context, engine *memory.Engine) error {
				records, err := engine.ProactiveRecall(ctx, args[0])
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No reminders.")
					return nil
				}
				for _, rec := range records {
					fmt.Fprintf(cmd.OutOrStdout(), "- Remind about %s (%s, importance %.2f)\n", rec.Summary, rec.Type, rec.Importance)
				}
				return nil
			})
		},
	}
}

func newConsolidateCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate <user-id>",
		Short: "Merge near-duplicate memories now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(ctx context.Context, engine *memory.Engine) error {
				n, err := engine.Consolidate(ctx, args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %d group(s)\n", n)
				return err
			})
		},
	}
}

func newRespondCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "respond <user-id> <current-emotion>",
		Short:   "Suggest an avatar expression and reply for the user's current emotion",
		Example: "  dotavatar respond alice sad",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(ctx context.Context, engine *memory.Engine) error {
				resp, err := engine.SynthesizeResponse(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func newProfileCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <user-id>",
		Short: "Summarize a user's memories by category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(ctx context.Context, engine *memory.Engine) error {
				p, err := engine.Profile(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func newShellCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <user-id>",
		Short: "Interactive memory shell for one user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(ctx context.Context, engine *memory.Engine) error {
				return interactiveShell(ctx, engine, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotavatar version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func newConfigCommand(opts *cliOptions) *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Example: strings.Join([]string{
			"  dotavatar config init",
			"  dotavatar config init --config ./dotavatar.yaml --force",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", opts.configPath)
			}
			cfg, err := config.DefaultConfigFromEnv()
			if err != nil {
				return err
			}
			if err := config.SaveConfig(opts.configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			if err := os.MkdirAll(cfg.WorkspacePath(), 0o755); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is ready!\n", appName)
			fmt.Fprintln(cmd.OutOrStdout(), "  Config:", opts.configPath)
			fmt.Fprintln(cmd.OutOrStdout(), "  Workspace:", cfg.WorkspacePath())
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			cfg.Providers.Embedding.APIKey = maskSecret(cfg.Providers.Embedding.APIKey)
			cfg.Providers.Emotion.APIKey = maskSecret(cfg.Providers.Emotion.APIKey)
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}

	configRoot.AddCommand(initCmd, showCmd)
	return configRoot
}

func maskSecret(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return ""
	case strings.HasPrefix(v, "file:"):
		return v
	case len(v) <= 8:
		return "****"
	default:
		return v[:4] + "****"
	}
}
