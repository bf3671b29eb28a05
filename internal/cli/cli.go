// Package cli wires the stream manager behind a cobra command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"agentloop/internal/config"
	"agentloop/internal/engine"
	"agentloop/internal/gitops"
	"agentloop/internal/lock"
	"agentloop/internal/logger"
	"agentloop/internal/status"
	"agentloop/internal/stream"
)

const version = "0.3.0"

// gitConcurrency bounds parallel git subprocesses across the whole process.
const gitConcurrency = 4

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

type cliOptions struct {
	ConfigFile string
	StateDir   string
	RepoRoot   string
	Verify     string
	Agents     string
	MainBranch string
	MaxIter    int
	DryRun     bool
}

func Main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetArgs(os.Args[1:])
	if err := cmd.ExecuteContext(ctx); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:           "agentloop",
		Short:         "Build orchestration loop for coding-agent invocations",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	addRootFlags(cmd.PersistentFlags(), opts)
	cmd.AddCommand(
		newNewCommand(opts),
		newBuildCommand(opts),
		newStatusCommand(opts),
		newListCommand(opts),
		newMergeCommand(opts),
		newCleanupCommand(opts),
		newVerifyCommand(opts),
		newVersionCommand(),
	)

	return cmd
}

func addRootFlags(fs *pflag.FlagSet, opts *cliOptions) {
	fs.StringVar(&opts.ConfigFile, "config", "", "Config file path (default: $HOME/.agentloop/config.*)")
	fs.StringVar(&opts.StateDir, "state-dir", "", "State directory (default: <repo-root>/.agentloop)")
	fs.StringVar(&opts.RepoRoot, "repo-root", "", "Repository root (default: current directory)")
	fs.StringVar(&opts.Verify, "verify", "", "Verification command run after each iteration")
	fs.StringVar(&opts.Agents, "agents", "", "Agents file defining the fallback chain")
	fs.StringVar(&opts.MainBranch, "main-branch", "", "Main-line ref for merge and status checks")
	fs.IntVar(&opts.MaxIter, "max-iterations", 0, "Maximum loop iterations per build")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Skip git commits; state files are still written")
}

// app is the fully-wired dependency graph behind every subcommand.
type app struct {
	cfg     *config.Config
	streams *stream.Manager
	chain   []config.AgentPreset
}

func setup(cmd *cobra.Command, opts *cliOptions) (*app, error) {
	v, err := config.NewViper(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	bindFlags(v, cmd, opts)

	cfg := config.Load(v)
	if abs, err := filepath.Abs(cfg.RepoRoot); err == nil {
		cfg.RepoRoot = abs
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.RepoRoot, config.DefaultStateDirName)
	}

	chain := config.DefaultChain()
	if cfg.AgentsFile != "" {
		chain, err = config.LoadAgents(cfg.AgentsFile)
		if err != nil {
			return nil, err
		}
	}

	pool := gitops.NewPool(gitConcurrency)
	git := gitops.NewClient(cfg.RepoRoot, pool)
	locks := lock.NewManager(filepath.Join(cfg.StateDir, "locks"), logger.OSLiveness{})

	return &app{
		cfg:     cfg,
		streams: stream.NewManager(cfg, git, locks),
		chain:   chain,
	}, nil
}

// bindFlags overlays changed flags onto the viper instance so flag > env >
// config file precedence holds.
func bindFlags(v *viper.Viper, cmd *cobra.Command, opts *cliOptions) {
	fs := cmd.Flags()
	set := func(name, val string) {
		if fs.Changed(name) {
			v.Set(name, val)
		}
	}
	set("state-dir", opts.StateDir)
	set("repo-root", opts.RepoRoot)
	set("verify", opts.Verify)
	set("agents", opts.Agents)
	set("main-branch", opts.MainBranch)
	if fs.Changed("max-iterations") {
		v.Set("max-iterations", opts.MaxIter)
	}
	if fs.Changed("dry-run") {
		v.Set("dry-run", opts.DryRun)
	}
}

func parseStreamID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid stream id %q", arg)
	}
	return id, nil
}

func newNewCommand(opts *cliOptions) *cobra.Command {
	var workspace bool
	cmd := &cobra.Command{
		Use:           "new <prd-file>",
		Short:         "Create a stream from a task checklist",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			prd, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read checklist: %w", err)
			}
			id, err := a.streams.New(prd)
			if err != nil {
				return err
			}
			if workspace {
				if err := a.streams.InitWorkspace(cmd.Context(), id); err != nil {
					return err
				}
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&workspace, "workspace", false, "Create an isolated worktree for the stream")
	return cmd
}

func newBuildCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "build <stream-id>",
		Short:         "Run the build loop for a stream until a terminal outcome",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}

			log, err := logger.New(a.streams.Paths(id).Log, zerolog.InfoLevel)
			if err != nil {
				return err
			}
			logger.SetActive(log)
			defer func() { _ = logger.CloseActive() }()

			outcome, err := a.streams.Build(cmd.Context(), id, stream.BuildOptions{
				MaxIterations: a.cfg.MaxIterations,
				DryRun:        a.cfg.DryRun,
				Chain:         a.chain,
				AgentTimeout:  a.cfg.AgentTimeout,
			})
			if err != nil && !errors.Is(err, engine.ErrStreamBusy) {
				fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			}
			fmt.Printf("stream %d: %s\n", id, outcome)
			if code := outcome.ExitCode(); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
}

func newStatusCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status [stream-id]",
		Short:         "Show the derived status of one stream or all streams",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := parseStreamID(args[0])
				if err != nil {
					return err
				}
				st, err := a.streams.Status(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Printf("%d\t%s\n", id, st)
				return nil
			}

			ids, err := a.streams.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				st, err := a.streams.Status(cmd.Context(), id)
				if err != nil {
					fmt.Printf("%d\t%s\t%v\n", id, status.StatusError, err)
					continue
				}
				fmt.Printf("%d\t%s\n", id, st)
			}
			return nil
		},
	}
}

func newListCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List stream ids",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			ids, err := a.streams.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newMergeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "merge <stream-id>",
		Short:         "Merge a stream's branch into the main line",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}
			return a.streams.Merge(cmd.Context(), id)
		},
	}
}

func newCleanupCommand(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:           "cleanup <stream-id>",
		Short:         "Remove a merged stream's worktree and state",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}
			return a.streams.Cleanup(cmd.Context(), id, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Abandon an unmerged stream")
	return cmd
}

func newVerifyCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify",
		Short:         "Reconcile all stream statuses and apply marker corrections",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			corrections, err := a.streams.VerifyAll(cmd.Context())
			for _, c := range corrections {
				fmt.Printf("stream %s: %s %s\n", c.StreamID, c.Action, c.Path)
			}
			if err != nil {
				return err
			}
			if len(corrections) == 0 {
				fmt.Println("all streams consistent")
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print version and exit",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("agentloop version %s\n", version)
			return nil
		},
	}
}
