package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/gitlib/internal/config"
	"github.com/schaermu/gitlib/internal/git"
	"github.com/schaermu/gitlib/internal/library"
	"github.com/schaermu/gitlib/internal/runner"
	"github.com/schaermu/gitlib/internal/subtree"
	"github.com/schaermu/gitlib/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Library flags
	accountName string
	remoteURL   string

	// Pull flags
	continuePull bool
	abortPull    bool

	// Account flags
	makeDefault bool
	localConfig bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "git-lib",
	Short: "Share a subdirectory with its own remote repository",
	Long: `git-lib keeps a subdirectory of a repository (a "lib") in sync with an
independent remote repository.

Push publishes the history of the lib to its remote, pull merges upstream
changes back into the subdirectory and adds the lib when it does not exist
yet. A pull that stops on conflicts is finished with --continue or rolled
back with --abort.`,
	SilenceUsage: true,
}

var pushCmd = &cobra.Command{
	Use:   "push <lib> [ref]",
	Short: "Push the history of a lib to its remote",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull <lib> [ref] | --continue | --abort",
	Short: "Merge remote changes into a lib, adding it if needed",
	Long: `Pull fetches the remote ref of a lib and merges it into the lib directory.
When the directory does not exist yet the remote tree is added as a new lib.

If the merge stops on conflicts, resolve them, stage the result and run
"git lib pull --continue", or run "git lib pull --abort" to return to the
commit the pull started from.`,
	Args: pullArgs,
	RunE: runPull,
}

var splitCmd = &cobra.Command{
	Use:   "split <lib> [ref]",
	Short: "Print the commit id of the split history of a lib",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSplit,
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage remote accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <name> <service-url>",
	Short: "Register a remote account",
	Long: `Add stores the URL template of an account in git config as lib.<name>.url.
The service URL may be "github", "bitbucket" or a template using %{account}
and %{lib}, for example "ssh://git.example.com/%{account}/%{lib}.git".`,
	Args: cobra.ExactArgs(2),
	RunE: runAccountAdd,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "git-lib %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/git-lib/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{pushCmd, pullCmd, splitCmd} {
		cmd.Flags().StringVar(&accountName, "account", "", "account whose URL template locates the remote")
		cmd.Flags().StringVar(&remoteURL, "url", "", "remote repository URL")
	}

	pullCmd.Flags().BoolVar(&continuePull, "continue", false, "finish a pull after resolving conflicts")
	pullCmd.Flags().BoolVar(&abortPull, "abort", false, "roll back a pull that stopped on conflicts")

	accountAddCmd.Flags().BoolVar(&makeDefault, "default", false, "make this the default account")
	accountAddCmd.Flags().BoolVar(&localConfig, "local", false, "write to the repository config instead of the global one")

	// Add commands
	accountCmd.AddCommand(accountAddCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(versionCmd)
}

func pullArgs(cmd *cobra.Command, args []string) error {
	if continuePull && abortPull {
		return errors.New("--continue and --abort cannot be combined")
	}
	if continuePull || abortPull {
		if len(args) > 0 || accountName != "" || remoteURL != "" {
			return errors.New("--continue and --abort take no lib, ref, --account or --url")
		}
		return nil
	}
	return cobra.RangeArgs(1, 2)(cmd, args)
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	s, err := newSession(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	lib, err := s.resolve(ctx, args)
	if err != nil {
		return err
	}

	if _, err := s.engine.Push(ctx, lib); err != nil {
		s.logger.Error("push failed", "library", lib.Name, "error", err)
		return err
	}
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	s, err := newSession(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	var res *sync.PullResult
	switch {
	case continuePull:
		res, err = s.engine.Continue(ctx)
	case abortPull:
		res, err = s.engine.Abort(ctx)
	default:
		var lib library.Ref
		lib, err = s.resolve(ctx, args)
		if err != nil {
			return err
		}
		res, err = s.engine.Pull(ctx, lib)
	}
	if err != nil {
		return err
	}

	printPullResult(cmd.OutOrStdout(), res)
	return nil
}

func runSplit(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	s, err := newSession(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	lib, err := s.resolve(ctx, args)
	if err != nil {
		return err
	}

	_, err = s.engine.Split(ctx, lib)
	return err
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	client := git.NewShellClient(runner.New(), workDir, git.Auth{})
	if err := library.AddAccount(ctx, client, args[0], args[1], !localConfig, makeDefault); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Account %q added\n", args[0])
	return nil
}

// session wires the engine for a command running inside a repository
type session struct {
	logger   *slog.Logger
	engine   *sync.Engine
	resolver *library.Resolver
}

func newSession(ctx context.Context, out io.Writer) (*session, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	run := runner.New()
	auth := git.Auth{SSHKeyFile: cfg.Auth.SSHKeyFile, HTTPSTokenFile: cfg.Auth.HTTPSTokenFile}

	probe := git.NewShellClient(run, workDir, auth)
	topLevel, err := probe.TopLevel(ctx)
	if err != nil {
		return nil, fmt.Errorf("not inside a git work tree: %w", err)
	}
	gitDir, err := probe.GitDir(ctx)
	if err != nil {
		return nil, err
	}

	logger.Debug("repository located", "top_level", topLevel, "git_dir", gitDir, "auth", cfg.AuthMethod())

	gitClient := git.NewShellClient(run, topLevel, auth)
	splitter := subtree.NewCommandSplitter(run, topLevel, cfg.Split.Command, cfg.Split.WithFlag)
	state := sync.NewStateStore(gitDir)

	return &session{
		logger:   logger,
		engine:   sync.NewEngine(gitClient, splitter, state, topLevel, out, logger),
		resolver: library.NewResolver(gitClient, cfg, topLevel, workDir),
	}, nil
}

func (s *session) resolve(ctx context.Context, args []string) (library.Ref, error) {
	req := library.Request{Lib: args[0], Account: accountName, URL: remoteURL}
	if len(args) > 1 {
		req.Ref = args[1]
	}

	lib, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return library.Ref{}, err
	}

	s.logger.Debug("library resolved", "library", lib.Name, "prefix", lib.Prefix, "url", lib.URL, "ref", lib.RemoteRef)
	return lib, nil
}

func printPullResult(w io.Writer, res *sync.PullResult) {
	switch res.Outcome {
	case sync.OutcomeUpToDate:
		_, _ = fmt.Fprintln(w, "Everything up-to-date")
	case sync.OutcomeAdded:
		_, _ = fmt.Fprintf(w, "Added lib %q at %s\n", res.Library, res.Commit)
	case sync.OutcomeMerged:
		_, _ = fmt.Fprintf(w, "Merged lib %q at %s\n", res.Library, res.Commit)
	case sync.OutcomeAborted:
		if res.Commit == "" {
			_, _ = fmt.Fprintf(w, "Aborted pull of lib %q, the branch has no commits again\n", res.Library)
			return
		}
		_, _ = fmt.Fprintf(w, "Aborted pull of lib %q, HEAD is back at %s\n", res.Library, res.Commit)
	}
}

// exitCode mirrors the status of a failed git process, 1 otherwise
func exitCode(err error) int {
	if code := runner.ExitCode(err); code > 0 {
		return code
	}
	return 1
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	// Create handler based on format. Logs go to stderr so that stdout only
	// carries command output such as split commit ids.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// An explicit config file must exist; the default one is optional
	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		return config.Load(cfgFile)
	}

	configPath, err := config.DefaultPath()
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"default_account", cfg.DefaultAccount,
		"default_ref", cfg.DefaultRef,
		"accounts", len(cfg.Accounts),
		"split_command", cfg.Split.Command)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
