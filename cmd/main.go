package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dnaka91/veto/internal/analyze"
	"github.com/dnaka91/veto/internal/config"
	"github.com/dnaka91/veto/internal/daemon"
	"github.com/dnaka91/veto/internal/domain"
	"github.com/dnaka91/veto/internal/firewall"
	"github.com/dnaka91/veto/internal/logger"
)

// Exit codes of the veto binary.
const (
	exitOK         = 0
	exitConfig     = 1
	exitInit       = 2
	exitIncomplete = 3
	exitSignal     = 130
)

const (
	defaultConfig   = "/etc/veto/config.toml"
	defaultStateDir = "/var/lib/veto"
)

var (
	configPath  string
	stateDir    string
	logLevel    string
	analyzeRule string
	version     = "dev" // set at build time via -ldflags
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.New()
	logger.SetGlobalLogger(log)

	rootCmd := &cobra.Command{
		Use:           "veto",
		Short:         "Log-driven IP blocker",
		Long:          `Veto tails log files, detects abusive clients with operator-supplied filters and blocks their addresses through ipset and iptables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				log = logger.NewWithLevel(logLevel)
				logger.SetGlobalLogger(log)
			}
			if env := os.Getenv("VETO_CONFIG"); env != "" {
				configPath = env
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to the configuration file (env: VETO_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", defaultStateDir, "Directory for the snapshot and lock file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error; env: VETO_LOG)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the configured log files and block offenders",
		RunE:  runDaemon,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Replay a file through a rule's filters without blocking anything",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&analyzeRule, "rule", "", "Name of the rule to analyze with")
	analyzeCmd.MarkFlagRequired("rule")

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print a summary",
		RunE:  runCheckConfig,
	}

	rootCmd.AddCommand(runCmd, analyzeCmd, checkCmd)

	// Bare invocation behaves like `veto run`.
	rootCmd.RunE = runDaemon

	if err := rootCmd.Execute(); err != nil {
		var code codedError
		if errors.As(err, &code) {
			return code.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	return exitOK
}

// codedError carries a process exit code through cobra's error return.
type codedError struct {
	code int
	err  error
}

func (e codedError) Error() string { return e.err.Error() }
func (e codedError) Unwrap() error { return e.err }

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logger.Global()

	settings, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("config", configPath).Msg("Invalid configuration")
		return codedError{exitConfig, err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fw := firewall.NewService(log.Logger, firewall.NewCommandService(log.Logger), settings.Target)
	d := daemon.New(log.Logger, settings, stateDir, fw)

	err = d.Run(ctx)
	switch {
	case errors.Is(err, domain.ErrShutdownIncomplete):
		return codedError{exitIncomplete, err}
	case err != nil:
		log.Error().Err(err).Msg("Initialization failed")
		return codedError{exitInit, err}
	case ctx.Err() != nil:
		// Clean shutdown after a termination signal.
		return codedError{exitSignal, ctx.Err()}
	default:
		return nil
	}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	log := logger.Global()

	settings, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("config", configPath).Msg("Invalid configuration")
		return codedError{exitConfig, err}
	}

	rule, ok := settings.Rule(analyzeRule)
	if !ok {
		err := fmt.Errorf("rule %q is not configured", analyzeRule)
		log.Error().Err(err).Msg("Unknown rule")
		return codedError{exitConfig, err}
	}

	path := ""
	if len(args) > 0 {
		path = args[0]
	}

	report, err := analyze.Run(log.Logger, rule, path)
	if err != nil {
		log.Error().Err(err).Msg("Analysis failed")
		return codedError{exitInit, err}
	}

	fmt.Print(report)
	return nil
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	log := logger.Global()

	settings, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("config", configPath).Msg("Invalid configuration")
		return codedError{exitConfig, err}
	}

	log.Info().
		Str("config", configPath).
		Str("target", string(settings.Target)).
		Int("whitelist", len(settings.Whitelist)).
		Int("rules", len(settings.Rules)).
		Msg("Configuration is valid")

	for _, rule := range settings.Rules {
		groups := make([]string, 0, len(rule.Blacklists))
		for group := range rule.Blacklists {
			groups = append(groups, group)
		}
		sort.Strings(groups)

		log.Info().
			Str("rule", rule.Name).
			Str("file", rule.File).
			Int("filters", len(rule.Filters)).
			Dur("timeout", rule.Timeout).
			Strs("blacklists", groups).
			Msg("Rule")

		if len(rule.Ports) > 0 {
			log.Warn().Str("rule", rule.Name).Msg("The ports setting is accepted but not acted on yet")
		}
	}

	return nil
}
