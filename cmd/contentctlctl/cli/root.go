// Package cli implements the contentctlctl operator CLI: ad-hoc
// reconciliation triggers, lock inspection, and stale-job requeueing
// against the same Postgres database the services use.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	config "contentctl/configs"
)

var (
	cfgFile string
	verbose bool
	logger  *logrus.Logger
	appCfg  *config.Config
)

// Execute runs the CLI, returning any error from the selected subcommand.
func Execute() error {
	root := newRootCommand()
	return root.Execute()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contentctlctl",
		Short: "Operator CLI for the contentctl job platform",
		Long: `contentctlctl is an operator tool for the contentctl job platform:
triggering a reconciliation sweep out of band, inspecting held
plan/quota/trial locks, and requeuing stale processing jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initLogger()
			initConfig()
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment variables only)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newReconcileCommand())
	cmd.AddCommand(newLocksCommand())
	cmd.AddCommand(newJobsCommand())

	return cmd
}

func initLogger() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// initConfig loads contentctl's environment-based Config, optionally
// pointed at a dotenv-style file via --config (read through viper so
// KEY=VALUE files and process env merge with the same precedence rules
// as the services).
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			logger.WithError(err).Warn("failed to read config file, falling back to environment")
		} else {
			for _, key := range viper.AllKeys() {
				_ = os.Setenv(envKeyFor(key), fmt.Sprintf("%v", viper.Get(key)))
			}
		}
	}
	appCfg = config.LoadConfig()
}

func envKeyFor(viperKey string) string {
	out := make([]byte, 0, len(viperKey))
	for _, r := range viperKey {
		if r == '.' || r == '-' {
			out = append(out, '_')
			continue
		}
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, for
// subcommands that perform a single bounded operation against the cluster.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}
