package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
	"github.com/oarkflow/shield/node"
)

var (
	configPath string
	verbose    bool
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "shieldctl",
	Short:         "Security node administration",
	Long:          `shieldctl validates security configuration, manages system keys, users and roles, and clears realm caches across the cluster.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "shield.yml", "Security configuration file (.yml, .yaml or .json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log component activity to stderr")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format when verbose: text or json")
	rootCmd.AddCommand(validateCmd, syskeyCmd, signCmd, verifyCmd, rolesCmd, usersCmd, clearCacheCmd, auditCmd, authorizeCmd)
}

func cliLogger() logger.Logger {
	switch {
	case !verbose:
		return logger.NewNullLogger()
	case logFormat == "json":
		return logger.NewJSONLogger(os.Stderr, slog.LevelDebug).Named("shieldctl")
	default:
		return logger.NewPhusluLogger().Named("shieldctl")
	}
}

func loadConfig() (*shield.Config, error) {
	cfg, err := shield.NewConfigLoader().LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", configPath, err)
	}
	return cfg, nil
}

// openNode builds a node from the configuration. Unless joinCluster is set
// the node stays out of the redis cluster.
func openNode(ctx context.Context, joinCluster bool) (*node.Node, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts := node.Options{Logger: cliLogger()}
	if !joinCluster {
		opts.Cluster = shield.NewLocalCluster()
	}
	return node.New(ctx, cfg, opts)
}
