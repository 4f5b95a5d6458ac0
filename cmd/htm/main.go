// Package main implements the htm command line: remember, recall, and
// manage hive memory from the shell.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MadBomber/htm"
)

var (
	configPath string
	dbPath     string
	robotName  string
	verbose    bool
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	scoreStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	tagStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("36"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

var rootCmd = &cobra.Command{
	Use:   "htm",
	Short: "Hive memory for LLM-driven agents",
	Long: `htm stores, enriches and recalls durable memory for a hive of robots.

Content is deduplicated, embedded and tagged asynchronously, and recalled
through hybrid vector + fulltext + tag search with natural timeframes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&robotName, "robot", "cli", "robot identity")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(rememberCmd, recallCmd, forgetCmd, restoreCmd, contextCmd)
	rootCmd.AddCommand(tagsCmd, loadCmd, unloadCmd, syncCmd)
	rootCmd.AddCommand(statsCmd, reembedCmd, purgeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// loadHiveConfig resolves config file + flag overrides.
func loadHiveConfig() (htm.Config, error) {
	cfg := htm.DefaultConfig()
	if configPath != "" {
		loaded, err := htm.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	return cfg, nil
}

// withRobot opens the hive, resolves the robot, runs fn, and closes.
func withRobot(fn func(ctx context.Context, h *htm.Hive, r *htm.HTM) error) error {
	if verbose {
		logger, err := zap.NewDevelopment()
		if err == nil {
			htm.SetLogger(logger)
			defer logger.Sync()
		}
	}

	cfg, err := loadHiveConfig()
	if err != nil {
		return err
	}
	hive, err := htm.Open(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	defer hive.Close(ctx)

	robot, err := hive.Robot(ctx, robotName)
	if err != nil {
		return err
	}
	return fn(ctx, hive, robot)
}
