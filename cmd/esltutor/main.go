package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/esltutor/internal/config"
)

var version = "dev"

var (
	noColor bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "esltutor",
	Short: "Personalized ESL homework and conversation pairings",
	Long: `esltutor indexes students and lesson templates, generates personalized
homework with an LLM, and forms conversation groups for a class.

Example usage:
  esltutor seed --file fixtures.yaml    # Load sample students and templates
  esltutor sync                         # Bring the vector index up to date
  esltutor homework --student-id 1      # Generate homework for a student
  esltutor pairings --class-id 1        # Pair a class for an activity`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logLevel := slog.LevelInfo
		if strings.EqualFold(cfg.Log.Level, "debug") {
			logLevel = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(homeworkCmd)
	rootCmd.AddCommand(pairingsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError("%s", describeError(err))
		var rf *reportedFailure
		if !errors.As(err, &rf) {
			fmt.Fprintf(os.Stderr, "  %v\n", err)
		}
		os.Exit(1)
	}
}
