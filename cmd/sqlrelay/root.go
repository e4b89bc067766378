package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	envFile    string
	verbose    bool
	quiet      bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "sqlrelay",
	Short: "Relay query results from tunneled databases to SharePoint",
	Long: `sqlrelay is a one-shot data relay that:
  - opens SSH port-forwards to a warehouse and a relational database
  - runs the statements stored in the sql1 and sql2 sheets of a workbook
  - writes both result sets into a new workbook (sheets data1, data2)
  - uploads the workbook to a SharePoint folder and renames it
  - sends a Telegram notification (if configured)

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return loadEnvFile()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the config is parsed")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Set output format
	if jsonOutput {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadEnvFile populates the environment used by ${VAR} expansion in the
// config. Variables already set in the process environment win.
func loadEnvFile() error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Error().Err(err).Str("file", envFile).Msg("failed to load env file")
		return fmt.Errorf("loading env file: %w", err)
	}
	log.Debug().Str("file", envFile).Msg("env file loaded")
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
