package main

import (
	"os/signal"
	"syscall"

	"github.com/fgeck/sqlrelay/internal/config"
	"github.com/fgeck/sqlrelay/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the relay workflow",
	Long: `Execute the complete relay workflow:
1. Read the statements from the sql1 and sql2 sheets
2. Open SSH tunnels to both databases
3. Run sql1 against the warehouse and sql2 against the relational database
4. Write the results to the output workbook
5. Upload and rename the workbook on SharePoint (if configured)
6. Send Telegram notification (if configured)`,
	RunE: runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("bastion", cfg.SSH.Host).
		Str("input", cfg.Workbook.InputPath).
		Bool("publish", cfg.SharePoint != nil).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run relay
	runnerSvc := runner.New(log.Logger)
	if err := runnerSvc.Run(ctx, *cfg); err != nil {
		if ctx.Err() != nil {
			log.Warn().Msg("interrupted by signal")
		}
		log.Error().Err(err).Msg("relay failed")
		return err
	}

	log.Info().Msg("relay completed successfully")
	return nil
}
