package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fgeck/sqlrelay/internal/config"
	"github.com/fgeck/sqlrelay/internal/services/workbook"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkInput bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without opening any tunnel or connection.
With --check-input the query sheets of the input workbook are read as well.`,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().BoolVar(&checkInput, "check-input", false, "also read sql1 and sql2 from the input workbook")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	// Load and validate configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("configuration validation failed")
		return err
	}

	out := cmd.OutOrStdout()

	// Print configuration summary
	fmt.Fprintln(out, "Configuration is valid!")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "SSH:")
	fmt.Fprintf(out, "  Bastion: %s@%s:%d\n", cfg.SSH.Username, cfg.SSH.Host, cfg.SSH.Port)
	fmt.Fprintf(out, "  Shared session: %v\n", cfg.SSH.SharedSession)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Databases:")
	fmt.Fprintf(out, "  Warehouse (sql1): %s %s:%d/%s via local port %d\n",
		cfg.Warehouse.Dialect, cfg.Warehouse.RemoteHost, cfg.Warehouse.RemotePort, cfg.Warehouse.Database, cfg.Warehouse.LocalPort)
	fmt.Fprintf(out, "  Relational (sql2): %s %s:%d/%s via local port %d\n",
		cfg.Relational.Dialect, cfg.Relational.RemoteHost, cfg.Relational.RemotePort, cfg.Relational.Database, cfg.Relational.LocalPort)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Workbook:")
	fmt.Fprintf(out, "  Input: %s (cell %s)\n", cfg.Workbook.InputPath, cfg.Workbook.SQLCell)
	fmt.Fprintf(out, "  Output: %s\n", cfg.Workbook.OutputPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Optional Features:")
	fmt.Fprintf(out, "  SharePoint: %v\n", cfg.SharePoint != nil)
	fmt.Fprintf(out, "  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.SharePoint != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "SharePoint Configuration:")
		fmt.Fprintf(out, "  Site: %s\n", cfg.SharePoint.SiteURL)
		fmt.Fprintf(out, "  Folder: %s\n", cfg.SharePoint.Folder)
		fmt.Fprintf(out, "  User: %s\n", cfg.SharePoint.Username)
		if cfg.SharePoint.RenameTo != "" {
			fmt.Fprintf(out, "  Rename to: %s\n", cfg.SharePoint.RenameTo)
		}
	}

	if cfg.Telegram != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Telegram Configuration:")
		fmt.Fprintf(out, "  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Fprintf(out, "  Bot Token: (configured)\n")
	}

	if !checkInput {
		return nil
	}

	queries, err := workbook.New(log.Logger).ReadQueries(cfg.Workbook.InputPath, cfg.Workbook.SQLCell)
	if err != nil {
		log.Error().Err(err).Str("file", cfg.Workbook.InputPath).Msg("input workbook check failed")
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Input Workbook:")
	fmt.Fprintf(out, "  sql1: %s\n", firstLine(queries.SQL1))
	fmt.Fprintf(out, "  sql2: %s\n", firstLine(queries.SQL2))

	return nil
}

func firstLine(s string) string {
	line, _, more := strings.Cut(s, "\n")
	if more {
		return line + " ..."
	}
	return line
}
