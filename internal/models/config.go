// Package models contains the data structures used throughout sqlrelay.
package models

// RelayConfig holds the complete configuration for a relay run.
type RelayConfig struct {
	SSH        SSHConfig
	Warehouse  DatabaseConfig // queried with the sql1 sheet
	Relational DatabaseConfig // queried with the sql2 sheet
	Workbook   WorkbookConfig
	SharePoint *SharePointConfig // nil if not configured
	Telegram   *TelegramConfig   // nil if not configured
}

// WorkbookConfig holds spreadsheet input and output settings.
type WorkbookConfig struct {
	InputPath  string // spreadsheet holding the sql1 and sql2 sheets
	OutputPath string // packaged result, e.g. data_output.xlsx
	SQLCell    string // cell holding the statement, "A1" by default
}
