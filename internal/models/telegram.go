package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// RelayMessage holds the data for a run notification.
type RelayMessage struct {
	Success   bool
	RunID     string
	StartTime time.Time
	Duration  time.Duration

	// Extraction stats (if successful).
	WarehouseRows  int
	RelationalRows int
	OutputPath     string
	OutputBytes    int64

	// Publication (if configured).
	PublishedPath string
	PublishNote   string

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
