// Package telegram sends relay run notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.RelayMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification posts a run summary to the configured chat.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.RelayMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	jsonBody, err := json.Marshal(sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      formatMessage(msg),
		ParseMode: "HTML",
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func formatMessage(msg models.RelayMessage) string {
	var b strings.Builder

	if msg.Success {
		b.WriteString("✅ <b>Relay Successful</b>\n\n")
	} else {
		b.WriteString("❌ <b>Relay Failed</b>\n\n")
	}

	fmt.Fprintf(&b, "<b>Run:</b> <code>%s</code>\n", html.EscapeString(msg.RunID))
	fmt.Fprintf(&b, "<b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "<b>Duration:</b> %s\n", msg.Duration.Round(time.Second))

	if !msg.Success {
		b.WriteString("\n<b>Error Details:</b>\n")
		fmt.Fprintf(&b, "  • Failed step: %s\n", html.EscapeString(msg.FailedStep))
		fmt.Fprintf(&b, "  • Error: <code>%s</code>\n", html.EscapeString(msg.ErrorMessage))
		return b.String()
	}

	b.WriteString("\n<b>Extraction:</b>\n")
	fmt.Fprintf(&b, "  • data1 rows: %d\n", msg.WarehouseRows)
	fmt.Fprintf(&b, "  • data2 rows: %d\n", msg.RelationalRows)
	fmt.Fprintf(&b, "  • Output: %s (%s)\n", html.EscapeString(msg.OutputPath), humanize.IBytes(uint64(max(msg.OutputBytes, 0))))

	if msg.PublishedPath != "" {
		fmt.Fprintf(&b, "\n<b>Published:</b> %s\n", html.EscapeString(msg.PublishedPath))
	}
	if msg.PublishNote != "" {
		fmt.Fprintf(&b, "⚠️ %s\n", html.EscapeString(msg.PublishNote))
	}

	return b.String()
}
