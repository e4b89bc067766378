package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.TelegramConfig {
	return models.TelegramConfig{
		BotToken: "123456:ABC-DEF",
		ChatID:   "-100123456789",
	}
}

func TestSendNotification_Success(t *testing.T) {
	var capturedRequest *http.Request
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedRequest = req
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	msg := models.RelayMessage{
		Success:        true,
		RunID:          "run-1",
		StartTime:      time.Now().Add(-time.Minute),
		Duration:       time.Minute,
		WarehouseRows:  12,
		RelationalRows: 3,
		OutputPath:     "data_output.xlsx",
		OutputBytes:    2048,
	}

	result, err := svc.SendNotification(context.Background(), testConfig(), msg)

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Nil(t, result.Error)

	assert.Equal(t, http.MethodPost, capturedRequest.Method)
	assert.Contains(t, capturedRequest.URL.String(), "/bot123456:ABC-DEF/sendMessage")
	assert.Equal(t, "application/json", capturedRequest.Header.Get("Content-Type"))

	assert.Equal(t, "-100123456789", capturedBody.ChatID)
	assert.Equal(t, "HTML", capturedBody.ParseMode)
	assert.Contains(t, capturedBody.Text, "Relay Successful")
}

func TestSendNotification_HTTPError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("network error")
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")
	result, err := svc.SendNotification(context.Background(), testConfig(), models.RelayMessage{Success: true})

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to send request")
}

func TestSendNotification_APIError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Body:       io.NopCloser(strings.NewReader(`{"ok":false}`)),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")
	result, err := svc.SendNotification(context.Background(), testConfig(), models.RelayMessage{Success: true})

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "status 400")
}

func TestFormatMessage_Success(t *testing.T) {
	msg := models.RelayMessage{
		Success:        true,
		RunID:          "8d0f",
		StartTime:      time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC),
		Duration:       42 * time.Second,
		WarehouseRows:  1500,
		RelationalRows: 20,
		OutputPath:     "out/data_output.xlsx",
		OutputBytes:    1536 * 1024,
		PublishedPath:  "/sites/reports/Shared Documents/renamed_output.xlsx",
	}

	text := formatMessage(msg)

	assert.Contains(t, text, "Relay Successful")
	assert.Contains(t, text, "2026-10-19 06:00:00")
	assert.Contains(t, text, "42s")
	assert.Contains(t, text, "data1 rows: 1500")
	assert.Contains(t, text, "data2 rows: 20")
	assert.Contains(t, text, "1.5 MiB")
	assert.Contains(t, text, "renamed_output.xlsx")
	assert.NotContains(t, text, "Failed step")
}

func TestFormatMessage_PublishSkipped(t *testing.T) {
	text := formatMessage(models.RelayMessage{
		Success:     true,
		PublishNote: "SharePoint authentication failed, upload skipped",
	})

	assert.Contains(t, text, "upload skipped")
	assert.NotContains(t, text, "Published:")
}

func TestFormatMessage_Failure(t *testing.T) {
	text := formatMessage(models.RelayMessage{
		Success:      false,
		StartTime:    time.Now(),
		Duration:     time.Minute,
		FailedStep:   "extract_warehouse",
		ErrorMessage: `query failed: relation "<sales>" does not exist`,
	})

	assert.Contains(t, text, "Relay Failed")
	assert.Contains(t, text, "Failed step: extract_warehouse")
	assert.Contains(t, text, "&lt;sales&gt;")
	assert.NotContains(t, text, "data1 rows")
}

func TestSendNotification_ContextCancelled(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, req.Context().Err()
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.SendNotification(ctx, testConfig(), models.RelayMessage{Success: true})

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.ErrorIs(t, result.Error, context.Canceled)
}
